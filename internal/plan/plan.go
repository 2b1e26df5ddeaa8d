// Package plan implements the resource advisor's apply planner (C6): it
// selects a bounded set of recommendations that fit cluster- and
// per-node request budgets, using a bounded greedy tradeoff search that
// may pair a downsize with an otherwise-blocked upsize.
//
// This component has no precedent in the original Python implementation
// (grep confirms advisor.py never computes a Plan or a tradeoff search;
// the original only ever opens a PR from the raw recommendation list).
// It is built directly from spec.md §4.6's literal algorithm. Its
// candidate-pool bookkeeping (per-candidate state carried in a small
// struct, a priority-tuple sort, a greedy loop with a remaining-slots
// counter) follows the shape of the teacher's own bounded greedy
// allocator in pkg/price/price_signal.go (iterative marginal-utility
// selection against a shrinking budget), generalized from a shadow-price
// loop to the two-tier upsize/downsize tradeoff spec.md describes.
package plan

import (
	"math"
	"sort"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/config"
	"github.com/khzaw/rangoonpulse/pkg/types"
)

// epsilon tolerates rounding error when testing fit against a budget.
const epsilon = 0.01

// candidate is a gated Recommendation carrying the bookkeeping the
// selection loop needs.
type candidate struct {
	item           types.PlanItem
	perPodDeltaCPU float64
	perPodDeltaMem float64
	isUpsize       bool
}

// Input bundles everything the planner needs beyond the Config.
type Input struct {
	Recommendations []types.Recommendation
	Nodes           []types.Node
	Placement       types.PlacementIndex
	NodeFootprints  map[string]types.NodeRequestFootprint
	CoverageDays    float64
}

// Build runs the apply planner over in and returns the resulting Plan.
func Build(cfg *config.Config, in Input) types.Plan {
	clusterBudgetCPU, clusterBudgetMem := 0.0, 0.0
	nodeBudgetCPU := make(map[string]float64, len(in.Nodes))
	nodeBudgetMem := make(map[string]float64, len(in.Nodes))
	for _, n := range in.Nodes {
		nodeBudgetCPU[n.Name] = n.AllocatableCPUM * cfg.MaxRequestsPercentCPU / 100
		nodeBudgetMem[n.Name] = n.AllocatableMemMi * cfg.MaxRequestsPercentMemory / 100
		clusterBudgetCPU += nodeBudgetCPU[n.Name]
		clusterBudgetMem += nodeBudgetMem[n.Name]
	}

	projected := make(map[string]types.Resources, len(in.Nodes))
	currentCPU, currentMem := 0.0, 0.0
	for _, n := range in.Nodes {
		fp := in.NodeFootprints[n.Name]
		projected[n.Name] = types.Resources{CPUMilli: fp.CPUM, MemMi: fp.MemMi}
		currentCPU += fp.CPUM
		currentMem += fp.MemMi
	}

	state := &plannerState{
		projected:     projected,
		budgetCPU:     clusterBudgetCPU,
		budgetMem:     clusterBudgetMem,
		nodeBudgetCPU: nodeBudgetCPU,
		nodeBudgetMem: nodeBudgetMem,
	}

	upsizePool, downsizePool, skipped := gateCandidates(cfg, in)

	sortDownsizes(downsizePool)
	sortUpsizes(upsizePool)

	var selected []types.PlanItem
	maxChanges := cfg.MaxApplyChangesPerRun
	usedDownsize := make(map[int]bool) // index into downsizePool

	for _, up := range upsizePool {
		if len(selected) >= maxChanges {
			skipped = append(skipped, withReason(up.item, types.ReasonMaxChangesReached))
			continue
		}

		tentative := state.clone()
		tentative.apply(up.item.Placement, up.perPodDeltaCPU, up.perPodDeltaMem)
		if ok, _ := tentative.fit(); ok {
			state.apply(up.item.Placement, up.perPodDeltaCPU, up.perPodDeltaMem)
			selected = append(selected, withReason(up.item, types.ReasonUpsizeWithinBudget))
			continue
		}

		baseOk, baseOver := tentative.fit()
		_ = baseOk

		remainingSlots := maxChanges - len(selected) - 1
		succeeded, usedIdx, search := runTradeoffSearch(tentative, downsizePool, usedDownsize, remainingSlots)
		if succeeded {
			state.projected = search.projected
			for _, idx := range usedIdx {
				usedDownsize[idx] = true
				reason := types.PlanItemReason(string(types.ReasonTradeoffDownsizePrefix) + up.item.Recommendation.Target.Release)
				selected = append(selected, withReason(downsizePool[idx].item, reason))
			}
			selected = append(selected, withReason(up.item, types.ReasonUpsizeEnabledByTradeoff))
			continue
		}

		blocked := withReason(up.item, types.ReasonBudgetOrNodeFitBlock)
		blocked.Over = baseOver
		blocked.Suggestions = topSuggestions(downsizePool, usedDownsize, 5)
		skipped = append(skipped, blocked)
	}

	for i, d := range downsizePool {
		if usedDownsize[i] {
			continue
		}
		if len(selected) >= maxChanges {
			skipped = append(skipped, withReason(d.item, types.ReasonMaxChangesReached))
			continue
		}
		state.apply(d.item.Placement, d.perPodDeltaCPU, d.perPodDeltaMem)
		selected = append(selected, withReason(d.item, types.ReasonDownsizeWithMatureData))
	}

	projectedCPU, projectedMem := 0.0, 0.0
	nodeViews := make([]types.NodeView, 0, len(in.Nodes))
	for _, n := range in.Nodes {
		p := state.projected[n.Name]
		projectedCPU += p.CPUMilli
		projectedMem += p.MemMi
		fp := in.NodeFootprints[n.Name]
		nodeViews = append(nodeViews, types.NodeView{
			Node:           n.Name,
			BudgetCPUM:     nodeBudgetCPU[n.Name],
			BudgetMemMi:    nodeBudgetMem[n.Name],
			CurrentCPUM:    fp.CPUM,
			CurrentMemMi:   fp.MemMi,
			ProjectedCPUM:  p.CPUMilli,
			ProjectedMemMi: p.MemMi,
		})
	}
	sort.Slice(nodeViews, func(i, j int) bool { return nodeViews[i].Node < nodeViews[j].Node })

	klog.V(2).InfoS("Apply planner finished", "selected", len(selected), "skipped", len(skipped))

	return types.Plan{
		ClusterBudgetCPUM:     clusterBudgetCPU,
		ClusterBudgetMemMi:    clusterBudgetMem,
		CurrentClusterCPUM:    currentCPU,
		CurrentClusterMemMi:   currentMem,
		ProjectedClusterCPUM:  projectedCPU,
		ProjectedClusterMemMi: projectedMem,
		Nodes:                 nodeViews,
		Selected:              selected,
		Skipped:               skipped,
		SkipReasonHistogram:   histogram(skipped),
	}
}

func withReason(item types.PlanItem, reason types.PlanItemReason) types.PlanItem {
	item.Reason = reason
	return item
}

func histogram(skipped []types.PlanItem) []types.SkipReasonCount {
	counts := make(map[types.PlanItemReason]int)
	var order []types.PlanItemReason
	for _, s := range skipped {
		if _, seen := counts[s.Reason]; !seen {
			order = append(order, s.Reason)
		}
		counts[s.Reason]++
	}
	hist := make([]types.SkipReasonCount, 0, len(order))
	for _, r := range order {
		hist = append(hist, types.SkipReasonCount{Reason: r, Count: counts[r]})
	}
	return hist
}

// gateCandidates implements spec §4.6's candidate filtering and gating,
// producing separate upsize/downsize pools plus an initial skipped list.
func gateCandidates(cfg *config.Config, in Input) (upsizes, downsizes []candidate, skipped []types.PlanItem) {
	for _, rec := range in.Recommendations {
		release := rec.Target.Release
		path, allowlisted, mapped := pathFor(ManifestMapping, release)
		base := types.PlanItem{Recommendation: rec, Path: path}

		if !allowlisted {
			skipped = append(skipped, withReason(base, types.ReasonNotAllowlisted))
			continue
		}
		if !mapped {
			skipped = append(skipped, withReason(base, types.ReasonPathNotMapped))
			continue
		}

		perPodCPU := rec.TargetReq.CPUMilli - rec.Target.CurrentReq.CPUMilli
		perPodMem := rec.TargetReq.MemMi - rec.Target.CurrentReq.MemMi
		if math.Abs(perPodCPU) < 1 && math.Abs(perPodMem) < 1 {
			skipped = append(skipped, withReason(base, types.ReasonTinyDelta))
			continue
		}

		key := release + "/" + rec.Target.ContainerName
		placement := in.Placement[key]
		replicas := resolveReplicas(placement, rec.Target.Replicas)

		item := base
		item.Replicas = replicas
		item.Placement = placement
		item.DeltaCPUTotal = perPodCPU * float64(replicas)
		item.DeltaMemTotal = perPodMem * float64(replicas)

		isUpsize := perPodCPU > 0 || perPodMem > 0

		if isUpsize {
			if in.CoverageDays < cfg.MinDataDaysForUpsize && !rec.HasNote(types.NoteRestartGuard) {
				skipped = append(skipped, withReason(item, types.ReasonInsufficientDataUpsize))
				continue
			}
			upsizes = append(upsizes, candidate{item: item, perPodDeltaCPU: perPodCPU, perPodDeltaMem: perPodMem, isUpsize: true})
			continue
		}

		if rec.HasNote(types.NoteRestartGuard) {
			skipped = append(skipped, withReason(item, types.ReasonRestartGuardBlocksDown))
			continue
		}
		if rec.HasNote(types.NoteDownscaleExcluded) {
			skipped = append(skipped, withReason(item, types.ReasonDownscaleExcluded))
			continue
		}
		if in.CoverageDays < cfg.MinDataDaysForDownsize {
			skipped = append(skipped, withReason(item, types.ReasonInsufficientDataDownsize))
			continue
		}
		downsizes = append(downsizes, candidate{item: item, perPodDeltaCPU: perPodCPU, perPodDeltaMem: perPodMem, isUpsize: false})
	}
	return upsizes, downsizes, skipped
}

// resolveReplicas implements spec.md §9's "replica source for planning"
// decision: placement sum, then template replica count, then 1.
func resolveReplicas(placement map[string]int, templateReplicas int32) int {
	sum := 0
	for _, count := range placement {
		sum += count
	}
	if sum > 0 {
		return sum
	}
	if templateReplicas > 0 {
		return int(templateReplicas)
	}
	return 1
}

func weightedMagnitude(cpuTotal, memTotal float64) float64 {
	return math.Abs(memTotal) + math.Abs(cpuTotal)/10
}

func sortDownsizes(pool []candidate) {
	sort.SliceStable(pool, func(i, j int) bool {
		return weightedMagnitude(pool[i].item.DeltaCPUTotal, pool[i].item.DeltaMemTotal) >
			weightedMagnitude(pool[j].item.DeltaCPUTotal, pool[j].item.DeltaMemTotal)
	})
}

func sortUpsizes(pool []candidate) {
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		aGuard, bGuard := boolToInt(a.item.Recommendation.HasNote(types.NoteRestartGuard)), boolToInt(b.item.Recommendation.HasNote(types.NoteRestartGuard))
		if aGuard != bGuard {
			return aGuard > bGuard
		}
		if a.item.Recommendation.Restarts != b.item.Recommendation.Restarts {
			return a.item.Recommendation.Restarts > b.item.Recommendation.Restarts
		}
		return weightedMagnitude(a.item.DeltaCPUTotal, a.item.DeltaMemTotal) > weightedMagnitude(b.item.DeltaCPUTotal, b.item.DeltaMemTotal)
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func topSuggestions(pool []candidate, used map[int]bool, n int) []types.PlanItem {
	type scored struct {
		item  types.PlanItem
		total float64
	}
	var candidates []scored
	for i, d := range pool {
		if used[i] {
			continue
		}
		candidates = append(candidates, scored{item: d.item, total: weightedMagnitude(d.item.DeltaCPUTotal, d.item.DeltaMemTotal)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].total > candidates[j].total })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]types.PlanItem, len(candidates))
	for i, c := range candidates {
		out[i] = c.item
	}
	return out
}

// plannerState is the mutable per-node projected-resources tracker the
// selection loop tests for fit and tentatively mutates.
type plannerState struct {
	projected     map[string]types.Resources
	budgetCPU     float64
	budgetMem     float64
	nodeBudgetCPU map[string]float64
	nodeBudgetMem map[string]float64
}

func (s *plannerState) clone() *plannerState {
	cp := make(map[string]types.Resources, len(s.projected))
	for k, v := range s.projected {
		cp[k] = v
	}
	return &plannerState{
		projected:     cp,
		budgetCPU:     s.budgetCPU,
		budgetMem:     s.budgetMem,
		nodeBudgetCPU: s.nodeBudgetCPU,
		nodeBudgetMem: s.nodeBudgetMem,
	}
}

func (s *plannerState) apply(placement map[string]int, perPodCPU, perPodMem float64) {
	for node, count := range placement {
		r := s.projected[node]
		r.CPUMilli += perPodCPU * float64(count)
		r.MemMi += perPodMem * float64(count)
		s.projected[node] = r
	}
}

func (s *plannerState) fit() (bool, types.Overshoot) {
	ok := true
	var totalCPU, totalMem float64
	nodeOver := make(map[string]types.NodeOvershoot)

	for node, r := range s.projected {
		totalCPU += r.CPUMilli
		totalMem += r.MemMi

		cpuOver := math.Max(0, r.CPUMilli-s.nodeBudgetCPU[node])
		memOver := math.Max(0, r.MemMi-s.nodeBudgetMem[node])
		if cpuOver > epsilon || memOver > epsilon {
			ok = false
			nodeOver[node] = types.NodeOvershoot{CPU: cpuOver, Mem: memOver}
		}
	}

	clusterCPUOver := math.Max(0, totalCPU-s.budgetCPU)
	clusterMemOver := math.Max(0, totalMem-s.budgetMem)
	if clusterCPUOver > epsilon || clusterMemOver > epsilon {
		ok = false
	}

	return ok, types.Overshoot{ClusterCPU: clusterCPUOver, ClusterMem: clusterMemOver, Nodes: nodeOver}
}

// runTradeoffSearch implements spec §4.6's bounded greedy tradeoff
// search for one blocked upsize. tentative already has the upsize's
// delta applied and does not fit. It returns success, the indices (into
// pool) of downsizes used, and the resulting state if successful.
func runTradeoffSearch(tentative *plannerState, pool []candidate, alreadyUsed map[int]bool, remainingSlots int) (bool, []int, *plannerState) {
	search := tentative.clone()
	usedThisRound := make(map[int]bool)
	var usedIdx []int

	for len(usedIdx) < remainingSlots {
		_, over := search.fit()

		bestIdx := -1
		bestScore := 0.0
		for i, d := range pool {
			if alreadyUsed[i] || usedThisRound[i] {
				continue
			}
			score := tradeoffScore(over, d)
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			return false, nil, nil
		}

		search.apply(pool[bestIdx].item.Placement, pool[bestIdx].perPodDeltaCPU, pool[bestIdx].perPodDeltaMem)
		usedThisRound[bestIdx] = true
		usedIdx = append(usedIdx, bestIdx)

		if ok, _ := search.fit(); ok {
			return true, usedIdx, search
		}
	}

	return false, nil, nil
}

// tradeoffScore implements spec §4.6's tradeoff score formula.
func tradeoffScore(over types.Overshoot, d candidate) float64 {
	savingsCPU := math.Max(0, -d.item.DeltaCPUTotal)
	savingsMem := math.Max(0, -d.item.DeltaMemTotal)

	score := 0.0
	if over.ClusterCPU > 0 {
		score += math.Min(savingsCPU, over.ClusterCPU) / over.ClusterCPU
	}
	if over.ClusterMem > 0 {
		score += math.Min(savingsMem, over.ClusterMem) / over.ClusterMem
	}

	for node, count := range d.item.Placement {
		if count == 0 {
			continue
		}
		nodeOver, ok := over.Nodes[node]
		if !ok {
			continue
		}
		nodeSavingsCPU := math.Max(0, -d.perPodDeltaCPU*float64(count))
		nodeSavingsMem := math.Max(0, -d.perPodDeltaMem*float64(count))
		if nodeOver.CPU > 0 {
			score += math.Min(nodeSavingsCPU, nodeOver.CPU) / math.Max(1, nodeOver.CPU)
		}
		if nodeOver.Mem > 0 {
			score += math.Min(nodeSavingsMem, nodeOver.Mem) / math.Max(1, nodeOver.Mem)
		}
	}

	return score
}

// ActionDescription derives the PR title's action phrase from a PlanItem's
// per-pod delta signs, per spec §4.8.
func ActionDescription(item types.PlanItem) string {
	cpuUp := item.Recommendation.DeltaReqCPU.Absolute > 0
	cpuDown := item.Recommendation.DeltaReqCPU.Absolute < 0
	memUp := item.Recommendation.DeltaReqMem.Absolute > 0
	memDown := item.Recommendation.DeltaReqMem.Absolute < 0

	switch {
	case cpuUp && memUp:
		return "Increase CPU and memory"
	case cpuDown && memDown:
		return "Decrease CPU and memory"
	case cpuUp && memDown:
		return "Increase CPU, decrease memory"
	case cpuDown && memUp:
		return "Decrease CPU, increase memory"
	case cpuUp:
		return "Increase CPU"
	case cpuDown:
		return "Decrease CPU"
	case memUp:
		return "Increase memory"
	case memDown:
		return "Decrease memory"
	default:
		return "Adjust resources"
	}
}

// BranchSlug derives the action-slug portion of a branch name from a
// PlanItem, per spec §4.8.
func BranchSlug(item types.PlanItem) string {
	return slugify(ActionDescription(item))
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ' || r == ',':
			if len(out) > 0 && out[len(out)-1] != '-' {
				out = append(out, '-')
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}
