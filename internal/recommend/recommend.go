// Package recommend implements the resource advisor's recommender (C4):
// for each container target it queries telemetry, computes buffered and
// step-limited target requests/limits under policy, applies guardrails,
// and emits a Recommendation if the change clears the deadband.
//
// The concurrent-queries-then-reduce shape (a bounded worker pool of
// goroutines over an input slice, a sync.WaitGroup, results written to
// a pre-sized slice by index so no lock is needed for the result
// collection itself, and a sync.Mutex only where a true shared
// accumulator exists) is grounded on the teacher's
// scripts/evaluation/loadgen.go runPhase, the one place in the pack that
// runs a bounded pool of goroutines against a shared accumulator.
package recommend

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/config"
	"github.com/khzaw/rangoonpulse/internal/telemetry"
	"github.com/khzaw/rangoonpulse/pkg/types"
)

// timeNow exists so the MinPodAge guardrail can be exercised with a fixed
// clock in tests; production always calls time.Now.
var timeNow = time.Now

// workerPoolSize bounds concurrent telemetry queries, per spec §9's
// "8-16" guidance.
const workerPoolSize = 12

// Outcome is one container's recommendation result: either a
// Recommendation, or a "no metrics" marker that still contributes to
// cluster totals via CurrentTotal/RecommendedTotal.
type Outcome struct {
	Target         types.ContainerTarget
	Recommendation *types.Recommendation // nil if skipped_no_metrics or suppressed by deadband
	SkippedNoData  bool
	CurrentTotal   types.Resources // current_request * replicas, always populated
	RecommendedTotal types.Resources // recommended_request * replicas, or equal to CurrentTotal if skipped/suppressed
}

// Recommender computes recommendations for a set of container targets.
type Recommender struct {
	telemetry *telemetry.Gateway
	cfg       *config.Config
}

// New constructs a Recommender.
func New(gw *telemetry.Gateway, cfg *config.Config) *Recommender {
	return &Recommender{telemetry: gw, cfg: cfg}
}

// Run computes one Outcome per target, querying telemetry concurrently
// through a bounded worker pool. Order of the returned slice matches the
// input order; final sorting of emitted recommendations is the caller's
// responsibility (see SortRecommendations). podStartTimes is the oldest
// live-pod start time keyed by ContainerTarget.Key() (see
// inventory.OldestPodStartTime), used for the MinPodAge guardrail.
func (r *Recommender) Run(ctx context.Context, targets []types.ContainerTarget, podStartTimes map[string]time.Time) []Outcome {
	outcomes := make([]Outcome, len(targets))

	jobs := make(chan int, len(targets))
	var wg sync.WaitGroup

	for w := 0; w < workerPoolSize; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = r.evaluate(ctx, targets[i], podStartTimes)
			}
		}()
	}

	for i := range targets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

func (r *Recommender) evaluate(ctx context.Context, target types.ContainerTarget, podStartTimes map[string]time.Time) Outcome {
	replicas := float64(target.Replicas)
	if replicas <= 0 {
		replicas = 1
	}
	currentTotal := types.Resources{
		CPUMilli: target.CurrentReq.CPUMilli * replicas,
		MemMi:    target.CurrentReq.MemMi * replicas,
	}

	if r.tooYoung(target, podStartTimes) {
		klog.V(3).InfoS("Skipping container, all live pods younger than MinPodAge",
			"release", target.Release, "container", target.ContainerName, "minPodAge", r.cfg.MinPodAge)
		return Outcome{
			Target:           target,
			SkippedNoData:    true,
			CurrentTotal:     currentTotal,
			RecommendedTotal: currentTotal,
		}
	}

	sample := r.telemetry.Sample(ctx, target.Namespace, target.Kind, target.WorkloadName, target.ContainerName, r.cfg.MetricsWindow, r.cfg.MetricsResolution)

	if sample.CPUP95Milli == nil && sample.MemP95Mi == nil {
		klog.V(3).InfoS("Skipping container, no metrics", "release", target.Release, "container", target.ContainerName)
		return Outcome{
			Target:           target,
			SkippedNoData:    true,
			CurrentTotal:     currentTotal,
			RecommendedTotal: currentTotal,
		}
	}

	rec := r.recommend(target, sample)
	if rec == nil {
		return Outcome{
			Target:           target,
			CurrentTotal:     currentTotal,
			RecommendedTotal: currentTotal,
		}
	}

	recommendedTotal := types.Resources{
		CPUMilli: rec.TargetReq.CPUMilli * replicas,
		MemMi:    rec.TargetReq.MemMi * replicas,
	}

	return Outcome{
		Target:           target,
		Recommendation:   rec,
		CurrentTotal:     currentTotal,
		RecommendedTotal: recommendedTotal,
	}
}

// tooYoung implements spec §3.5's MinPodAge guardrail: a container whose
// oldest live pod hasn't run for MinPodAge yet is skipped as no-metrics
// even if telemetry returns a stale scalar for it. A key absent from
// podStartTimes (no live pod observed for this release/container) is not
// "too young" here; the ordinary no-metrics path handles that case.
func (r *Recommender) tooYoung(target types.ContainerTarget, podStartTimes map[string]time.Time) bool {
	oldest, ok := podStartTimes[target.Key()]
	if !ok {
		return false
	}
	return timeNow().Sub(oldest) < r.cfg.MinPodAge
}

func cpuP95(sample types.UsageSample) float64 {
	if sample.CPUP95Milli == nil {
		return 0
	}
	return *sample.CPUP95Milli
}

func memP95(sample types.UsageSample) float64 {
	if sample.MemP95Mi == nil {
		return 0
	}
	return *sample.MemP95Mi
}

func restarts(sample types.UsageSample) float64 {
	if sample.RestartsInWindow == nil {
		return 0
	}
	return *sample.RestartsInWindow
}

// recommend implements spec §4.4 steps 3-7 for one container. Returns nil
// if the deadband test suppresses the recommendation.
func (r *Recommender) recommend(target types.ContainerTarget, sample types.UsageSample) *types.Recommendation {
	cfg := r.cfg
	cpu := cpuP95(sample)
	mem := memP95(sample)
	restartCount := restarts(sample)

	targetReqCPU := math.Max(cfg.MinCPUM, cpu*(1+cfg.RequestBufferPercent/100))
	targetReqMem := math.Max(cfg.MinMemMi, mem*(1+cfg.RequestBufferPercent/100))
	targetLimCPU := math.Max(targetReqCPU*2, cpu*(1+cfg.LimitBufferPercent/100))
	targetLimMem := math.Max(targetReqMem*1.5, mem*(1+cfg.LimitBufferPercent/100))

	recReqCPU := stepLimit(target.CurrentReq.CPUMilli, targetReqCPU, cfg.MaxStepPercent)
	recReqMem := stepLimit(target.CurrentReq.MemMi, targetReqMem, cfg.MaxStepPercent)
	recLimCPU := stepLimit(target.CurrentLim.CPUMilli, targetLimCPU, cfg.MaxStepPercent)
	recLimMem := stepLimit(target.CurrentLim.MemMi, targetLimMem, cfg.MaxStepPercent)

	var notes []types.Note

	if restartCount > 0 {
		notes = append(notes, types.NoteRestartGuard)
		recReqMem = math.Max(recReqMem, target.CurrentReq.MemMi)
		recLimMem = math.Max(recLimMem, target.CurrentLim.MemMi)
	}

	if cfg.IsDownscaleExcluded(target.Release) {
		notes = append(notes, types.NoteDownscaleExcluded)
		recReqCPU = math.Max(recReqCPU, target.CurrentReq.CPUMilli)
		recReqMem = math.Max(recReqMem, target.CurrentReq.MemMi)
		recLimCPU = math.Max(recLimCPU, target.CurrentLim.CPUMilli)
		recLimMem = math.Max(recLimMem, target.CurrentLim.MemMi)
	}

	deltaReqCPU := delta(target.CurrentReq.CPUMilli, recReqCPU)
	deltaReqMem := delta(target.CurrentReq.MemMi, recReqMem)
	deltaLimCPU := delta(target.CurrentLim.CPUMilli, recLimCPU)
	deltaLimMem := delta(target.CurrentLim.MemMi, recLimMem)

	if !isMaterial(deltaReqCPU, cfg.DeadbandPercent, cfg.DeadbandCPUM) &&
		!isMaterial(deltaReqMem, cfg.DeadbandPercent, cfg.DeadbandMemMi) &&
		!isMaterial(deltaLimCPU, cfg.DeadbandPercent, cfg.DeadbandCPUM) &&
		!isMaterial(deltaLimMem, cfg.DeadbandPercent, cfg.DeadbandMemMi) {
		return nil
	}

	action := determineAction(deltaReqCPU, deltaReqMem, cfg.DeadbandPercent, cfg.DeadbandCPUM, cfg.DeadbandMemMi)

	impact := math.Abs(deltaReqMem.Percent) + math.Abs(deltaReqCPU.Percent)/10

	return &types.Recommendation{
		Target:      target,
		TargetReq:   types.Resources{CPUMilli: recReqCPU, MemMi: recReqMem},
		TargetLim:   types.Resources{CPUMilli: recLimCPU, MemMi: recLimMem},
		Action:      action,
		Notes:       notes,
		DeltaReqCPU: deltaReqCPU,
		DeltaReqMem: deltaReqMem,
		DeltaLimCPU: deltaLimCPU,
		DeltaLimMem: deltaLimMem,
		Restarts:    restartCount,
		ImpactScore: impact,
	}
}

// stepLimit clamps target against current +/- maxStepPercent, per spec
// §4.4 step 4. If current is 0, the target passes through unclamped.
func stepLimit(current, target, maxStepPercent float64) float64 {
	if current == 0 {
		return target
	}
	lo := current * (1 - maxStepPercent/100)
	hi := current * (1 + maxStepPercent/100)
	if lo < 0 {
		lo = 0
	}
	return math.Max(lo, math.Min(hi, target))
}

func delta(current, rec float64) types.Delta {
	abs := rec - current
	pct := 0.0
	if current != 0 {
		pct = abs / current * 100
	} else if rec != 0 {
		pct = 100
	}
	return types.Delta{Percent: pct, Absolute: abs}
}

func isMaterial(d types.Delta, deadbandPercent, deadbandAbs float64) bool {
	return math.Abs(d.Percent) >= deadbandPercent || math.Abs(d.Absolute) >= deadbandAbs
}

// determineAction implements spec §4.4 step 7: upsize if any request
// dimension rose materially, else downsize if any fell materially, else
// no-change. Upsize wins ties.
func determineAction(deltaReqCPU, deltaReqMem types.Delta, deadbandPercent, deadbandCPU, deadbandMem float64) types.Action {
	cpuMaterial := isMaterial(deltaReqCPU, deadbandPercent, deadbandCPU)
	memMaterial := isMaterial(deltaReqMem, deadbandPercent, deadbandMem)

	rose := (cpuMaterial && deltaReqCPU.Absolute > 0) || (memMaterial && deltaReqMem.Absolute > 0)
	if rose {
		return types.ActionUpsize
	}
	fell := (cpuMaterial && deltaReqCPU.Absolute < 0) || (memMaterial && deltaReqMem.Absolute < 0)
	if fell {
		return types.ActionDownsize
	}
	return types.ActionNoChange
}

// SortRecommendations orders recommendations per spec §4.4: upsizes
// first, then descending restart count, then descending max |Δ%| across
// the four dimensions.
func SortRecommendations(recs []types.Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if (a.Action == types.ActionUpsize) != (b.Action == types.ActionUpsize) {
			return a.Action == types.ActionUpsize
		}
		if a.Restarts != b.Restarts {
			return a.Restarts > b.Restarts
		}
		return MaxAbsDeltaPercent(a) > MaxAbsDeltaPercent(b)
	})
}

// MaxAbsDeltaPercent is the largest absolute percent change across a
// recommendation's four dimensions. Exported for report's top-offenders
// ranking, which uses it as the primary sort key (see ImpactScore for the
// tie-break only).
func MaxAbsDeltaPercent(r types.Recommendation) float64 {
	m := math.Abs(r.DeltaReqCPU.Percent)
	if v := math.Abs(r.DeltaReqMem.Percent); v > m {
		m = v
	}
	if v := math.Abs(r.DeltaLimCPU.Percent); v > m {
		m = v
	}
	if v := math.Abs(r.DeltaLimMem.Percent); v > m {
		m = v
	}
	return m
}
