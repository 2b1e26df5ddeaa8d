// Package report implements the resource advisor's report assembler
// (C5): it aggregates recommender outcomes into a Report record, renders
// a markdown summary, and mirrors both to a local output directory.
//
// The markdown rendering structure (a title, a generated-at/mode
// preamble, a "Cluster Budget Snapshot" section, then a recommendations
// table) is grounded on the original_source Python implementation's
// build_report, translated into the teacher's idiom: exported functions
// returning plain data plus a strings.Builder renderer, rather than the
// list-of-lines-then-join the Python uses.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/config"
	"github.com/khzaw/rangoonpulse/internal/quantity"
	"github.com/khzaw/rangoonpulse/internal/recommend"
	"github.com/khzaw/rangoonpulse/pkg/types"
)

// topOffendersLimit caps the "Top Offenders" table at the heaviest few
// containers rather than repeating the full recommendations table.
const topOffendersLimit = 10

// Assemble builds a Report from recommender outcomes, allocatable totals,
// and the coverage-days estimate.
func Assemble(cfg *config.Config, outcomes []recommend.Outcome, allocatableCPUM, allocatableMemMi, coverageDays float64) types.Report {
	var recs []types.Recommendation
	var currentTotalCPU, currentTotalMem, recommendedTotalCPU, recommendedTotalMem float64
	containersAnalyzed := len(outcomes)

	for _, o := range outcomes {
		currentTotalCPU += o.CurrentTotal.CPUMilli
		currentTotalMem += o.CurrentTotal.MemMi
		recommendedTotalCPU += o.RecommendedTotal.CPUMilli
		recommendedTotalMem += o.RecommendedTotal.MemMi
		if o.Recommendation != nil {
			recs = append(recs, *o.Recommendation)
		}
	}

	recommend.SortRecommendations(recs)

	summary := types.ReportSummary{
		ContainersAnalyzed:  containersAnalyzed,
		RecommendationCount: len(recs),
	}
	for _, r := range recs {
		switch r.Action {
		case types.ActionUpsize:
			summary.UpsizeCount++
		case types.ActionDownsize:
			summary.DownsizeCount++
		}
	}

	budget := types.BudgetSnapshot{
		AllocatableCPUM:     allocatableCPUM,
		AllocatableMemMi:    allocatableMemMi,
		CurrentReqCPUM:      currentTotalCPU,
		CurrentReqMemMi:     currentTotalMem,
		RecommendedReqCPUM:  recommendedTotalCPU,
		RecommendedReqMemMi: recommendedTotalMem,
	}
	if allocatableCPUM > 0 {
		budget.CurrentPercentCPU = percentOf(currentTotalCPU, allocatableCPUM)
		budget.RecommendedPercentCPU = percentOf(recommendedTotalCPU, allocatableCPUM)
	}
	if allocatableMemMi > 0 {
		budget.CurrentPercentMem = percentOf(currentTotalMem, allocatableMemMi)
		budget.RecommendedPercentMem = percentOf(recommendedTotalMem, allocatableMemMi)
	}

	return types.Report{
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		Mode:        string(cfg.Mode),
		Policy:      policySnapshot(cfg),
		Recommendations: recs,
		Budget:          budget,
		Summary:         summary,
		MetricsWindow:   cfg.MetricsWindow,
		CoverageDaysEstimate: coverageDays,
	}
}

func percentOf(part, whole float64) *float64 {
	v := round1(part / whole * 100)
	return &v
}

func policySnapshot(cfg *config.Config) types.PolicySnapshot {
	excl := make([]string, 0, len(cfg.DownscaleExclude))
	for r := range cfg.DownscaleExclude {
		excl = append(excl, r)
	}
	sort.Strings(excl)

	return types.PolicySnapshot{
		TargetNamespaces:     cfg.TargetNamespaces,
		DownscaleExclude:     excl,
		MaxStepPercent:       cfg.MaxStepPercent,
		RequestBufferPercent: cfg.RequestBufferPercent,
		LimitBufferPercent:   cfg.LimitBufferPercent,
		MinCPUM:              cfg.MinCPUM,
		MinMemMi:             cfg.MinMemMi,
		DeadbandPercent:      cfg.DeadbandPercent,
		DeadbandCPUM:         cfg.DeadbandCPUM,
		DeadbandMemMi:        cfg.DeadbandMemMi,
		MetricsWindow:        cfg.MetricsWindow,
		MetricsResolution:    cfg.MetricsResolution,
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+sign(v)*0.5)) / 10
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// RenderMarkdown renders a Report into the advisor's markdown summary.
func RenderMarkdown(r types.Report) string {
	var b strings.Builder

	fmt.Fprintln(&b, "# Resource Advisor Report")
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "- Generated at: `%s`\n", r.GeneratedAt.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "- Mode: `%s`\n", r.Mode)
	fmt.Fprintf(&b, "- Containers analyzed: **%d**\n", r.Summary.ContainersAnalyzed)
	fmt.Fprintf(&b, "- Recommendations: **%d** (%d upsize, %d downsize)\n", r.Summary.RecommendationCount, r.Summary.UpsizeCount, r.Summary.DownsizeCount)
	fmt.Fprintln(&b)

	if r.CoverageDaysEstimate < 14 {
		fmt.Fprintln(&b, "> **Data maturity caution**: telemetry coverage is below 14 days; recommendations may be based on an incomplete usage history.")
		fmt.Fprintln(&b)
	}

	fmt.Fprintln(&b, "## Cluster Budget Snapshot")
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "- Allocatable CPU: `%s`\n", quantity.FormatCPUMilli(r.Budget.AllocatableCPUM))
	fmt.Fprintf(&b, "- Allocatable Memory: `%s`\n", quantity.FormatMemMi(r.Budget.AllocatableMemMi))
	fmt.Fprintf(&b, "- Current requests CPU: `%s`%s\n", quantity.FormatCPUMilli(r.Budget.CurrentReqCPUM), percentSuffix(r.Budget.CurrentPercentCPU))
	fmt.Fprintf(&b, "- Current requests Memory: `%s`%s\n", quantity.FormatMemMi(r.Budget.CurrentReqMemMi), percentSuffix(r.Budget.CurrentPercentMem))
	fmt.Fprintf(&b, "- Recommended requests CPU: `%s`%s\n", quantity.FormatCPUMilli(r.Budget.RecommendedReqCPUM), percentSuffix(r.Budget.RecommendedPercentCPU))
	fmt.Fprintf(&b, "- Recommended requests Memory: `%s`%s\n", quantity.FormatMemMi(r.Budget.RecommendedReqMemMi), percentSuffix(r.Budget.RecommendedPercentMem))
	fmt.Fprintf(&b, "- Coverage days estimate: `%.1f`\n", r.CoverageDaysEstimate)
	fmt.Fprintln(&b)

	if len(r.Recommendations) > 0 {
		fmt.Fprintln(&b, "## Recommendations")
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "| Namespace | Workload | Container | CPU req | CPU rec | Mem req | Mem rec | Action | Notes |")
		fmt.Fprintln(&b, "|---|---|---|---:|---:|---:|---:|---|---|")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s | %s | %s |\n",
				rec.Target.Namespace,
				rec.Target.WorkloadName,
				rec.Target.ContainerName,
				quantity.FormatCPUMilli(rec.Target.CurrentReq.CPUMilli),
				quantity.FormatCPUMilli(rec.TargetReq.CPUMilli),
				quantity.FormatMemMi(rec.Target.CurrentReq.MemMi),
				quantity.FormatMemMi(rec.TargetReq.MemMi),
				rec.Action,
				notesString(rec.Notes),
			)
		}
		fmt.Fprintln(&b)
	}

	if offenders := topOffenders(r.Recommendations); len(offenders) > 0 {
		fmt.Fprintln(&b, "## Top Offenders")
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "The %d recommendations with the largest change, ties broken by impact score.\n", len(offenders))
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "| Namespace | Workload | Container | Max Δ% | Impact | Action |")
		fmt.Fprintln(&b, "|---|---|---|---:|---:|---|")
		for _, rec := range offenders {
			fmt.Fprintf(&b, "| %s | %s | %s | %.1f%% | %.1f | %s |\n",
				rec.Target.Namespace,
				rec.Target.WorkloadName,
				rec.Target.ContainerName,
				recommend.MaxAbsDeltaPercent(rec),
				rec.ImpactScore,
				rec.Action,
			)
		}
		fmt.Fprintln(&b)
	}

	return b.String()
}

// topOffenders ranks recommendations by the magnitude of their change
// (recommend.MaxAbsDeltaPercent, the same measure SortRecommendations uses
// for its own tertiary key) and returns the top topOffendersLimit. Per
// SPEC_FULL §3.6, ImpactScore never drives this ranking on its own - it
// only breaks ties between recommendations of equal magnitude, which
// MaxStepPercent clamping makes common in practice.
func topOffenders(recs []types.Recommendation) []types.Recommendation {
	if len(recs) == 0 {
		return nil
	}
	offenders := make([]types.Recommendation, len(recs))
	copy(offenders, recs)
	sort.SliceStable(offenders, func(i, j int) bool {
		a, b := offenders[i], offenders[j]
		magA, magB := recommend.MaxAbsDeltaPercent(a), recommend.MaxAbsDeltaPercent(b)
		if magA != magB {
			return magA > magB
		}
		return a.ImpactScore > b.ImpactScore
	})
	if len(offenders) > topOffendersLimit {
		offenders = offenders[:topOffendersLimit]
	}
	return offenders
}

func percentSuffix(p *float64) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf(" (%.1f%% of allocatable)", *p)
}

// WriteLocalMirror writes latest.json and latest.md to the configured
// OUTPUT_DIR, a local mirror of whatever gets published, kept regardless
// of MODE. Grounded on the original implementation's write_outputs,
// which performs this mirror unconditionally on every run.
func WriteLocalMirror(outputDir string, r types.Report, markdown string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", outputDir, err)
	}

	jsonBytes, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "latest.json"), append(jsonBytes, '\n'), 0o644); err != nil {
		return fmt.Errorf("write latest.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "latest.md"), []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write latest.md: %w", err)
	}

	klog.V(2).InfoS("Wrote local report mirror", "outputDir", outputDir)
	return nil
}

func notesString(notes []types.Note) string {
	if len(notes) == 0 {
		return "-"
	}
	strs := make([]string, len(notes))
	for i, n := range notes {
		strs[i] = string(n)
	}
	return strings.Join(strs, ", ")
}
