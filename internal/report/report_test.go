package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/khzaw/rangoonpulse/internal/config"
	"github.com/khzaw/rangoonpulse/internal/recommend"
	"github.com/khzaw/rangoonpulse/pkg/types"
)

func sampleOutcomes() []recommend.Outcome {
	rec := types.Recommendation{
		Target: types.ContainerTarget{
			Namespace: "default", WorkloadName: "api", ContainerName: "web",
			CurrentReq: types.Resources{CPUMilli: 100, MemMi: 256},
		},
		TargetReq: types.Resources{CPUMilli: 125, MemMi: 320},
		Action:    types.ActionUpsize,
	}
	return []recommend.Outcome{
		{
			Target:           rec.Target,
			Recommendation:   &rec,
			CurrentTotal:     types.Resources{CPUMilli: 100, MemMi: 256},
			RecommendedTotal: types.Resources{CPUMilli: 125, MemMi: 320},
		},
		{
			Target:           types.ContainerTarget{Namespace: "default", WorkloadName: "cache", ContainerName: "redis"},
			SkippedNoData:    true,
			CurrentTotal:     types.Resources{CPUMilli: 50, MemMi: 64},
			RecommendedTotal: types.Resources{CPUMilli: 50, MemMi: 64},
		},
	}
}

func TestAssemble_AggregatesTotalsAndSummary(t *testing.T) {
	cfg := config.Load()
	r := Assemble(cfg, sampleOutcomes(), 1000, 2048, 20)

	if r.Summary.ContainersAnalyzed != 2 {
		t.Errorf("ContainersAnalyzed = %d, want 2", r.Summary.ContainersAnalyzed)
	}
	if r.Summary.RecommendationCount != 1 || r.Summary.UpsizeCount != 1 {
		t.Errorf("summary = %+v", r.Summary)
	}
	if r.Budget.CurrentReqCPUM != 150 {
		t.Errorf("CurrentReqCPUM = %v, want 150", r.Budget.CurrentReqCPUM)
	}
	if r.Budget.RecommendedReqCPUM != 175 {
		t.Errorf("RecommendedReqCPUM = %v, want 175", r.Budget.RecommendedReqCPUM)
	}
	if r.Budget.CurrentPercentCPU == nil || *r.Budget.CurrentPercentCPU != 15 {
		t.Errorf("CurrentPercentCPU = %v, want 15", r.Budget.CurrentPercentCPU)
	}
}

func TestAssemble_NilPercentWhenAllocatableZero(t *testing.T) {
	cfg := config.Load()
	r := Assemble(cfg, sampleOutcomes(), 0, 0, 20)
	if r.Budget.CurrentPercentCPU != nil || r.Budget.CurrentPercentMem != nil {
		t.Errorf("expected nil percents when allocatable is 0")
	}
}

func TestRenderMarkdown_IncludesDataMaturityCautionBelow14Days(t *testing.T) {
	cfg := config.Load()
	r := Assemble(cfg, sampleOutcomes(), 1000, 2048, 7)
	md := RenderMarkdown(r)
	if !strings.Contains(md, "data maturity") && !strings.Contains(md, "Data maturity") {
		t.Errorf("expected data maturity caution in markdown:\n%s", md)
	}
}

func TestRenderMarkdown_OmitsCautionAtOrAbove14Days(t *testing.T) {
	cfg := config.Load()
	r := Assemble(cfg, sampleOutcomes(), 1000, 2048, 14)
	md := RenderMarkdown(r)
	if strings.Contains(md, "caution") {
		t.Errorf("did not expect caution at coverage=14:\n%s", md)
	}
}

func TestRenderMarkdown_IncludesRecommendationsTable(t *testing.T) {
	cfg := config.Load()
	r := Assemble(cfg, sampleOutcomes(), 1000, 2048, 20)
	md := RenderMarkdown(r)
	if !strings.Contains(md, "125m") || !strings.Contains(md, "upsize") {
		t.Errorf("expected recommendation row in markdown:\n%s", md)
	}
}

func TestTopOffenders_RanksByMagnitudeThenImpactScoreTieBreak(t *testing.T) {
	// a and b tie on max |delta%| (40%); ImpactScore must break the tie.
	a := types.Recommendation{
		Target:      types.ContainerTarget{WorkloadName: "a"},
		DeltaReqCPU: types.Delta{Percent: 40},
		ImpactScore: 5,
	}
	b := types.Recommendation{
		Target:      types.ContainerTarget{WorkloadName: "b"},
		DeltaReqCPU: types.Delta{Percent: 40},
		ImpactScore: 9,
	}
	c := types.Recommendation{
		Target:      types.ContainerTarget{WorkloadName: "c"},
		DeltaReqMem: types.Delta{Percent: 80},
		ImpactScore: 1,
	}

	offenders := topOffenders([]types.Recommendation{a, b, c})
	if len(offenders) != 3 {
		t.Fatalf("expected 3 offenders, got %d", len(offenders))
	}
	if offenders[0].Target.WorkloadName != "c" {
		t.Errorf("expected c first (80%% magnitude beats 40%%), got %+v", offenders[0].Target)
	}
	if offenders[1].Target.WorkloadName != "b" || offenders[2].Target.WorkloadName != "a" {
		t.Errorf("expected b before a on the magnitude tie (impact 9 > 5), got order %s, %s",
			offenders[1].Target.WorkloadName, offenders[2].Target.WorkloadName)
	}
}

func TestTopOffenders_CapsAtLimit(t *testing.T) {
	recs := make([]types.Recommendation, topOffendersLimit+5)
	for i := range recs {
		recs[i] = types.Recommendation{DeltaReqCPU: types.Delta{Percent: float64(i)}}
	}
	if got := topOffenders(recs); len(got) != topOffendersLimit {
		t.Errorf("expected %d offenders, got %d", topOffendersLimit, len(got))
	}
}

func TestRenderMarkdown_IncludesTopOffendersSection(t *testing.T) {
	cfg := config.Load()
	r := Assemble(cfg, sampleOutcomes(), 1000, 2048, 20)
	md := RenderMarkdown(r)
	if !strings.Contains(md, "## Top Offenders") {
		t.Errorf("expected a Top Offenders section in markdown:\n%s", md)
	}
}

func TestRenderMarkdown_OmitsTopOffendersWhenNoRecommendations(t *testing.T) {
	cfg := config.Load()
	outcomes := []recommend.Outcome{{
		Target:           types.ContainerTarget{Namespace: "default", WorkloadName: "cache", ContainerName: "redis"},
		SkippedNoData:    true,
		CurrentTotal:     types.Resources{CPUMilli: 50, MemMi: 64},
		RecommendedTotal: types.Resources{CPUMilli: 50, MemMi: 64},
	}}
	r := Assemble(cfg, outcomes, 1000, 2048, 20)
	md := RenderMarkdown(r)
	if strings.Contains(md, "## Top Offenders") {
		t.Errorf("did not expect a Top Offenders section with zero recommendations:\n%s", md)
	}
}

func TestWriteLocalMirror_WritesBothFiles(t *testing.T) {
	cfg := config.Load()
	r := Assemble(cfg, sampleOutcomes(), 1000, 2048, 20)
	md := RenderMarkdown(r)

	dir := t.TempDir()
	outputDir := filepath.Join(dir, "resource-advisor")
	if err := WriteLocalMirror(outputDir, r, md); err != nil {
		t.Fatalf("WriteLocalMirror: %v", err)
	}

	jsonBytes, err := os.ReadFile(filepath.Join(outputDir, "latest.json"))
	if err != nil {
		t.Fatalf("read latest.json: %v", err)
	}
	var roundTrip types.Report
	if err := json.Unmarshal(jsonBytes, &roundTrip); err != nil {
		t.Fatalf("unmarshal latest.json: %v", err)
	}
	if roundTrip.Summary.RecommendationCount != r.Summary.RecommendationCount {
		t.Errorf("round-tripped summary mismatch: %+v", roundTrip.Summary)
	}

	mdBytes, err := os.ReadFile(filepath.Join(outputDir, "latest.md"))
	if err != nil {
		t.Fatalf("read latest.md: %v", err)
	}
	if string(mdBytes) != md {
		t.Errorf("latest.md mismatch")
	}
}
