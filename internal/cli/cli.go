// Package cli holds the two run functions shared by the root dispatcher
// (main.go) and the per-binary entrypoints under cmd/: RunAdvisor for
// one advisor pass, RunExporter for the long-running HTTP surface.
// Keeping the orchestration here, rather than duplicated across cmd/
// packages, is the only way a single main.go can dispatch to either
// without shelling out to a separate process.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/blob"
	"github.com/khzaw/rangoonpulse/internal/config"
	"github.com/khzaw/rangoonpulse/internal/exporter"
	"github.com/khzaw/rangoonpulse/internal/inventory"
	"github.com/khzaw/rangoonpulse/internal/plan"
	"github.com/khzaw/rangoonpulse/internal/publish"
	"github.com/khzaw/rangoonpulse/internal/recommend"
	"github.com/khzaw/rangoonpulse/internal/report"
	"github.com/khzaw/rangoonpulse/internal/telemetry"
	"github.com/khzaw/rangoonpulse/pkg/types"
)

// RunAdvisor performs one advisor pass: gather inventory and telemetry,
// compute recommendations, assemble and publish the report, and, in
// apply-pr mode, build an apply plan and push it as a pull request.
func RunAdvisor() error {
	cfg := config.Load()

	inv, err := inventory.New()
	if err != nil {
		return fmt.Errorf("create kubernetes client: %w", err)
	}

	invCtx, invCancel := inventory.WithTimeout(context.Background())
	defer invCancel()

	targets, err := inv.ListContainerTargets(invCtx, cfg.TargetNamespaces)
	if err != nil {
		return fmt.Errorf("list container targets: %w", err)
	}
	nodes, err := inv.ListNodes(invCtx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	pods, err := inv.LivePods(invCtx)
	if err != nil {
		return fmt.Errorf("list live pods: %w", err)
	}

	footprints := inventory.NodeFootprints(pods)
	placement := inventory.BuildPlacementIndex(pods)
	podStartTimes := inventory.OldestPodStartTime(pods)

	gw := telemetry.New(cfg.PrometheusURL)

	telCtx, telCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer telCancel()
	coverageDays := gw.CoverageDays(telCtx)

	rec := recommend.New(gw, cfg)
	outcomes := rec.Run(telCtx, targets, podStartTimes)

	allocatableCPUM, allocatableMemMi := 0.0, 0.0
	for _, n := range nodes {
		allocatableCPUM += n.AllocatableCPUM
		allocatableMemMi += n.AllocatableMemMi
	}

	rpt := report.Assemble(cfg, outcomes, allocatableCPUM, allocatableMemMi, coverageDays)
	markdown := report.RenderMarkdown(rpt)

	if err := report.WriteLocalMirror(cfg.OutputDir, rpt, markdown); err != nil {
		klog.ErrorS(err, "Failed to write local report mirror")
	}

	reportJSON, err := json.Marshal(rpt)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	store := blob.NewForClientset(inv.Clientset, cfg.ConfigMapNamespace, cfg.ConfigMapName)
	blobCtx, blobCancel := inventory.WithTimeout(context.Background())
	defer blobCancel()
	if err := store.PublishLatest(blobCtx, string(reportJSON), markdown, string(cfg.Mode), time.Now()); err != nil {
		klog.ErrorS(err, "Failed to publish report blob")
	}

	if cfg.Mode != config.ModeApplyPR {
		klog.InfoS("Advisor run complete", "mode", cfg.Mode, "recommendations", rpt.Summary.RecommendationCount)
		return nil
	}

	var recs []types.Recommendation
	for _, o := range outcomes {
		if o.Recommendation != nil {
			recs = append(recs, *o.Recommendation)
		}
	}

	planResult := plan.Build(cfg, plan.Input{
		Recommendations: recs,
		Nodes:           nodes,
		Placement:       placement,
		NodeFootprints:  footprints,
		CoverageDays:    coverageDays,
	})

	pubCtx, pubCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer pubCancel()
	if err := publish.Run(pubCtx, cfg, planResult); err != nil {
		return fmt.Errorf("publish apply-pr changes: %w", err)
	}

	klog.InfoS("Advisor run complete", "mode", cfg.Mode, "selected", len(planResult.Selected), "skipped", len(planResult.Skipped))
	return nil
}

// RunExporter starts the long-running HTTP exporter and blocks until its
// server exits.
func RunExporter() error {
	cfg := config.Load()

	inv, err := inventory.New()
	if err != nil {
		return fmt.Errorf("create kubernetes client: %w", err)
	}

	store := blob.NewForClientset(inv.Clientset, cfg.ConfigMapNamespace, cfg.ConfigMapName)
	exp := exporter.New(store, cfg.RefreshInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exp.Run(ctx)

	klog.InfoS("Starting exporter", "listenAddr", cfg.ListenAddr, "refreshInterval", cfg.RefreshInterval)
	if err := http.ListenAndServe(cfg.ListenAddr, exp.Handler()); err != nil {
		return fmt.Errorf("exporter http server: %w", err)
	}
	return nil
}
