// Package types holds the data-model records shared across the resource
// advisor's components: the workload inventory snapshot, usage samples,
// recommendations, cluster/node footprints, and the report and plan records
// that cross the process boundary.
package types

import "time"

// WorkloadKind distinguishes the two workload shapes the advisor tunes.
// They differ only in how pod names relate to the workload name, captured
// by PodRegex.
type WorkloadKind string

const (
	KindDeployment  WorkloadKind = "deployment"
	KindStatefulSet WorkloadKind = "statefulset"
)

// ReleaseLabelKey is the label the advisor uses to join recommendations to
// the static manifest mapping.
const ReleaseLabelKey = "app.kubernetes.io/instance"

// Resources is a CPU/memory pair expressed in the advisor's canonical units:
// millicores for CPU, mebibytes for memory.
type Resources struct {
	CPUMilli float64
	MemMi    float64
}

// ContainerTarget identifies one container of one workload template and its
// currently-declared resources.
type ContainerTarget struct {
	Namespace     string
	Kind          WorkloadKind
	WorkloadName  string
	Release       string // app.kubernetes.io/instance, falling back to WorkloadName
	ContainerName string
	Replicas      int32
	CurrentReq    Resources
	CurrentLim    Resources
}

// Key returns the (release, container) join key used by placement and plan
// lookups.
func (c ContainerTarget) Key() string {
	return c.Release + "/" + c.ContainerName
}

// UsageSample holds the scalar telemetry gathered for one ContainerTarget
// over the configured window. Any field may be absent (nil).
type UsageSample struct {
	CPUP95Milli     *float64
	MemP95Mi        *float64
	RestartsInWindow *float64
}

// Action is the direction of a recommended change.
type Action string

const (
	ActionUpsize   Action = "upsize"
	ActionDownsize Action = "downsize"
	ActionNoChange Action = "no-change"
)

// Note annotates a recommendation with the guardrail that shaped it.
type Note string

const (
	NoteRestartGuard      Note = "restart_guard"
	NoteDownscaleExcluded Note = "downscale_excluded"
)

// Delta captures the percent and absolute change of one dimension.
type Delta struct {
	Percent  float64
	Absolute float64
}

// Recommendation is the C4 output for one container.
type Recommendation struct {
	Target        ContainerTarget
	TargetReq     Resources
	TargetLim     Resources
	Action        Action
	Notes         []Note
	DeltaReqCPU   Delta
	DeltaReqMem   Delta
	DeltaLimCPU   Delta
	DeltaLimMem   Delta
	Restarts      float64
	ImpactScore   float64 // tie-break only in report's top-offenders table; see SPEC_FULL §3.6
}

// HasNote reports whether the recommendation carries the given note.
func (r Recommendation) HasNote(n Note) bool {
	for _, note := range r.Notes {
		if note == n {
			return true
		}
	}
	return false
}

// Node describes one cluster node's allocatable capacity.
type Node struct {
	Name              string
	AllocatableCPUM   float64
	AllocatableMemMi  float64
}

// NodeRequestFootprint is the sum of effective requests for live pods
// scheduled on one node.
type NodeRequestFootprint struct {
	Node  string
	CPUM  float64
	MemMi float64
}

// PlacementIndex maps (release, container) -> node -> pod count, over
// scheduled live pods whose release label is non-empty.
type PlacementIndex map[string]map[string]int

// PlanItemReason is the selection or skip reason attached to a PlanItem.
type PlanItemReason string

const (
	ReasonUpsizeWithinBudget       PlanItemReason = "upsize_within_budget_and_node_fit"
	ReasonTradeoffDownsizePrefix   PlanItemReason = "tradeoff_downsize_to_enable_"
	ReasonUpsizeEnabledByTradeoff  PlanItemReason = "upsize_enabled_by_tradeoff_downsizes"
	ReasonDownsizeWithMatureData   PlanItemReason = "downsize_with_mature_data"
	ReasonBudgetOrNodeFitBlock     PlanItemReason = "budget_or_node_fit_block"
	ReasonNotAllowlisted           PlanItemReason = "not_allowlisted"
	ReasonPathNotMapped            PlanItemReason = "path_not_mapped"
	ReasonInsufficientDataUpsize   PlanItemReason = "insufficient_data_for_upsize"
	ReasonInsufficientDataDownsize PlanItemReason = "insufficient_data_for_downsize"
	ReasonRestartGuardBlocksDown   PlanItemReason = "restart_guard_blocks_downsize"
	ReasonDownscaleExcluded        PlanItemReason = "downscale_excluded"
	ReasonMaxChangesReached        PlanItemReason = "max_changes_reached"
	ReasonTinyDelta                PlanItemReason = "delta_below_threshold"
)

// PlanItem is a Recommendation annotated with the bookkeeping the apply
// planner needs to select or skip it.
type PlanItem struct {
	Recommendation Recommendation
	Path           string
	Replicas       int
	Placement      map[string]int // node -> pod count for this (release, container)
	DeltaCPUTotal  float64        // per-replica delta * replicas, millicores
	DeltaMemTotal  float64        // per-replica delta * replicas, mebibytes
	Reason         PlanItemReason
	Suggestions    []PlanItem // for blocked upsizes: top tradeoff downsize candidates
	Over           Overshoot  // for blocked upsizes: the overshoot that blocked it
}

// Overshoot quantifies how far a tentative projection exceeds its budgets.
type Overshoot struct {
	ClusterCPU float64
	ClusterMem float64
	Nodes      map[string]NodeOvershoot
}

// NodeOvershoot is the per-resource overshoot on one node.
type NodeOvershoot struct {
	CPU float64
	Mem float64
}

// BudgetSnapshot is the cluster-level request budget view embedded in Report.
type BudgetSnapshot struct {
	AllocatableCPUM          float64
	AllocatableMemMi         float64
	CurrentReqCPUM           float64
	CurrentReqMemMi          float64
	RecommendedReqCPUM       float64
	RecommendedReqMemMi      float64
	CurrentPercentCPU        *float64
	CurrentPercentMem        *float64
	RecommendedPercentCPU    *float64
	RecommendedPercentMem    *float64
}

// ReportSummary carries the aggregate counts the markdown and PR body quote.
type ReportSummary struct {
	ContainersAnalyzed int
	RecommendationCount int
	UpsizeCount        int
	DownsizeCount      int
}

// Report is the C5 output: what gets published and what a PR is opened from.
type Report struct {
	GeneratedAt        time.Time
	Mode               string
	Policy             PolicySnapshot
	Recommendations    []Recommendation
	Budget             BudgetSnapshot
	Summary            ReportSummary
	MetricsWindow      string
	CoverageDaysEstimate float64
}

// PolicySnapshot is a read-only echo of the policy knobs a report was
// generated under, for audit purposes.
type PolicySnapshot struct {
	TargetNamespaces      []string
	DownscaleExclude      []string
	MaxStepPercent        float64
	RequestBufferPercent  float64
	LimitBufferPercent    float64
	MinCPUM               float64
	MinMemMi              float64
	DeadbandPercent       float64
	DeadbandCPUM          float64
	DeadbandMemMi         float64
	MetricsWindow         string
	MetricsResolution     string
}

// NodeView is the per-node projection the Plan reports.
type NodeView struct {
	Node          string
	BudgetCPUM    float64
	BudgetMemMi   float64
	CurrentCPUM   float64
	CurrentMemMi  float64
	ProjectedCPUM float64
	ProjectedMemMi float64
}

// SkipReasonCount summarizes how many PlanItems were skipped for each reason.
type SkipReasonCount struct {
	Reason PlanItemReason
	Count  int
}

// Plan is the C6 output.
type Plan struct {
	GeneratedAt               time.Time
	ClusterBudgetCPUM         float64
	ClusterBudgetMemMi        float64
	CurrentClusterCPUM        float64
	CurrentClusterMemMi       float64
	ProjectedClusterCPUM      float64
	ProjectedClusterMemMi     float64
	Nodes                     []NodeView
	Selected                  []PlanItem
	Skipped                   []PlanItem
	SkipReasonHistogram       []SkipReasonCount
}
