package inventory

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	resourcepkg "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/khzaw/rangoonpulse/pkg/types"
)

func int32Ptr(v int32) *int32 { return &v }

func TestListContainerTargets_DeploymentAndStatefulSet(t *testing.T) {
	cs := fake.NewSimpleClientset(
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default", Labels: map[string]string{types.ReleaseLabelKey: "api-release"}},
			Spec: appsv1.DeploymentSpec{
				Replicas: int32Ptr(3),
				Template: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{
							{
								Name: "web",
								Resources: corev1.ResourceRequirements{
									Requests: corev1.ResourceList{
										corev1.ResourceCPU:    resourcepkg.MustParse("100m"),
										corev1.ResourceMemory: resourcepkg.MustParse("256Mi"),
									},
								},
							},
						},
					},
				},
			},
		},
		&appsv1.StatefulSet{
			ObjectMeta: metav1.ObjectMeta{Name: "redis", Namespace: "default"},
			Spec: appsv1.StatefulSetSpec{
				Replicas: int32Ptr(1),
				Template: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{{Name: "redis"}},
					},
				},
			},
		},
	)

	g := NewForClientset(cs)
	targets, err := g.ListContainerTargets(context.Background(), []string{"default"})
	if err != nil {
		t.Fatalf("ListContainerTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}

	byName := map[string]types.ContainerTarget{}
	for _, tgt := range targets {
		byName[tgt.WorkloadName] = tgt
	}

	api := byName["api"]
	if api.Release != "api-release" {
		t.Errorf("expected release label, got %q", api.Release)
	}
	if api.Replicas != 3 {
		t.Errorf("expected replicas=3, got %d", api.Replicas)
	}
	if api.CurrentReq.CPUMilli != 100 {
		t.Errorf("expected CPU req 100m, got %v", api.CurrentReq.CPUMilli)
	}
	if api.CurrentReq.MemMi != 256 {
		t.Errorf("expected mem req 256Mi, got %v", api.CurrentReq.MemMi)
	}

	redis := byName["redis"]
	if redis.Kind != types.KindStatefulSet {
		t.Errorf("expected statefulset kind")
	}
	if redis.Release != "redis" {
		t.Errorf("expected release falls back to workload name, got %q", redis.Release)
	}
}

func TestEffectiveRequest_PrefersMaxOfSumAndInitContainers(t *testing.T) {
	pod := &corev1.Pod{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					corev1.ResourceCPU: resourcepkg.MustParse("100m"),
				}}},
				{Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					corev1.ResourceCPU: resourcepkg.MustParse("50m"),
				}}},
			},
			InitContainers: []corev1.Container{
				{Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					corev1.ResourceCPU: resourcepkg.MustParse("200m"),
				}}},
			},
		},
	}
	eff := EffectiveRequest(pod)
	if eff.CPUMilli != 200 {
		t.Errorf("expected effective CPU = max(150, 200) = 200, got %v", eff.CPUMilli)
	}
}

func TestNodeFootprints_SkipsTerminalAndUnscheduled(t *testing.T) {
	pods := []corev1.Pod{
		{
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
			Spec: corev1.PodSpec{
				NodeName: "node-a",
				Containers: []corev1.Container{
					{Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
						corev1.ResourceCPU: resourcepkg.MustParse("100m"),
					}}},
				},
			},
		},
		{
			Status: corev1.PodStatus{Phase: corev1.PodSucceeded},
			Spec: corev1.PodSpec{
				NodeName: "node-a",
				Containers: []corev1.Container{
					{Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
						corev1.ResourceCPU: resourcepkg.MustParse("999m"),
					}}},
				},
			},
		},
		{
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
			Spec:   corev1.PodSpec{NodeName: ""},
		},
	}

	footprints := NodeFootprints(pods)
	if len(footprints) != 1 {
		t.Fatalf("expected 1 node footprint, got %d", len(footprints))
	}
	if footprints["node-a"].CPUM != 100 {
		t.Errorf("expected node-a footprint CPU=100, got %v", footprints["node-a"].CPUM)
	}
}

func TestBuildPlacementIndex_RequiresReleaseLabel(t *testing.T) {
	pods := []corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{types.ReleaseLabelKey: "api-release"}},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
			Spec: corev1.PodSpec{
				NodeName:   "node-a",
				Containers: []corev1.Container{{Name: "web"}},
			},
		},
		{
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
			Spec: corev1.PodSpec{
				NodeName:   "node-a",
				Containers: []corev1.Container{{Name: "web"}},
			},
		},
	}

	idx := BuildPlacementIndex(pods)
	if idx["api-release/web"]["node-a"] != 1 {
		t.Errorf("expected 1 placed pod for api-release/web on node-a, got %d", idx["api-release/web"]["node-a"])
	}
	if len(idx) != 1 {
		t.Errorf("expected unlabeled pod to be excluded, index has %d keys", len(idx))
	}
}

func TestOldestPodStartTime_PicksEarliestAndSkipsTerminal(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	pods := []corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{types.ReleaseLabelKey: "api"}},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning, StartTime: &metav1.Time{Time: newer}},
			Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "web"}}},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{types.ReleaseLabelKey: "api"}},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning, StartTime: &metav1.Time{Time: older}},
			Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "web"}}},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{types.ReleaseLabelKey: "api"}},
			Status:     corev1.PodStatus{Phase: corev1.PodSucceeded, StartTime: &metav1.Time{Time: older.Add(-24 * time.Hour)}},
			Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "web"}}},
		},
	}

	oldest := OldestPodStartTime(pods)
	got, ok := oldest["api/web"]
	if !ok {
		t.Fatalf("expected an entry for api/web")
	}
	if !got.Equal(older) {
		t.Errorf("oldest start time = %v, want %v (terminal pod's earlier start must not count)", got, older)
	}
}

func TestOldestPodStartTime_RequiresReleaseLabel(t *testing.T) {
	pods := []corev1.Pod{
		{
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
			Spec:   corev1.PodSpec{Containers: []corev1.Container{{Name: "web"}}},
		},
	}
	if oldest := OldestPodStartTime(pods); len(oldest) != 0 {
		t.Errorf("expected no entries for unlabeled pods, got %+v", oldest)
	}
}
