// Package inventory implements the advisor's inventory gateway (C3): it
// lists workloads, nodes and pods from the cluster API and derives
// effective pod requests and the placement index the apply planner needs.
//
// The client construction (KUBECONFIG -> ~/.kube/config -> in-cluster
// fallback) and context-with-timeout idiom are grounded on the teacher's
// pkg/podtool/app.go App/NewApp/buildConfig/WithTimeout. The
// effective-request computation (container requests summed, compared
// against the max over init container requests; limits are not read) is
// grounded on the other_examples kubenow internal/analyzer
// NodeFootprintAnalyzer's getWorkloadEnvelope, generalized here to also
// consider init containers and to distinguish requests from limits rather
// than conflating them.
package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/pkg/types"
)

// Gateway lists workloads, nodes and pods and derives footprint/placement
// views used by the recommender and the apply planner.
type Gateway struct {
	Clientset kubernetes.Interface
}

// New builds a Gateway using kubeconfig (or in-cluster config).
func New() (*Gateway, error) {
	cfg, err := buildConfig()
	if err != nil {
		return nil, fmt.Errorf("build kube config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return &Gateway{Clientset: cs}, nil
}

// NewForClientset wraps an existing clientset (used in tests with the
// client-go fake clientset).
func NewForClientset(cs kubernetes.Interface) *Gateway {
	return &Gateway{Clientset: cs}
}

// WithTimeout returns a context bounded at the spec's inventory call
// ceiling (30s).
func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}

func buildConfig() (*rest.Config, error) {
	var kubeconfigPath string
	if env := os.Getenv("KUBECONFIG"); env != "" {
		kubeconfigPath = env
	} else if home := homedir.HomeDir(); home != "" {
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}

	if kubeconfigPath != "" {
		if _, err := os.Stat(kubeconfigPath); err == nil {
			if cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath); err == nil {
				return cfg, nil
			}
		}
	}

	return rest.InClusterConfig()
}

// ListContainerTargets enumerates deployments and statefulsets across the
// given namespaces and flattens them into one ContainerTarget per
// container template.
func (g *Gateway) ListContainerTargets(ctx context.Context, namespaces []string) ([]types.ContainerTarget, error) {
	var targets []types.ContainerTarget

	for _, ns := range namespaces {
		deployments, err := g.Clientset.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("list deployments in %s: %w", ns, err)
		}
		for _, d := range deployments.Items {
			targets = append(targets, containerTargetsFromPodSpec(
				types.KindDeployment, ns, d.Name, releaseLabel(d.Labels, d.Name), replicasOf(d.Spec.Replicas), d.Spec.Template.Spec)...)
		}

		statefulSets, err := g.Clientset.AppsV1().StatefulSets(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("list statefulsets in %s: %w", ns, err)
		}
		for _, s := range statefulSets.Items {
			targets = append(targets, containerTargetsFromPodSpec(
				types.KindStatefulSet, ns, s.Name, releaseLabel(s.Labels, s.Name), replicasOf(s.Spec.Replicas), s.Spec.Template.Spec)...)
		}
	}

	klog.V(3).InfoS("Listed container targets", "count", len(targets), "namespaces", namespaces)
	return targets, nil
}

func replicasOf(r *int32) int32 {
	if r == nil || *r <= 0 {
		return 1
	}
	return *r
}

func releaseLabel(labels map[string]string, fallback string) string {
	if v, ok := labels[types.ReleaseLabelKey]; ok && v != "" {
		return v
	}
	return fallback
}

func containerTargetsFromPodSpec(kind types.WorkloadKind, namespace, workloadName, release string, replicas int32, spec corev1.PodSpec) []types.ContainerTarget {
	targets := make([]types.ContainerTarget, 0, len(spec.Containers))
	for _, c := range spec.Containers {
		targets = append(targets, types.ContainerTarget{
			Namespace:     namespace,
			Kind:          kind,
			WorkloadName:  workloadName,
			Release:       release,
			ContainerName: c.Name,
			Replicas:      replicas,
			CurrentReq: types.Resources{
				CPUMilli: resourceListCPUMilli(c.Resources.Requests),
				MemMi:    resourceListMemMi(c.Resources.Requests),
			},
			CurrentLim: types.Resources{
				CPUMilli: resourceListCPUMilli(c.Resources.Limits),
				MemMi:    resourceListMemMi(c.Resources.Limits),
			},
		})
	}
	return targets
}

func resourceListCPUMilli(rl corev1.ResourceList) float64 {
	if rl == nil {
		return 0
	}
	if q, ok := rl[corev1.ResourceCPU]; ok {
		return q.AsApproximateFloat64() * 1000
	}
	return 0
}

func resourceListMemMi(rl corev1.ResourceList) float64 {
	if rl == nil {
		return 0
	}
	if q, ok := rl[corev1.ResourceMemory]; ok {
		return q.AsApproximateFloat64() / (1024 * 1024)
	}
	return 0
}

// ListNodes returns the allocatable capacity of every node.
func (g *Gateway) ListNodes(ctx context.Context) ([]types.Node, error) {
	nodeList, err := g.Clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes := make([]types.Node, 0, len(nodeList.Items))
	for _, n := range nodeList.Items {
		nodes = append(nodes, types.Node{
			Name:             n.Name,
			AllocatableCPUM:  resourceListCPUMilli(n.Status.Allocatable),
			AllocatableMemMi: resourceListMemMi(n.Status.Allocatable),
		})
	}
	return nodes, nil
}

// LivePods returns every pod across all namespaces, for footprint and
// placement computation. Callers filter by phase/nodeName per their needs.
func (g *Gateway) LivePods(ctx context.Context) ([]corev1.Pod, error) {
	podList, err := g.Clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	return podList.Items, nil
}

func isTerminal(phase corev1.PodPhase) bool {
	return phase == corev1.PodSucceeded || phase == corev1.PodFailed
}

// EffectiveRequest computes a pod's effective request per spec §4.3:
// max(sum of container requests, max of initContainer requests), per
// resource.
func EffectiveRequest(pod *corev1.Pod) types.Resources {
	var sumCPU, sumMem float64
	for _, c := range pod.Spec.Containers {
		sumCPU += resourceListCPUMilli(c.Resources.Requests)
		sumMem += resourceListMemMi(c.Resources.Requests)
	}

	var maxInitCPU, maxInitMem float64
	for _, c := range pod.Spec.InitContainers {
		if v := resourceListCPUMilli(c.Resources.Requests); v > maxInitCPU {
			maxInitCPU = v
		}
		if v := resourceListMemMi(c.Resources.Requests); v > maxInitMem {
			maxInitMem = v
		}
	}

	return types.Resources{
		CPUMilli: maxFloat(sumCPU, maxInitCPU),
		MemMi:    maxFloat(sumMem, maxInitMem),
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// NodeFootprints sums effective requests of live, scheduled pods per node.
func NodeFootprints(pods []corev1.Pod) map[string]types.NodeRequestFootprint {
	footprints := make(map[string]types.NodeRequestFootprint)
	for i := range pods {
		pod := &pods[i]
		if isTerminal(pod.Status.Phase) || pod.Spec.NodeName == "" {
			continue
		}
		eff := EffectiveRequest(pod)
		fp := footprints[pod.Spec.NodeName]
		fp.Node = pod.Spec.NodeName
		fp.CPUM += eff.CPUMilli
		fp.MemMi += eff.MemMi
		footprints[pod.Spec.NodeName] = fp
	}
	return footprints
}

// OldestPodStartTime returns, for each (release, container) key (see
// types.ContainerTarget.Key), the earliest start time among its live,
// non-terminal pods. The recommender uses this for the MinPodAge
// guardrail (spec §3.5): a container with no entry here has no live pod
// at all, and is handled by the ordinary no-metrics path instead.
func OldestPodStartTime(pods []corev1.Pod) map[string]time.Time {
	oldest := make(map[string]time.Time)
	for i := range pods {
		pod := &pods[i]
		if isTerminal(pod.Status.Phase) {
			continue
		}
		release := pod.Labels[types.ReleaseLabelKey]
		if release == "" {
			continue
		}
		start := pod.CreationTimestamp.Time
		if pod.Status.StartTime != nil {
			start = pod.Status.StartTime.Time
		}
		for _, c := range pod.Spec.Containers {
			key := release + "/" + c.Name
			if existing, ok := oldest[key]; !ok || start.Before(existing) {
				oldest[key] = start
			}
		}
	}
	return oldest
}

// BuildPlacementIndex maps (release, container) -> node -> pod count, over
// scheduled live pods whose release label is non-empty, per spec §4.3.
func BuildPlacementIndex(pods []corev1.Pod) types.PlacementIndex {
	idx := make(types.PlacementIndex)
	for i := range pods {
		pod := &pods[i]
		if isTerminal(pod.Status.Phase) || pod.Spec.NodeName == "" {
			continue
		}
		release := pod.Labels[types.ReleaseLabelKey]
		if release == "" {
			continue
		}
		for _, c := range pod.Spec.Containers {
			key := release + "/" + c.Name
			if idx[key] == nil {
				idx[key] = make(map[string]int)
			}
			idx[key][pod.Spec.NodeName]++
		}
	}
	return idx
}
