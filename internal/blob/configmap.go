// Package blob implements the advisor's published-blob store (the
// "Artifact publisher" external collaborator named in spec.md §1): a
// Kubernetes ConfigMap holding the latest report JSON/markdown, read by
// the exporter (C9) and written at the end of every advisor run.
//
// Client construction and context-timeout conventions follow
// internal/inventory.Gateway (this module's own C3), since both talk to
// the same cluster API.
package blob

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	keyLatestJSON = "latest.json"
	keyLatestMD   = "latest.md"
	keyLastRunAt  = "lastRunAt"
	keyMode       = "mode"
)

// Store reads and writes the published report blob.
type Store struct {
	Clientset kubernetes.Interface
	Namespace string
	Name      string
}

// NewForClientset wraps an existing clientset (used in tests with the
// client-go fake clientset, and by cmd/ entrypoints that already built
// one for internal/inventory).
func NewForClientset(cs kubernetes.Interface, namespace, name string) *Store {
	return &Store{Clientset: cs, Namespace: namespace, Name: name}
}

// PublishLatest writes the report blob idempotently: if a ConfigMap
// already exists with identical data, no write is made.
func (s *Store) PublishLatest(ctx context.Context, latestJSON, latestMD, mode string, lastRunAt time.Time) error {
	data := map[string]string{
		keyLatestJSON: latestJSON,
		keyLatestMD:   latestMD,
		keyMode:       mode,
		keyLastRunAt:  lastRunAt.UTC().Format(time.RFC3339),
	}

	cmClient := s.Clientset.CoreV1().ConfigMaps(s.Namespace)
	existing, err := cmClient.Get(ctx, s.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, createErr := cmClient.Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: s.Name, Namespace: s.Namespace},
			Data:       data,
		}, metav1.CreateOptions{})
		if createErr != nil {
			return fmt.Errorf("blob: create configmap %s/%s: %w", s.Namespace, s.Name, createErr)
		}
		klog.V(2).InfoS("Created published report blob", "namespace", s.Namespace, "name", s.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("blob: get configmap %s/%s: %w", s.Namespace, s.Name, err)
	}

	if dataEqual(existing.Data, data) {
		klog.V(3).InfoS("Published report blob unchanged, skipping write", "namespace", s.Namespace, "name", s.Name)
		return nil
	}

	existing.Data = data
	if _, err := cmClient.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("blob: update configmap %s/%s: %w", s.Namespace, s.Name, err)
	}
	klog.V(2).InfoS("Updated published report blob", "namespace", s.Namespace, "name", s.Name)
	return nil
}

// FetchLatest implements exporter.BlobFetcher: it reads the ConfigMap
// back into the shape the exporter's refresher expects.
func (s *Store) FetchLatest(ctx context.Context) (latestJSON, latestMD, mode string, lastRunAt time.Time, err error) {
	cm, getErr := s.Clientset.CoreV1().ConfigMaps(s.Namespace).Get(ctx, s.Name, metav1.GetOptions{})
	if getErr != nil {
		return "", "", "", time.Time{}, fmt.Errorf("blob: get configmap %s/%s: %w", s.Namespace, s.Name, getErr)
	}

	ts, _ := time.Parse(time.RFC3339, cm.Data[keyLastRunAt])
	return cm.Data[keyLatestJSON], cm.Data[keyLatestMD], cm.Data[keyMode], ts, nil
}

func dataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
