package blob

import (
	"context"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestPublishLatest_CreatesWhenAbsent(t *testing.T) {
	cs := fake.NewSimpleClientset()
	s := NewForClientset(cs, "monitoring", "resource-advisor-latest")

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.PublishLatest(context.Background(), `{"a":1}`, "# report", "report", now); err != nil {
		t.Fatalf("PublishLatest: %v", err)
	}

	cm, err := cs.CoreV1().ConfigMaps("monitoring").Get(context.Background(), "resource-advisor-latest", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cm.Data["latest.json"] != `{"a":1}` || cm.Data["mode"] != "report" {
		t.Errorf("unexpected configmap data: %+v", cm.Data)
	}
}

func TestPublishLatest_SkipsWriteWhenUnchanged(t *testing.T) {
	cs := fake.NewSimpleClientset()
	s := NewForClientset(cs, "monitoring", "resource-advisor-latest")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.PublishLatest(context.Background(), `{"a":1}`, "# report", "report", now); err != nil {
		t.Fatalf("first PublishLatest: %v", err)
	}
	first, _ := cs.CoreV1().ConfigMaps("monitoring").Get(context.Background(), "resource-advisor-latest", metav1.GetOptions{})

	if err := s.PublishLatest(context.Background(), `{"a":1}`, "# report", "report", now); err != nil {
		t.Fatalf("second PublishLatest: %v", err)
	}
	second, _ := cs.CoreV1().ConfigMaps("monitoring").Get(context.Background(), "resource-advisor-latest", metav1.GetOptions{})

	if first.ResourceVersion != second.ResourceVersion {
		t.Errorf("identical republish changed ResourceVersion: %s -> %s", first.ResourceVersion, second.ResourceVersion)
	}
}

func TestFetchLatest_RoundTrips(t *testing.T) {
	cs := fake.NewSimpleClientset()
	s := NewForClientset(cs, "monitoring", "resource-advisor-latest")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.PublishLatest(context.Background(), `{"a":1}`, "# report", "apply-pr", now); err != nil {
		t.Fatalf("PublishLatest: %v", err)
	}

	latestJSON, latestMD, mode, lastRunAt, err := s.FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if latestJSON != `{"a":1}` || latestMD != "# report" || mode != "apply-pr" {
		t.Errorf("unexpected fetch result: json=%q md=%q mode=%q", latestJSON, latestMD, mode)
	}
	if !lastRunAt.Equal(now) {
		t.Errorf("lastRunAt = %v, want %v", lastRunAt, now)
	}
}

func TestFetchLatest_ErrorsWhenAbsent(t *testing.T) {
	cs := fake.NewSimpleClientset()
	s := NewForClientset(cs, "monitoring", "resource-advisor-latest")
	if _, _, _, _, err := s.FetchLatest(context.Background()); err == nil {
		t.Error("expected an error fetching a never-published blob")
	}
}
