package manifest

import (
	"strings"
	"testing"
)

const fixture = `values:
  controllers:
    main:
      containers:
        web:
          image:
            repository: ghcr.io/example/web
            tag: latest
        sidecar:
          image:
            repository: ghcr.io/example/sidecar
`

func TestPatch_InsertsWhenAbsent(t *testing.T) {
	u := Update{ContainerName: "web", ReqCPUMilli: 100, ReqMemMi: 256, LimCPUMilli: 200, LimMemMi: 512}

	out, changed, reason := Patch(fixture, u)
	if !changed || reason != ReasonInserted {
		t.Fatalf("changed=%v reason=%v, want true/resources_inserted", changed, reason)
	}
	if !strings.Contains(out, `cpu: "100m"`) || !strings.Contains(out, `memory: "256Mi"`) {
		t.Errorf("output missing request values:\n%s", out)
	}
	if !strings.Contains(out, `cpu: "200m"`) || !strings.Contains(out, `memory: "512Mi"`) {
		t.Errorf("output missing limit values:\n%s", out)
	}
	if !strings.Contains(out, "sidecar:") {
		t.Errorf("output lost the sidecar container block:\n%s", out)
	}
}

func TestPatch_ReplacesExistingResourcesBlock(t *testing.T) {
	withResources := `values:
  controllers:
    main:
      containers:
        web:
          resources:
            requests:
              cpu: "50m"
              memory: "128Mi"
            limits:
              cpu: "100m"
              memory: "256Mi"
          image:
            repository: ghcr.io/example/web
`
	u := Update{ContainerName: "web", ReqCPUMilli: 100, ReqMemMi: 256, LimCPUMilli: 200, LimMemMi: 512}

	out, changed, reason := Patch(withResources, u)
	if !changed || reason != ReasonReplaced {
		t.Fatalf("changed=%v reason=%v, want true/resources_replaced", changed, reason)
	}
	if strings.Contains(out, `"50m"`) {
		t.Errorf("old request value survived replacement:\n%s", out)
	}
	if !strings.Contains(out, "image:") {
		t.Errorf("output lost a sibling key:\n%s", out)
	}
}

func TestPatch_Idempotent(t *testing.T) {
	u := Update{ContainerName: "web", ReqCPUMilli: 100, ReqMemMi: 256, LimCPUMilli: 200, LimMemMi: 512}

	first, changed1, _ := Patch(fixture, u)
	if !changed1 {
		t.Fatalf("first patch did not change content")
	}

	second, changed2, reason2 := Patch(first, u)
	if changed2 {
		t.Errorf("second patch with identical params changed content, want unchanged")
	}
	if reason2 != ReasonUnchanged {
		t.Errorf("second patch reason = %v, want resources_unchanged", reason2)
	}
	if second != first {
		t.Errorf("second patch content differs from first:\nfirst=%s\nsecond=%s", first, second)
	}
}

func TestPatch_ValuesNotFound(t *testing.T) {
	u := Update{ContainerName: "web", ReqCPUMilli: 100, ReqMemMi: 256}
	_, changed, reason := Patch("unrelated:\n  key: 1\n", u)
	if changed || reason != ReasonValuesNotFound {
		t.Errorf("changed=%v reason=%v, want false/values_not_found", changed, reason)
	}
}

func TestPatch_ContainerNotFound(t *testing.T) {
	u := Update{ContainerName: "missing", ReqCPUMilli: 100, ReqMemMi: 256}
	_, changed, reason := Patch(fixture, u)
	if changed || reason != Reason("missing_not_found") {
		t.Errorf("changed=%v reason=%v, want false/missing_not_found", changed, reason)
	}
}

func TestPatch_AncestorNotFoundStopsAtFirstMissing(t *testing.T) {
	noControllers := "values:\n  somethingElse:\n    foo: bar\n"
	u := Update{ContainerName: "web"}
	_, changed, reason := Patch(noControllers, u)
	if changed || reason != ReasonControllersNotFound {
		t.Errorf("changed=%v reason=%v, want false/controllers_not_found", changed, reason)
	}
}

func TestBlockEnd_StopsAtDedent(t *testing.T) {
	lines := strings.Split(`root:
  child:
    leaf: 1
sibling:
  x: 1`, "\n")
	end := blockEnd(lines, 0, 0)
	if end != 3 {
		t.Errorf("blockEnd = %d, want 3 (the sibling: line)", end)
	}
}
