package plan

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed manifest_mapping.yaml
var manifestMappingYAML []byte

// ManifestMapping is the static release -> manifest file path table,
// per spec §6. Its keys are the apply planner's allowlist; an empty path
// value means the release is acknowledged but deliberately excluded from
// automated patching (path_not_mapped).
//
// It is parsed once at package init from manifest_mapping.yaml, which
// mirrors a typical home-cluster GitOps layout (one values file per Helm
// release under a per-namespace directory). It names releases from the
// original implementation's DOWNSCALE_EXCLUDE default (jellyfin, immich,
// immich-postgres, machine-learning, kube-prometheus-stack) plus api and
// cache.
var ManifestMapping = mustLoadManifestMapping(manifestMappingYAML)

func mustLoadManifestMapping(raw []byte) map[string]string {
	var m map[string]string
	if err := yaml.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("plan: embedded manifest_mapping.yaml is malformed: %v", err))
	}
	return m
}

// pathFor returns the manifest path for release and whether the release
// is allowlisted and mapped, per spec §4.6's two-stage check: a release
// absent from the table entirely is not_allowlisted; a release present
// with an empty path is path_not_mapped.
func pathFor(mapping map[string]string, release string) (path string, allowlisted bool, mapped bool) {
	p, ok := mapping[release]
	if !ok {
		return "", false, false
	}
	if p == "" {
		return "", true, false
	}
	return p, true, true
}
