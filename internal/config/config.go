// Package config loads the advisor's run configuration from the
// environment exactly once per run, following the teacher's
// pkg/agent/config.go idiom: a single exported struct plus os.Getenv +
// strconv parsing, with defaults baked in rather than pulled from a
// ConfigMap or flag library.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Mode selects what a single advisor run does.
type Mode string

const (
	ModeReport  Mode = "report"
	ModeApplyPR Mode = "apply-pr"
	ModePR      Mode = "pr" // reserved no-op, per spec §6
)

// Config holds every environment-configurable knob for one advisor run.
type Config struct {
	Mode Mode

	TargetNamespaces []string
	DownscaleExclude map[string]struct{}

	PrometheusURL string

	GitHubToken           string
	GitHubRepository      string
	GitHubBaseBranch      string
	GitHubApplyHeadBranch string

	ConfigMapNamespace string
	ConfigMapName      string
	OutputDir          string

	// Recommender policy (C4, spec §4.4)
	MaxStepPercent       float64
	RequestBufferPercent float64
	LimitBufferPercent   float64
	MinCPUM              float64
	MinMemMi             float64
	DeadbandPercent      float64
	DeadbandCPUM         float64
	DeadbandMemMi        float64
	MetricsWindow        string
	MetricsResolution    string

	// SPEC_FULL §3.5 addition: skip containers with no pod older than this.
	MinPodAge time.Duration

	// Apply planner policy (C6, spec §4.6)
	MaxRequestsPercentCPU    float64
	MaxRequestsPercentMemory float64
	MaxApplyChangesPerRun    int
	MinDataDaysForUpsize     float64
	MinDataDaysForDownsize   float64

	// Exporter (C9, spec §6)
	ListenAddr      string
	RefreshInterval time.Duration
}

// Load reads Config from the environment exactly once, per spec §9
// ("Avoid ambient mutable module state").
func Load() *Config {
	c := &Config{
		Mode:             ModeReport,
		TargetNamespaces: []string{"default", "monitoring"},
		DownscaleExclude: setOf("jellyfin", "immich", "immich-postgres", "machine-learning", "prometheus", "kube-prometheus-stack"),
		ConfigMapNamespace:       "monitoring",
		ConfigMapName:            "resource-advisor-latest",
		OutputDir:                "/tmp/resource-advisor",
		GitHubBaseBranch:         "main",
		GitHubApplyHeadBranch:    "",
		MaxStepPercent:           25,
		RequestBufferPercent:     30,
		LimitBufferPercent:       60,
		MinCPUM:                  25,
		MinMemMi:                 64,
		DeadbandPercent:          10,
		DeadbandCPUM:             25,
		DeadbandMemMi:            64,
		MetricsWindow:            "14d",
		MetricsResolution:        "1h",
		MinPodAge:                10 * time.Minute,
		MaxRequestsPercentCPU:    60,
		MaxRequestsPercentMemory: 65,
		MaxApplyChangesPerRun:    5,
		MinDataDaysForUpsize:     14,
		MinDataDaysForDownsize:   14,
		ListenAddr:               "0.0.0.0:8081",
		RefreshInterval:          30 * time.Second,
	}

	if v := os.Getenv("MODE"); v != "" {
		c.Mode = Mode(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("TARGET_NAMESPACES"); v != "" {
		c.TargetNamespaces = splitCSV(v)
	}
	if v := os.Getenv("DOWNSCALE_EXCLUDE"); v != "" {
		for _, r := range splitCSV(v) {
			c.DownscaleExclude[r] = struct{}{}
		}
	}
	if v := os.Getenv("PROMETHEUS_URL"); v != "" {
		c.PrometheusURL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHubToken = v
	}
	if v := os.Getenv("GITHUB_REPOSITORY"); v != "" {
		c.GitHubRepository = v
	}
	if v := os.Getenv("GITHUB_BASE_BRANCH"); v != "" {
		c.GitHubBaseBranch = v
	}
	if v := os.Getenv("GITHUB_APPLY_HEAD_BRANCH"); v != "" {
		c.GitHubApplyHeadBranch = v
	}
	if v := os.Getenv("CONFIGMAP_NAMESPACE"); v != "" {
		c.ConfigMapNamespace = v
	}
	if v := os.Getenv("CONFIGMAP_NAME"); v != "" {
		c.ConfigMapName = v
	}
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}

	parseFloatEnv("MAX_STEP_PERCENT", &c.MaxStepPercent)
	parseFloatEnv("REQUEST_BUFFER_PERCENT", &c.RequestBufferPercent)
	parseFloatEnv("LIMIT_BUFFER_PERCENT", &c.LimitBufferPercent)
	parseFloatEnv("MIN_CPU_M", &c.MinCPUM)
	parseFloatEnv("MIN_MEM_MI", &c.MinMemMi)
	parseFloatEnv("DEADBAND_PERCENT", &c.DeadbandPercent)
	parseFloatEnv("DEADBAND_CPU_M", &c.DeadbandCPUM)
	parseFloatEnv("DEADBAND_MEM_MI", &c.DeadbandMemMi)
	if v := os.Getenv("METRICS_WINDOW"); v != "" {
		c.MetricsWindow = v
	}
	if v := os.Getenv("METRICS_RESOLUTION"); v != "" {
		c.MetricsResolution = v
	}
	parseDurationEnv("MIN_POD_AGE", &c.MinPodAge)

	parseFloatEnv("MAX_REQUESTS_PERCENT_CPU", &c.MaxRequestsPercentCPU)
	parseFloatEnv("MAX_REQUESTS_PERCENT_MEMORY", &c.MaxRequestsPercentMemory)
	parseIntEnv("MAX_APPLY_CHANGES_PER_RUN", &c.MaxApplyChangesPerRun)
	parseFloatEnv("MIN_DATA_DAYS_FOR_UPSIZE", &c.MinDataDaysForUpsize)
	parseFloatEnv("MIN_DATA_DAYS_FOR_DOWNSIZE", &c.MinDataDaysForDownsize)

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	parseDurationEnv("REFRESH_SECONDS_DURATION", &c.RefreshInterval)
	if v := os.Getenv("REFRESH_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RefreshInterval = time.Duration(f * float64(time.Second))
		}
	}
	if c.RefreshInterval < 5*time.Second {
		c.RefreshInterval = 5 * time.Second
	}

	klog.V(2).InfoS("Loaded advisor configuration",
		"mode", c.Mode,
		"targetNamespaces", c.TargetNamespaces,
		"maxStepPercent", c.MaxStepPercent,
		"maxApplyChangesPerRun", c.MaxApplyChangesPerRun,
	)

	return c
}

func setOf(releases ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(releases))
	for _, r := range releases {
		s[r] = struct{}{}
	}
	return s
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloatEnv(name string, dst *float64) {
	if val := os.Getenv(name); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		} else {
			klog.V(2).InfoS("Ignoring invalid float env var", "name", name, "value", val)
		}
	}
}

func parseIntEnv(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		} else {
			klog.V(2).InfoS("Ignoring invalid int env var", "name", name, "value", val)
		}
	}
}

func parseDurationEnv(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		} else {
			klog.V(2).InfoS("Ignoring invalid duration env var", "name", name, "value", val)
		}
	}
}

// IsDownscaleExcluded reports whether release is in the downscale-exclude set.
func (c *Config) IsDownscaleExcluded(release string) bool {
	_, ok := c.DownscaleExclude[release]
	return ok
}
