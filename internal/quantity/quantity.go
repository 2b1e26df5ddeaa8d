// Package quantity implements the advisor's CPU/memory quantity codec (C1):
// parsing and formatting orchestrator-style quantity strings into the
// advisor's canonical units (millicores for CPU, mebibytes for memory).
//
// Parsing handles the common suffixes itself with strconv and falls back
// to k8s.io/apimachinery's resource.Quantity for other forms, the same
// dependency the teacher's actuator uses for quantity validation
// (pkg/actuator/actuator.go: parseQuantityOrEmpty). The conversion to
// millicores/mebibytes and the half-away-from-zero formatting are the
// advisor's own, since resource.Quantity has no notion of "mebibytes" or
// "millicores" as a first-class unit.
package quantity

import (
	"math"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	mebibyte = 1024 * 1024
)

// binarySuffixFactors maps Ki/Mi/Gi/Ti/Pi to bytes-per-unit.
var binarySuffixFactors = map[string]float64{
	"Ki": 1024,
	"Mi": 1024 * 1024,
	"Gi": 1024 * 1024 * 1024,
	"Ti": 1024 * 1024 * 1024 * 1024,
	"Pi": 1024 * 1024 * 1024 * 1024 * 1024,
}

// decimalSuffixFactors maps K/M/G/T to bytes-per-unit.
var decimalSuffixFactors = map[string]float64{
	"K": 1000,
	"M": 1000 * 1000,
	"G": 1000 * 1000 * 1000,
	"T": 1000 * 1000 * 1000 * 1000,
}

// trimQuotes strips a single pair of enclosing quote characters, matching
// quantity strings that arrive embedded in a YAML or JSON literal.
func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ParseCPUMilli parses a CPU quantity string into millicores.
// "500m" -> 500, "2" -> 2000, "" -> 0.
func ParseCPUMilli(s string) float64 {
	s = trimQuotes(s)
	if s == "" {
		return 0
	}
	if strings.HasSuffix(s, "m") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
		if err != nil {
			return parseViaQuantityCPU(s)
		}
		return nonNegative(v)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return nonNegative(v * 1000)
	}
	return parseViaQuantityCPU(s)
}

// parseViaQuantityCPU handles suffixes the advisor doesn't special-case
// itself (e.g. exponent forms like "2e3") by delegating to
// resource.ParseQuantity and reading back the millicore value.
func parseViaQuantityCPU(s string) float64 {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0
	}
	return nonNegative(q.AsApproximateFloat64() * 1000)
}

// ParseMemMi parses a memory quantity string into mebibytes. Binary
// suffixes (Ki/Mi/Gi/Ti/Pi) are 1024-based relative to Mi; decimal
// suffixes (K/M/G/T) are 1000-based and converted to Mi; a bare number is
// bytes. Unknown suffixes fall back to treating the value as bytes via
// resource.ParseQuantity.
func ParseMemMi(s string) float64 {
	s = trimQuotes(s)
	if s == "" {
		return 0
	}
	for suffix, factor := range binarySuffixFactors {
		if strings.HasSuffix(s, suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, suffix), 64)
			if err != nil {
				return parseViaQuantityMem(s)
			}
			return nonNegative(v * factor / mebibyte)
		}
	}
	for suffix, factor := range decimalSuffixFactors {
		if strings.HasSuffix(s, suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, suffix), 64)
			if err != nil {
				return parseViaQuantityMem(s)
			}
			return nonNegative(v * factor / mebibyte)
		}
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return nonNegative(v / mebibyte)
	}
	return parseViaQuantityMem(s)
}

func parseViaQuantityMem(s string) float64 {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0
	}
	return nonNegative(q.AsApproximateFloat64() / mebibyte)
}

// FormatCPUMilli formats millicores into a canonical "Nm" string, rounding
// half-away-from-zero and clamping to non-negative.
func FormatCPUMilli(m float64) string {
	return strconv.FormatInt(roundHalfAwayFromZero(nonNegative(m)), 10) + "m"
}

// FormatMemMi formats mebibytes into a canonical "NMi" string, rounding
// half-away-from-zero and clamping to non-negative.
func FormatMemMi(mi float64) string {
	return strconv.FormatInt(roundHalfAwayFromZero(nonNegative(mi)), 10) + "Mi"
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func roundHalfAwayFromZero(v float64) int64 {
	if v >= 0 {
		return int64(math.Floor(v + 0.5))
	}
	return int64(math.Ceil(v - 0.5))
}
