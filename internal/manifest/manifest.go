// Package manifest implements the apply planner's output-side surgical
// editor (C7): it rewrites a container's resources block inside a
// structured-indentation YAML file without reserializing the document.
//
// The file is treated as an ordered list of lines, matching the teacher's
// own line-oriented parsing style (pkg/agent/cgroup/reader.go's
// strings.Split(data, "\n") + per-line field scan for cpu.stat), rather
// than round-tripping through a YAML AST — reserializing would reformat
// comments, key order, and quoting style across the whole file, which the
// target GitOps repositories do not tolerate in a diff.
package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/khzaw/rangoonpulse/internal/quantity"
)

// Reason is the outcome of one Patch call.
type Reason string

const (
	ReasonInserted            Reason = "resources_inserted"
	ReasonReplaced            Reason = "resources_replaced"
	ReasonUnchanged           Reason = "resources_unchanged"
	ReasonValuesNotFound      Reason = "values_not_found"
	ReasonControllersNotFound Reason = "controllers_not_found"
	ReasonMainNotFound        Reason = "main_not_found"
	ReasonContainersNotFound  Reason = "containers_not_found"
)

// containerNotFoundReason names the specific container key missing, per
// §4.7's "a specific <key>_not_found for the first missing ancestor".
func containerNotFoundReason(containerName string) Reason {
	return Reason(containerName + "_not_found")
}

// Update is the desired resources body for one container.
type Update struct {
	ContainerName string
	ReqCPUMilli   float64
	ReqMemMi      float64
	LimCPUMilli   float64
	LimMemMi      float64
}

var keyPattern = func(key string) *regexp.Regexp {
	return regexp.MustCompile(`^(\s*)` + regexp.QuoteMeta(key) + `:\s*(#.*)?$`)
}

// Patch applies one Update to content, returning the possibly-modified
// content, whether it changed, and the outcome reason.
//
// It walks values -> controllers -> main -> containers -> <container> ->
// resources, each step searching only within the parent's block (the
// lines up to the parent's block end), per §4.7's literal indentation
// contract: controllers/main/containers/<container>/resources sit 2, 4,
// 6, 8, 10 spaces deeper than wherever "values:" itself was found.
func Patch(content string, u Update) (string, bool, Reason) {
	lines := strings.Split(content, "\n")

	valuesIdx, valuesIndent, ok := findKeyAnyIndent(lines, 0, len(lines), "values")
	if !ok {
		return content, false, ReasonValuesNotFound
	}
	valuesEnd := blockEnd(lines, valuesIdx, valuesIndent)

	controllersIdx, ok := findKeyAtIndent(lines, valuesIdx+1, valuesEnd, "controllers", valuesIndent+2)
	if !ok {
		return content, false, ReasonControllersNotFound
	}
	controllersEnd := blockEnd(lines, controllersIdx, valuesIndent+2)

	mainIdx, ok := findKeyAtIndent(lines, controllersIdx+1, controllersEnd, "main", valuesIndent+4)
	if !ok {
		return content, false, ReasonMainNotFound
	}
	mainEnd := blockEnd(lines, mainIdx, valuesIndent+4)

	containersIdx, ok := findKeyAtIndent(lines, mainIdx+1, mainEnd, "containers", valuesIndent+6)
	if !ok {
		return content, false, ReasonContainersNotFound
	}
	containersEnd := blockEnd(lines, containersIdx, valuesIndent+6)

	containerIdx, ok := findKeyAtIndent(lines, containersIdx+1, containersEnd, u.ContainerName, valuesIndent+8)
	if !ok {
		return content, false, containerNotFoundReason(u.ContainerName)
	}
	containerEnd := blockEnd(lines, containerIdx, valuesIndent+8)

	body := canonicalResourcesBody(valuesIndent+10, u)

	resourcesIdx, ok := findKeyAtIndent(lines, containerIdx+1, containerEnd, "resources", valuesIndent+10)
	if !ok {
		newLines := make([]string, 0, len(lines)+len(body))
		newLines = append(newLines, lines[:containerEnd]...)
		newLines = append(newLines, body...)
		newLines = append(newLines, lines[containerEnd:]...)
		return strings.Join(newLines, "\n"), true, ReasonInserted
	}

	resourcesEnd := blockEnd(lines, resourcesIdx, valuesIndent+10)
	existing := lines[resourcesIdx:resourcesEnd]
	if linesEqual(existing, body) {
		return content, false, ReasonUnchanged
	}

	newLines := make([]string, 0, len(lines)-len(existing)+len(body))
	newLines = append(newLines, lines[:resourcesIdx]...)
	newLines = append(newLines, body...)
	newLines = append(newLines, lines[resourcesEnd:]...)
	return strings.Join(newLines, "\n"), true, ReasonReplaced
}

// canonicalResourcesBody returns the seven-line resources block at the
// given indent for resources:, requests:/limits: at indent+2, and the
// cpu:/memory: leaves at indent+4.
func canonicalResourcesBody(indent int, u Update) []string {
	pad := strings.Repeat(" ", indent)
	leafPad := strings.Repeat(" ", indent+4)
	blockPad := strings.Repeat(" ", indent+2)
	return []string{
		pad + "resources:",
		blockPad + "requests:",
		leafPad + fmt.Sprintf(`cpu: "%s"`, quantity.FormatCPUMilli(u.ReqCPUMilli)),
		leafPad + fmt.Sprintf(`memory: "%s"`, quantity.FormatMemMi(u.ReqMemMi)),
		blockPad + "limits:",
		leafPad + fmt.Sprintf(`cpu: "%s"`, quantity.FormatCPUMilli(u.LimCPUMilli)),
		leafPad + fmt.Sprintf(`memory: "%s"`, quantity.FormatMemMi(u.LimMemMi)),
	}
}

// findKeyAnyIndent finds the first line in [start, end) matching
// "<indent><key>:" at any indentation, returning its index and indent.
func findKeyAnyIndent(lines []string, start, end int, key string) (int, int, bool) {
	re := keyPattern(key)
	for i := start; i < end && i < len(lines); i++ {
		m := re.FindStringSubmatch(lines[i])
		if m != nil {
			return i, len(m[1]), true
		}
	}
	return 0, 0, false
}

// findKeyAtIndent finds the first line in [start, end) matching
// "<key>:" at exactly the given indent.
func findKeyAtIndent(lines []string, start, end int, key string, indent int) (int, bool) {
	re := keyPattern(key)
	for i := start; i < end && i < len(lines); i++ {
		m := re.FindStringSubmatch(lines[i])
		if m != nil && len(m[1]) == indent {
			return i, true
		}
	}
	return 0, false
}

// blockEnd returns the index of the first non-blank line after openIdx
// whose indentation is <= openIndent, or len(lines) if none.
func blockEnd(lines []string, openIdx, openIndent int) int {
	for i := openIdx + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if indentOf(lines[i]) <= openIndent {
			return i
		}
	}
	return len(lines)
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
