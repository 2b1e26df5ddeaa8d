// Command exporter runs the advisor's long-running HTTP surface: it
// periodically reads the published report blob and serves /metrics,
// /latest.json, /latest.md, / and /healthz.
//
// It mirrors the teacher's cmd/agent/main.go shape: klog flag wiring,
// fatal-on-setup-error via klog.Fatalf, then one blocking call.
package main

import (
	"flag"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/cli"
)

func main() {
	fmt.Println("================================================================================")
	fmt.Println("  Resource Advisor Exporter")
	fmt.Println("================================================================================")
	fmt.Println()

	klog.InitFlags(nil)
	flag.Parse()

	if err := cli.RunExporter(); err != nil {
		klog.Fatalf("Exporter failed: %v", err)
	}
}
