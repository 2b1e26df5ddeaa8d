// Command advisor runs one advisor pass: gather inventory and telemetry,
// compute recommendations, assemble and publish the report, and, in
// apply-pr mode, build an apply plan and push it as a pull request.
//
// It mirrors the teacher's cmd/agent/main.go shape: klog flag wiring,
// fatal-on-setup-error via klog.Fatalf, then one blocking call that does
// the actual work.
package main

import (
	"flag"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/cli"
)

func main() {
	fmt.Println("================================================================================")
	fmt.Println("  Resource Advisor - capacity-aware request/limit recommender")
	fmt.Println("================================================================================")
	fmt.Println()

	klog.InitFlags(nil)
	flag.Parse()

	if err := cli.RunAdvisor(); err != nil {
		klog.Fatalf("Advisor run failed: %v", err)
	}
}
