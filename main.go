package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/cli"
)

// main dispatches to RunAdvisor or RunExporter by subcommand. It stays
// very small, the way the teacher's own cmd/agent/main.go does: all the
// actual wiring lives in internal/cli and the packages it calls.
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	klog.InitFlags(nil)
	flag.Parse()

	var err error
	switch cmd {
	case "advisor":
		err = cli.RunAdvisor()
	case "exporter":
		err = cli.RunExporter()
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		klog.Fatalf("%s failed: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Println("Usage: resource-advisor <advisor|exporter> [args...]")
	fmt.Println()
	fmt.Println("  advisor   run one advisor pass (report or apply-pr mode, per MODE env var)")
	fmt.Println("  exporter  run the long-running HTTP exporter")
}
