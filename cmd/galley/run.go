package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jshapland/galley/internal/flow/engine"
	"github.com/jshapland/galley/internal/flow/runtime"
)

func runRun(args []string, stdout, stderr io.Writer) int {
	var flowPath string
	var logsRoot string
	var resumeID string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "--flow":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "-f requires a value")
				return 2
			}
			flowPath = args[i]
		case "--logs":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--logs requires a value")
				return 2
			}
			logsRoot = args[i]
		case "--resume":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--resume requires a value")
				return 2
			}
			resumeID = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 2
		}
	}
	if flowPath == "" {
		usage()
		return 2
	}

	cfg, err := engine.LoadFlowConfig(flowPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	// No deadline: runs waiting on human review can take hours.
	ctx := context.Background()
	opts := engine.Options{LogsRoot: logsRoot}

	var fo *runtime.FinalOutcome
	if resumeID != "" {
		fo, err = engine.Resume(ctx, cfg, resumeID, opts)
	} else {
		var e *engine.Engine
		e, err = engine.New(cfg, opts)
		if err == nil {
			fo, err = e.Run(ctx)
		}
	}
	if fo == nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	fmt.Fprintf(stdout, "flow_id=%s\n", fo.FlowID)
	fmt.Fprintf(stdout, "status=%s\n", fo.Status)
	fmt.Fprintf(stdout, "final_stage=%s\n", fo.FinalStage)
	if fo.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", fo.FailureReason)
	}
	if fo.Status == runtime.FinalSuccess {
		return 0
	}
	return 1
}
