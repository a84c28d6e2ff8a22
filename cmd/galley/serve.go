package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jshapland/galley/internal/flow/engine"
	"github.com/jshapland/galley/internal/flow/events"
	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/server"
)

// runServe starts the review server, runs the flow against it, and keeps
// serving until the flow finishes. Decisions arrive over HTTP instead of
// the auto-reviewer.
func runServe(args []string, stdout, stderr io.Writer) int {
	var flowPath string
	var logsRoot string
	addr := ":8080"

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "--flow":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "-f requires a value")
				return 2
			}
			flowPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--addr requires a value")
				return 2
			}
			addr = args[i]
		case "--logs":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--logs requires a value")
				return 2
			}
			logsRoot = args[i]
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

	srv := server.New(server.Config{Addr: addr})
	e, err := engine.New(cfg, engine.Options{
		LogsRoot: logsRoot,
		Reviewer: srv.Reviewer,
		Sinks:    []events.Sink{srv.Broadcaster},
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	fmt.Fprintf(stdout, "flow_id=%s\n", e.FlowID())
	fmt.Fprintf(stdout, "run_dir=%s\n", e.RunDir())

	done := make(chan *runtime.FinalOutcome, 1)
	go func() {
		fo, runErr := e.Run(context.Background())
		if runErr != nil && fo == nil {
			fmt.Fprintln(stderr, runErr)
		}
		srv.Broadcaster.Close()
		srv.Shutdown()
		done <- fo
	}()

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	fo := <-done
	if fo == nil {
		return 2
	}
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
