package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jshapland/galley/internal/flow/events"
	"github.com/jshapland/galley/internal/flow/runtime"
)

// liveRecord mirrors the run directory's live.json heartbeat.
type liveRecord struct {
	FlowID      string    `json:"flow_id"`
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	Stage       string    `json:"stage"`
	Transitions int       `json:"transitions"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	var runDir string
	var asJSON, follow bool
	tail := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			asJSON = true
		case "--follow":
			follow = true
		case "--tail":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--tail requires a value")
				return 2
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(stderr, "--tail must be a positive integer")
				return 2
			}
			tail = n
		default:
			if runDir != "" {
				fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
				return 2
			}
			runDir = args[i]
		}
	}
	if runDir == "" {
		fmt.Fprintln(stderr, "a run directory (<logs>/<flow_id>) is required")
		return 2
	}

	if follow {
		return followRun(runDir, stdout, stderr)
	}

	// final.json wins: its presence marks the run as finished.
	if fo, err := runtime.LoadFinalOutcome(filepath.Join(runDir, "final.json")); err == nil {
		printFinal(stdout, fo, asJSON)
		if tail > 0 {
			printTail(stdout, stderr, filepath.Join(runDir, "events.ndjson"), tail)
		}
		if fo.Status == runtime.FinalSuccess {
			return 0
		}
		return 1
	}

	b, err := os.ReadFile(filepath.Join(runDir, "live.json"))
	if err != nil {
		fmt.Fprintf(stderr, "no final.json or live.json under %s: not a run directory?\n", runDir)
		return 2
	}
	var live liveRecord
	if err := json.Unmarshal(b, &live); err != nil {
		fmt.Fprintf(stderr, "live.json: %v\n", err)
		return 2
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(live)
	} else {
		fmt.Fprintf(stdout, "flow_id=%s\n", live.FlowID)
		fmt.Fprintf(stdout, "state=%s\n", live.State)
		fmt.Fprintf(stdout, "stage=%s\n", live.Stage)
		fmt.Fprintf(stdout, "transitions=%d\n", live.Transitions)
		fmt.Fprintf(stdout, "updated_at=%s\n", live.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(stdout, "pid=%d\n", live.PID)
	}
	if tail > 0 {
		printTail(stdout, stderr, filepath.Join(runDir, "events.ndjson"), tail)
	}
	return 0
}

func printFinal(stdout io.Writer, fo *runtime.FinalOutcome, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(fo)
		return
	}
	fmt.Fprintf(stdout, "flow_id=%s\n", fo.FlowID)
	fmt.Fprintf(stdout, "status=%s\n", fo.Status)
	fmt.Fprintf(stdout, "final_stage=%s\n", fo.FinalStage)
	if fo.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", fo.FailureReason)
	}
	for _, st := range fo.CompletedStages {
		fmt.Fprintf(stdout, "completed=%s\n", st)
	}
}

// followRun streams events as they land, exiting when final.json appears.
func followRun(runDir string, stdout, stderr io.Writer) int {
	finalPath := filepath.Join(runDir, "final.json")
	f := &events.Follower{
		Path: filepath.Join(runDir, "events.ndjson"),
		Done: func() bool {
			_, err := os.Stat(finalPath)
			return err == nil
		},
	}
	err := f.Follow(context.Background(), func(ev events.Event) {
		if ev.Stage != "" {
			fmt.Fprintf(stdout, "%s %s %s\n", ev.TS.Format(time.RFC3339), ev.Type, ev.Stage)
		} else {
			fmt.Fprintf(stdout, "%s %s\n", ev.TS.Format(time.RFC3339), ev.Type)
		}
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	fo, err := runtime.LoadFinalOutcome(finalPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	printFinal(stdout, fo, false)
	if fo.Status == runtime.FinalSuccess {
		return 0
	}
	return 1
}

// printTail prints the last n events from the run's NDJSON stream.
func printTail(stdout, stderr io.Writer, path string, n int) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "events: %v\n", err)
		return
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	for _, line := range lines {
		var ev events.Event
		if err := ev.UnmarshalJSON([]byte(line)); err != nil {
			continue
		}
		if ev.Stage != "" {
			fmt.Fprintf(stdout, "%s %s %s\n", ev.TS.Format(time.RFC3339), ev.Type, ev.Stage)
		} else {
			fmt.Fprintf(stdout, "%s %s\n", ev.TS.Format(time.RFC3339), ev.Type)
		}
	}
}
