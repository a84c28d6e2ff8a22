package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/jshapland/galley/internal/flow/engine"
	"github.com/jshapland/galley/internal/flow/validate"
)

func runValidate(args []string, stdout, stderr io.Writer) int {
	var flowPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "--flow":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "-f requires a value")
				return 2
			}
			flowPath = args[i]
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
	if err := validate.Request(cfg.Flow.Request()); err != nil {
		var re *validate.RequestError
		if errors.As(err, &re) {
			for _, v := range re.Violations {
				fmt.Fprintf(stderr, "flow: %s\n", v)
			}
		} else {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}
