package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runRun(os.Args[2:], os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatus(os.Args[2:], os.Stdout, os.Stderr))
	case "validate":
		os.Exit(runValidate(os.Args[2:], os.Stdout, os.Stderr))
	case "serve":
		os.Exit(runServe(os.Args[2:], os.Stdout, os.Stderr))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  galley run -f <flow.yaml> [--logs <dir>] [--resume <flow_id>]")
	fmt.Fprintln(os.Stderr, "  galley status <logs>/<flow_id> [--json] [--tail <n>] [--follow]")
	fmt.Fprintln(os.Stderr, "  galley validate -f <flow.yaml>")
	fmt.Fprintln(os.Stderr, "  galley serve -f <flow.yaml> [--addr <host:port>] [--logs <dir>]")
}
