package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runSession(os.Args[2:])
	case "validate":
		validateStories(os.Args[2:])
	case "inspect":
		inspectState(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  storyline run --story <file.yaml> [--chat <id>] [--state-db <path>] [--transcript <file.ndjson>] [--interval <n>] [--dry-run]")
	fmt.Fprintln(os.Stderr, "  storyline validate <glob...>")
	fmt.Fprintln(os.Stderr, "  storyline inspect --state-db <path> [--chat <id>]")
}
