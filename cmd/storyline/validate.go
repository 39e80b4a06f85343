package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/narrata/storyline/internal/story"
)

// validateStories loads every story file matched by the glob arguments
// and reports per-file results. Any failure makes the exit non-zero.
func validateStories(args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	seen := map[string]bool{}
	var paths []string
	for _, pattern := range args {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad pattern %q: %v\n", pattern, err)
			os.Exit(1)
		}
		if len(matches) == 0 {
			fmt.Fprintf(os.Stderr, "no files match %q\n", pattern)
			os.Exit(1)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	failed := 0
	for _, path := range paths {
		s, err := story.Load(path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("ok: %s (%d checkpoints, %d transitions)\n", path, len(s.Checkpoints), len(s.Transitions))
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d files failed\n", failed, len(paths))
		os.Exit(1)
	}
}
