package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/narrata/storyline/internal/state"
)

// inspectState dumps persisted session records as JSON, either every
// session in the store or one chat's record.
func inspectState(args []string) {
	var dbPath string
	var chatID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--state-db requires a value")
				os.Exit(1)
			}
			dbPath = args[i]
		case "--chat":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--chat requires a value")
				os.Exit(1)
			}
			chatID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if dbPath == "" {
		usage()
		os.Exit(1)
	}

	store, err := state.OpenSQLite(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	if chatID != "" {
		rec, err := store.Load(ctx, chatID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "no session for chat %q\n", chatID)
			} else {
				fmt.Fprintln(os.Stderr, err)
			}
			os.Exit(1)
		}
		printJSON(rec)
		return
	}

	recs, err := store.List(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no sessions stored")
		return
	}
	printJSON(recs)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
