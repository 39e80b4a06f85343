package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/narrata/storyline/internal/arbiter"
	"github.com/narrata/storyline/internal/arbiter/openaicompat"
	"github.com/narrata/storyline/internal/config"
	"github.com/narrata/storyline/internal/engine"
	"github.com/narrata/storyline/internal/state"
	"github.com/narrata/storyline/internal/story"
)

func runSession(args []string) {
	var storyPath string
	var chatID string
	var stateDB string
	var transcriptPath string
	var interval int
	var dryRun bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--story":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--story requires a value")
				os.Exit(1)
			}
			storyPath = args[i]
		case "--chat":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--chat requires a value")
				os.Exit(1)
			}
			chatID = args[i]
		case "--state-db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--state-db requires a value")
				os.Exit(1)
			}
			stateDB = args[i]
		case "--transcript":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--transcript requires a value")
				os.Exit(1)
			}
			transcriptPath = args[i]
		case "--interval":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--interval requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintln(os.Stderr, "--interval requires a positive integer")
				os.Exit(1)
			}
			interval = n
		case "--dry-run":
			dryRun = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if storyPath == "" {
		usage()
		os.Exit(1)
	}

	env, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if stateDB == "" {
		stateDB = env.StateDB
	}
	if interval == 0 {
		interval = env.EvalInterval
	}

	st, err := story.Load(storyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var client arbiter.Client
	if dryRun {
		client = &arbiter.ScriptedClient{}
	} else {
		client = openaicompat.New(env.ArbiterConfig())
	}

	var store state.Store
	if stateDB != "" {
		db, err := state.OpenSQLite(stateDB)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer db.Close()
		store = db
	}

	sink, closeSink, err := newProgressSink(transcriptPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeSink()

	eng, err := engine.New(engine.Options{
		Story:         st,
		ChatID:        chatID,
		Client:        client,
		States:        state.NewController(store, st),
		Progress:      sink,
		EvalInterval:  interval,
		ExcerptLines:  env.ExcerptLines,
		IdleEvalEvery: env.IdleEvalEvery,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runID := ulid.Make().String()
	sink(map[string]any{
		"event":   "session_start",
		"run_id":  runID,
		"story":   st.Title,
		"chat_id": chatID,
		"dry_run": dryRun,
	})

	// No deadline. The session lives as long as stdin does.
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	readLoop(ctx, eng)
	eng.Close()

	final := eng.State()
	fmt.Printf("run_id=%s\n", runID)
	fmt.Printf("turns=%d\n", final.Turn)
	fmt.Printf("checkpoint_index=%d\n", final.CheckpointIndex)
	fmt.Printf("checkpoint=%s\n", final.ActiveCheckpointKey)
	fmt.Printf("finished=%v\n", final.Finished)
	for _, w := range eng.Warnings() {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
}

// readLoop feeds stdin lines to the engine until EOF or /quit. Lines
// starting with "/" are session commands; everything else is a user turn.
func readLoop(ctx context.Context, eng *engine.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, eng, line); quit {
				return
			}
			continue
		}
		if err := eng.HandleUserText(ctx, line); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func command(ctx context.Context, eng *engine.Engine, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/eval":
		if err := eng.RequestEvaluation(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	case "/goto":
		if len(fields) != 2 {
			fmt.Fprintln(os.Stderr, "usage: /goto <checkpoint index>")
			return false
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: /goto <checkpoint index>")
			return false
		}
		if err := eng.ActivateIndex(ctx, n); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	case "/state":
		b, err := json.MarshalIndent(eng.State(), "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		fmt.Println(string(b))
	case "/say":
		if len(fields) < 3 {
			fmt.Fprintln(os.Stderr, "usage: /say <role> <text>")
			return false
		}
		eng.ObserveAssistantText(fields[1], strings.Join(fields[2:], " "))
	case "/speaker":
		if len(fields) != 2 {
			fmt.Fprintln(os.Stderr, "usage: /speaker <role>")
			return false
		}
		eng.HandleSpeaker(ctx, fields[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", fields[0])
	}
	return false
}

// newProgressSink fans engine events to a human line on stderr and, when
// path is set, NDJSON appended to the transcript file.
func newProgressSink(path string) (func(map[string]any), func(), error) {
	var f *os.File
	if path != "" {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
	}
	var mu sync.Mutex
	sink := func(ev map[string]any) {
		log.Print(describeEvent(ev))
		if f == nil {
			return
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		mu.Lock()
		_, _ = f.Write(append(b, '\n'))
		mu.Unlock()
	}
	closeFn := func() {
		if f != nil {
			f.Close()
		}
	}
	return sink, closeFn, nil
}

// describeEvent flattens an event to "name k=v ..." with sorted keys.
func describeEvent(ev map[string]any) string {
	name, _ := ev["event"].(string)
	keys := make([]string, 0, len(ev))
	for k := range ev {
		if k == "event" || k == "ts" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{name}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev[k]))
	}
	return strings.Join(parts, " ")
}
