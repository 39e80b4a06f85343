package arbiter

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the oracle input for one request: reason framing,
// the objective, a bounded transcript excerpt, candidate transitions as
// labeled options, and the required reply shape. Deterministic for a
// given request.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are the story arbiter. Judge whether the current checkpoint objective has been met or failed.\n\n")
	fmt.Fprintf(&b, "Checkpoint: %s\n", req.CheckpointName)
	fmt.Fprintf(&b, "Objective: %s\n", req.Objective)
	switch req.Reason {
	case ReasonTrigger:
		fmt.Fprintf(&b, "A trigger pattern matched the latest message: %q.\n", req.MatchedPattern)
	case ReasonInterval:
		fmt.Fprintf(&b, "Routine check: %d turns have passed since the last evaluation.\n", req.Interval)
	case ReasonTimed:
		b.WriteString("Routine check after a period of inactivity.\n")
	case ReasonManual:
		b.WriteString("Manual check requested by the operator.\n")
	}
	if len(req.Excerpt) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, line := range req.Excerpt {
			fmt.Fprintf(&b, "%s: %s\n", line.Role, line.Text)
		}
	}
	if strings.TrimSpace(req.UserText) != "" {
		fmt.Fprintf(&b, "\nLatest message:\n%s\n", req.UserText)
	}
	if len(req.Candidates) > 0 {
		b.WriteString("\nPossible transitions:\n")
		for _, c := range req.Candidates {
			label := c.Label
			if label == "" {
				label = c.TargetName
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", c.TransitionID, c.Outcome, label)
		}
	}
	b.WriteString("\nReply with JSON only: {\"outcome\": \"win\"|\"fail\"|\"continue\", \"transition\": \"<transition id or empty>\", \"reason\": \"<short>\", \"confidence\": <0.0-1.0>}\n")
	b.WriteString("Use \"continue\" when the objective is not clearly met or failed.\n")
	return b.String()
}
