package checkpoint

import (
	"fmt"
	"strings"
)

// Render formats a checkpoint for prompt injection. Empty sections are
// omitted.
func Render(cp *Checkpoint) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Checkpoint %d from %s (%s)\n", cp.ID, cp.From, cp.Status)
	fmt.Fprintf(&b, "Goal: %s\n", cp.Body.Goal)
	if cp.Body.Now != "" {
		fmt.Fprintf(&b, "Now: %s\n", cp.Body.Now)
	}

	section(&b, "Done this session", cp.Body.DoneThisSession)
	section(&b, "Blockers", cp.Body.Blockers)
	section(&b, "Questions", cp.Body.Questions)
	section(&b, "What worked", cp.Body.Worked)
	section(&b, "What failed", cp.Body.Failed)
	section(&b, "Next", cp.Body.Next)
	section(&b, "Files created", cp.Body.Files.Created)
	section(&b, "Files modified", cp.Body.Files.Modified)

	return b.String()
}

func section(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
