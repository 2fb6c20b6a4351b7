package mail

import (
	"fmt"
	"strings"
)

// RenderUnread formats unread mail for prompt injection. Returns the
// empty string when there is nothing to render.
func RenderUnread(msgs []*Message) string {
	if len(msgs) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d unread mail message(s):\n", len(msgs))
	for _, m := range msgs {
		b.WriteString("\n")
		fmt.Fprintf(&b, "[mail %d] from %s", m.ID, m.From)
		if m.Subject != "" {
			fmt.Fprintf(&b, " (subject: %s)", m.Subject)
		}
		b.WriteString("\n")
		b.WriteString(m.Body)
		b.WriteString("\n")
	}
	return b.String()
}

// RenderHandoffs formats pending handoffs for prompt injection. Returns
// the empty string when there is nothing to render.
func RenderHandoffs(handoffs []*Handoff) string {
	if len(handoffs) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d pending handoff(s) awaiting your acceptance:\n", len(handoffs))
	for _, h := range handoffs {
		b.WriteString("\n")
		fmt.Fprintf(&b, "[handoff %d] from %s:\n", h.ID, h.From)
		b.Write(h.Context)
		b.WriteString("\n")
	}
	return b.String()
}
