package manager

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/mail"
)

// rolePrefixes map each role to its system prefix, the first section of
// every assembled prompt.
var rolePrefixes = map[fleet.Role]string{
	fleet.RoleLead: "You are the lead of an agent fleet. Coordinate the workers in your swarm, " +
		"delegate tasks through the spawn queue, and keep the blackboard current.",
	fleet.RoleWorker: "You are a worker agent in a fleet. Complete the task you are given, " +
		"report progress on the blackboard, and checkpoint before stopping.",
	fleet.RoleScout: "You are a scout agent. Explore and gather information quickly; " +
		"report findings to the blackboard rather than making changes.",
	fleet.RoleArchitect: "You are an architect agent. Produce designs and plans for other " +
		"workers to execute; do not implement them yourself.",
	fleet.RoleCritic: "You are a critic agent. Review the work of other agents and report " +
		"defects and risks; be specific and cite evidence.",
	fleet.RoleKraken: "You are a kraken agent. Take on large, multi-part tasks and grind " +
		"them down; spawn sub-workers when parallelism helps.",
	fleet.RoleOracle: "You are an oracle agent. Answer questions from other agents using " +
		"your knowledge and the project context; do not modify anything.",
}

// promptTemplate lays out the assembled prompt. Empty sections vanish.
var promptTemplate = template.Must(template.New("prompt").Parse(
	`{{.RolePrefix}}
{{- if .Task}}

## Task

{{.Task}}
{{- end}}
{{- if .Mail}}

## Unread mail

{{.Mail}}
{{- end}}
{{- if .Handoffs}}

## Pending handoffs

{{.Handoffs}}
{{- end}}
{{- if .Checkpoint}}

## Where you left off

{{.Checkpoint}}
{{- end}}
`))

// promptData feeds the prompt template.
type promptData struct {
	RolePrefix string
	Task       string
	Mail       string
	Handoffs   string
	Checkpoint string
}

// Assembler composes the launch prompt for a worker. Every process
// launch, initial or recovery, concatenates in order: the role prefix,
// the initial prompt, rendered unread mail, rendered pending handoffs,
// and on recovery the latest non-rejected checkpoint. Mail and handoffs
// fetched for injection are not marked read here; the worker's own
// actions drive that, so delivery stays at-least-once across crashes.
type Assembler struct {
	mail        *mail.Service
	checkpoints *checkpoint.Service
}

// NewAssembler wires the prompt sources.
func NewAssembler(mailSvc *mail.Service, ckptSvc *checkpoint.Service) *Assembler {
	return &Assembler{mail: mailSvc, checkpoints: ckptSvc}
}

// Compose builds the full prompt for the worker. Storage failures abort
// the launch rather than silently dropping context.
func (a *Assembler) Compose(w *fleet.Worker, recovering bool) (string, error) {
	data := promptData{
		RolePrefix: RolePrefix(w.Role),
		Task:       strings.TrimSpace(w.InitialPrompt),
	}

	if a.mail != nil {
		unread, err := a.mail.GetUnread(w.Handle)
		if err != nil {
			return "", fmt.Errorf("loading unread mail for %s: %w", w.Handle, err)
		}
		data.Mail = strings.TrimSpace(mail.RenderUnread(unread))

		handoffs, err := a.mail.PendingHandoffs(w.Handle)
		if err != nil {
			return "", fmt.Errorf("loading handoffs for %s: %w", w.Handle, err)
		}
		data.Handoffs = strings.TrimSpace(mail.RenderHandoffs(handoffs))
	}

	if recovering && a.checkpoints != nil {
		cp, err := a.checkpoints.LoadLatest(w.Handle)
		switch {
		case errors.Is(err, fleet.ErrNotFound):
			// No checkpoint yet; section omitted.
		case err != nil:
			return "", fmt.Errorf("loading checkpoint for %s: %w", w.Handle, err)
		case cp.Status != checkpoint.StatusRejected:
			// Pending checkpoints count: a worker that snapshotted and then
			// crashed resumes from it without waiting for review.
			data.Checkpoint = strings.TrimSpace(checkpoint.Render(cp))
		}
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering prompt for %s: %w", w.Handle, err)
	}
	return b.String(), nil
}

// RolePrefix returns the system prefix for a role. Unknown roles get
// the worker prefix.
func RolePrefix(role fleet.Role) string {
	if prefix, ok := rolePrefixes[role]; ok {
		return prefix
	}
	return rolePrefixes[fleet.RoleWorker]
}
