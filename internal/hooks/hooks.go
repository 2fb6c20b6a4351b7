// Package hooks implements the pre-execution safety pipeline. Hooks
// inspect proposed worker operations and vote allow or block; in
// enforce mode the first block interrupts the operation, in advisory
// mode blocks degrade to collected warnings.
package hooks

import (
	"sort"
	"sync"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

// OpType classifies a proposed operation.
type OpType string

const (
	OpBashCommand OpType = "bash_command"
	OpFileWrite   OpType = "file_write"
	OpFileDelete  OpType = "file_delete"
	OpGitCommit   OpType = "git_commit"
	OpGitPush     OpType = "git_push"
	OpFileRead    OpType = "file_read"
	OpEnvAccess   OpType = "env_access"
)

// Severity levels on decisions and warnings.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Context describes the operation a worker proposes to run.
type Context struct {
	// Type is the operation class.
	Type OpType

	// Command is the shell text for bash_command operations.
	Command string

	// Path is the target for file and git operations.
	Path string

	// Handle is the proposing worker, for audit events.
	Handle string
}

// Text returns the part of the context hooks match against.
func (c Context) Text() string {
	if c.Command != "" {
		return c.Command
	}
	return c.Path
}

// Decision is one hook's verdict on a context.
type Decision struct {
	Allowed  bool
	Reason   string
	Severity string
}

// Allow is the affirmative decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Block refuses the operation with a reason.
func Block(reason, severity string) Decision {
	return Decision{Allowed: false, Reason: reason, Severity: severity}
}

// Hook is a single validator in the pipeline.
type Hook struct {
	// ID names the hook in audit events and SafetyErrors.
	ID string

	// Priority orders evaluation, higher first.
	Priority int

	// Enabled toggles the hook without removing it.
	Enabled bool

	// Validate inspects one context.
	Validate func(Context) Decision
}

// Mode selects how the pipeline treats a block.
type Mode string

const (
	// ModeEnforce interrupts blocked operations with a SafetyError.
	ModeEnforce Mode = "enforce"

	// ModeAdvisory never interrupts; blocks become warnings.
	ModeAdvisory Mode = "advisory"
)

// Warning is a block downgraded by advisory mode.
type Warning struct {
	HookID   string
	Reason   string
	Severity string
}

// Result is the pipeline's verdict on one context.
type Result struct {
	// Allowed is false only in enforce mode when a hook blocked.
	Allowed bool

	// BlockedBy is the id of the blocking hook.
	BlockedBy string

	// Reason is the blocking hook's reason.
	Reason string

	// Warnings collects advisory-mode blocks, evaluation order.
	Warnings []Warning
}

// Pipeline evaluates hooks in priority order. Static hooks are
// registered once; rule hooks loaded from the rules file are swapped
// atomically on reload.
type Pipeline struct {
	mode Mode
	bus  *bus.Bus

	mu     sync.RWMutex
	static []Hook
	rules  []Hook
}

// NewPipeline returns an empty pipeline in the given mode.
func NewPipeline(mode Mode, b *bus.Bus) *Pipeline {
	if mode == "" {
		mode = ModeEnforce
	}
	return &Pipeline{mode: mode, bus: b}
}

// Mode reports whether the pipeline enforces or advises.
func (p *Pipeline) Mode() Mode {
	return p.mode
}

// Register adds hooks to the static set.
func (p *Pipeline) Register(hs ...Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.static = append(p.static, hs...)
}

// SetRules replaces the rules-file hook set.
func (p *Pipeline) SetRules(hs []Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = hs
}

// snapshot merges both sets sorted by priority descending. Ties keep
// registration order, static before rules.
func (p *Pipeline) snapshot() []Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()

	merged := make([]Hook, 0, len(p.static)+len(p.rules))
	merged = append(merged, p.static...)
	merged = append(merged, p.rules...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority > merged[j].Priority
	})
	return merged
}

// Check runs the context through the pipeline. In enforce mode the
// first block short-circuits: no lower-priority hook sees the context,
// the result carries the blocker, and the returned error is a
// SafetyError. In advisory mode every hook runs and blocks are
// collected as warnings with an audit event each.
func (p *Pipeline) Check(ctx Context) (Result, error) {
	result := Result{Allowed: true}

	for _, h := range p.snapshot() {
		if !h.Enabled || h.Validate == nil {
			continue
		}
		d := h.Validate(ctx)
		if d.Allowed {
			continue
		}

		if p.mode == ModeEnforce {
			result.Allowed = false
			result.BlockedBy = h.ID
			result.Reason = d.Reason
			log.Warn(log.CatHook, "operation blocked",
				"hook", h.ID, "type", string(ctx.Type), "handle", ctx.Handle, "reason", d.Reason)
			p.bus.Emit(bus.AuditBlocked, bus.Payload{
				Handle:   ctx.Handle,
				HookID:   h.ID,
				Reason:   d.Reason,
				Severity: d.Severity,
			})
			return result, &fleet.SafetyError{HookID: h.ID, Reason: d.Reason, Severity: d.Severity}
		}

		result.Warnings = append(result.Warnings, Warning{
			HookID:   h.ID,
			Reason:   d.Reason,
			Severity: d.Severity,
		})
		log.Warn(log.CatHook, "operation flagged",
			"hook", h.ID, "type", string(ctx.Type), "handle", ctx.Handle, "reason", d.Reason)
		p.bus.Emit(bus.AuditWarned, bus.Payload{
			Handle:   ctx.Handle,
			HookID:   h.ID,
			Reason:   d.Reason,
			Severity: d.Severity,
		})
	}

	return result, nil
}
