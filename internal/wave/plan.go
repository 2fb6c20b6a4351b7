// Package wave runs multi-phase worker plans. A plan is a DAG of named
// waves; each wave spawns a group of workers in parallel and completes
// when every one of them settles. Execution walks the waves in
// dependency order, so a wave never starts before everything it is
// declared after has finished successfully.
package wave

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/hive/internal/dag"
	"github.com/zjrosen/hive/internal/fleet"
)

// Source indicates where a plan definition came from.
type Source string

const (
	// SourceBuiltIn indicates a plan embedded in the binary.
	SourceBuiltIn Source = "builtin"
	// SourceUser indicates a plan loaded from the user's plan directory.
	SourceUser Source = "user"
)

// WorkerSpec describes one worker a wave spawns.
type WorkerSpec struct {
	// Handle names the worker. Empty derives one from the wave name,
	// role, and position.
	Handle string `yaml:"handle,omitempty"`

	// Role is the agent role; empty defaults to worker.
	Role fleet.Role `yaml:"role,omitempty"`

	// Prompt is the task text injected when the worker launches.
	Prompt string `yaml:"prompt,omitempty"`

	// Command overrides the configured agent command for this worker.
	Command []string `yaml:"command,omitempty"`
}

// Wave is one named phase of a plan.
type Wave struct {
	// Name identifies the wave; unique within a plan.
	Name string `yaml:"name"`

	// AfterWaves lists waves that must complete successfully before
	// this one starts.
	AfterWaves []string `yaml:"after,omitempty"`

	// ContinueOnFailure keeps the iteration going when a worker in
	// this wave fails. Dependent waves are still skipped.
	ContinueOnFailure bool `yaml:"continue_on_failure,omitempty"`

	// TimeoutMs bounds each worker in the wave. Zero uses the
	// configured default.
	TimeoutMs int `yaml:"timeout_ms,omitempty"`

	// SuccessPattern overrides the default success regex for this
	// wave's workers.
	SuccessPattern string `yaml:"success_pattern,omitempty"`

	// Workers are spawned in parallel when the wave starts.
	Workers []WorkerSpec `yaml:"workers"`
}

// Timeout returns the wave's worker timeout, falling back to def when
// the plan gives none.
func (w Wave) Timeout(def time.Duration) time.Duration {
	if w.TimeoutMs > 0 {
		return time.Duration(w.TimeoutMs) * time.Millisecond
	}
	return def
}

// Plan is an ordered set of waves with inter-wave dependencies.
type Plan struct {
	// Name identifies the plan.
	Name string `yaml:"name"`

	// Description is a one-line summary shown in plan listings.
	Description string `yaml:"description,omitempty"`

	// Waves run in dependency order.
	Waves []Wave `yaml:"waves"`

	// Source records where the plan was loaded from.
	Source Source `yaml:"-"`
}

// Validate checks the plan for structural problems: missing names,
// duplicate wave names or handles, references to unknown waves, invalid
// roles, and dependency cycles.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("plan name is required")
	}
	if len(p.Waves) == 0 {
		return fmt.Errorf("plan %s has no waves", p.Name)
	}

	names := make(map[string]bool, len(p.Waves))
	handles := make(map[string]string)
	for _, wv := range p.Waves {
		if strings.TrimSpace(wv.Name) == "" {
			return fmt.Errorf("plan %s: wave name is required", p.Name)
		}
		if names[wv.Name] {
			return fmt.Errorf("plan %s: duplicate wave %q", p.Name, wv.Name)
		}
		names[wv.Name] = true
		if len(wv.Workers) == 0 {
			return fmt.Errorf("plan %s: wave %q has no workers", p.Name, wv.Name)
		}
		for _, spec := range wv.Workers {
			if spec.Role != "" && !spec.Role.IsValid() {
				return fmt.Errorf("plan %s: wave %q: unknown role %q", p.Name, wv.Name, spec.Role)
			}
			if spec.Handle == "" {
				continue
			}
			if !fleet.ValidHandle(spec.Handle) {
				return fmt.Errorf("plan %s: wave %q: invalid handle %q", p.Name, wv.Name, spec.Handle)
			}
			if prev, dup := handles[spec.Handle]; dup {
				return fmt.Errorf("plan %s: handle %q used by waves %q and %q", p.Name, spec.Handle, prev, wv.Name)
			}
			handles[spec.Handle] = wv.Name
		}
	}

	for _, wv := range p.Waves {
		for _, dep := range wv.AfterWaves {
			if !names[dep] {
				return fmt.Errorf("plan %s: wave %q is after unknown wave %q", p.Name, wv.Name, dep)
			}
			if dep == wv.Name {
				return fmt.Errorf("plan %s: wave %q is after itself", p.Name, wv.Name)
			}
		}
	}

	if cycles := dag.DetectCycles(p.nodes()); cycles.HasCycles {
		return fmt.Errorf("plan %s: wave dependency cycle through %s",
			p.Name, strings.Join(cycles.CycleNodes, ", "))
	}
	return nil
}

// WorkerCount returns the total number of workers across all waves.
func (p *Plan) WorkerCount() int {
	n := 0
	for _, wv := range p.Waves {
		n += len(wv.Workers)
	}
	return n
}

// wave returns the named wave; Validate guarantees presence for names
// taken from the plan's own dependency order.
func (p *Plan) wave(name string) Wave {
	for _, wv := range p.Waves {
		if wv.Name == name {
			return wv
		}
	}
	return Wave{}
}

// nodes maps the plan's waves onto dependency-graph nodes.
func (p *Plan) nodes() []dag.Node {
	nodes := make([]dag.Node, 0, len(p.Waves))
	for _, wv := range p.Waves {
		nodes = append(nodes, dag.Node{ID: wv.Name, DependsOn: wv.AfterWaves})
	}
	return nodes
}

// order returns a dependency-respecting execution order over the plan's
// waves. Call after Validate; an invalid graph falls back to the
// declared order.
func (p *Plan) order() []string {
	sorted := dag.Sort(p.nodes())
	if sorted.Valid {
		return sorted.Order
	}
	names := make([]string, 0, len(p.Waves))
	for _, wv := range p.Waves {
		names = append(names, wv.Name)
	}
	return names
}
