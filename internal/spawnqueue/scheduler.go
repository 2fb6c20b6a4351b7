package spawnqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/dag"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

// defaultInterval is how often the scheduler re-evaluates the queue when
// nothing kicks it. Kicks from queue mutations and worker lifecycle
// changes make this a fallback, not the main trigger.
const defaultInterval = 2 * time.Second

// Policy vetoes queue items before approval. A non-nil error rejects the
// item with the error text as reason.
type Policy func(item *Item) error

// SchedulerConfig bounds the scheduler.
type SchedulerConfig struct {
	// MaxWorkers caps live workers plus approved-but-unlaunched items.
	MaxWorkers int

	// Interval is the fallback evaluation period. Zero means the default.
	Interval time.Duration
}

// Scheduler is the single goroutine that walks the queue and promotes
// pending items. All status transitions except MarkSpawned happen here,
// so evaluation never races itself.
type Scheduler struct {
	store   Store
	workers fleet.WorkerStore
	bus     *bus.Bus
	policy  Policy
	cfg     SchedulerConfig
	kick    chan struct{}
}

// NewScheduler wires a scheduler over the queue store. policy may be nil
// to approve everything dependency-ready.
func NewScheduler(store Store, workers fleet.WorkerStore, b *bus.Bus, policy Policy, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Scheduler{
		store:   store,
		workers: workers,
		bus:     b,
		policy:  policy,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
	}
}

// Kick requests an evaluation pass without blocking. Coalesces with any
// pending kick.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run evaluates on kicks and on the fallback ticker until the context
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
		if err := s.Evaluate(); err != nil {
			log.ErrorErr(log.CatQueue, "queue evaluation failed", err)
		}
	}
}

// Evaluate walks pending items once. Items whose dependencies all
// spawned are vetted by the policy and approved while capacity lasts;
// items with a dead dependency move to blocked. Ties break by priority
// descending, then insertion order.
func (s *Scheduler) Evaluate() error {
	items, err := s.store.List(Filter{})
	if err != nil {
		return fmt.Errorf("listing queue: %w", err)
	}

	status := make(map[string]Status, len(items))
	for _, it := range items {
		status[it.ID] = it.Status
	}

	budget, err := s.openSlots(items)
	if err != nil {
		return err
	}

	pending := make([]*Item, 0, len(items))
	for _, it := range items {
		if it.Status == StatusPending {
			pending = append(pending, it)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].Seq < pending[j].Seq
	})

	for _, item := range pending {
		ready := true
		for _, dep := range item.DependsOn {
			switch status[dep] {
			case StatusSpawned:
			case StatusRejected, StatusBlocked:
				reason := fmt.Sprintf("dependency %s is %s", fleet.ShortID(dep), status[dep])
				if err := s.store.UpdateStatus(item.ID, StatusBlocked, reason); err != nil {
					return err
				}
				status[item.ID] = StatusBlocked
				log.Warn(log.CatQueue, "spawn blocked", "id", fleet.ShortID(item.ID), "reason", reason)
				ready = false
			default:
				// Unmet or unknown dependency: the item waits. Ids that
				// never appear keep it pending forever, which the
				// overview surfaces rather than the scheduler guessing.
				ready = false
			}
			if !ready {
				break
			}
		}
		if !ready || status[item.ID] != StatusPending {
			continue
		}

		if s.policy != nil {
			if verr := s.policy(item); verr != nil {
				if err := s.store.UpdateStatus(item.ID, StatusRejected, verr.Error()); err != nil {
					return err
				}
				status[item.ID] = StatusRejected
				log.Warn(log.CatQueue, "spawn rejected by policy", "id", fleet.ShortID(item.ID), "reason", verr.Error())
				s.bus.Emit(bus.SpawnRejected, bus.Payload{
					QueueID: item.ID,
					Handle:  item.Requester,
					Reason:  verr.Error(),
				})
				continue
			}
		}

		if budget <= 0 {
			// Dependency-ready but no slot. Stays pending so the
			// capacity bound holds over approved plus live workers.
			continue
		}

		if err := s.store.UpdateStatus(item.ID, StatusApproved, ""); err != nil {
			return err
		}
		status[item.ID] = StatusApproved
		budget--

		log.Info(log.CatQueue, "spawn ready",
			"id", fleet.ShortID(item.ID), "requester", item.Requester, "role", string(item.TargetRole))
		s.bus.Emit(bus.SpawnReady, bus.Payload{
			QueueID: item.ID,
			Handle:  item.Requester,
			SwarmID: item.SwarmID,
		})
	}

	return nil
}

// openSlots computes how many approvals fit under MaxWorkers right now.
func (s *Scheduler) openSlots(items []*Item) (int, error) {
	live, err := s.workers.Count(fleet.WorkerFilter{})
	if err != nil {
		return 0, fmt.Errorf("counting workers: %w", err)
	}
	approved := 0
	for _, it := range items {
		if it.Status == StatusApproved {
			approved++
		}
	}
	return s.cfg.MaxWorkers - live - approved, nil
}

// Plan is a point-in-time schedule of the unfinished queue.
type Plan struct {
	// Sort holds execution order and parallelizable levels.
	Sort dag.SortResult

	// Path is the critical path through the unfinished items.
	Path dag.PathResult
}

// Plan computes a schedule over the schedulable part of the queue.
// Spawned dependencies count as satisfied and drop out of the graph;
// items doomed by a rejected, blocked, or unknown dependency drop out
// entirely, transitively.
func (s *Scheduler) Plan() (*Plan, error) {
	items, err := s.store.List(Filter{})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	dead := make(map[string]bool)
	isDead := func(dep string) bool {
		target, ok := byID[dep]
		if !ok {
			return true
		}
		return target.Status == StatusRejected || target.Status == StatusBlocked || dead[dep]
	}
	for changed := true; changed; {
		changed = false
		for _, it := range items {
			if it.Status.IsTerminal() || dead[it.ID] {
				continue
			}
			for _, dep := range it.DependsOn {
				if isDead(dep) {
					dead[it.ID] = true
					changed = true
					break
				}
			}
		}
	}

	nodes := make([]dag.Node, 0, len(items))
	for _, it := range items {
		if it.Status.IsTerminal() || dead[it.ID] {
			continue
		}
		deps := make([]string, 0, len(it.DependsOn))
		for _, dep := range it.DependsOn {
			if byID[dep].Status != StatusSpawned {
				deps = append(deps, dep)
			}
		}
		nodes = append(nodes, dag.Node{ID: it.ID, Priority: it.Priority, DependsOn: deps})
	}

	plan := &Plan{Sort: dag.Sort(nodes)}
	path, err := dag.CriticalPath(nodes)
	if err != nil {
		return nil, err
	}
	plan.Path = path
	return plan, nil
}
