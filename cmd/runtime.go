package cmd

import (
	"context"
	"fmt"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/hooks"
	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/manager"
	"github.com/zjrosen/hive/internal/paths"
	"github.com/zjrosen/hive/internal/spawnqueue"
	"github.com/zjrosen/hive/internal/store"
	"github.com/zjrosen/hive/internal/tracing"
	"github.com/zjrosen/hive/internal/worktree"
)

// runtime is the assembled orchestrator stack shared by serve and run.
type runtime struct {
	store     *store.Store
	bus       *bus.Bus
	manager   *manager.Manager
	queue     *spawnqueue.Queue
	scheduler *spawnqueue.Scheduler
	board     *blackboard.Service
	tracing   *tracing.Provider
	watcher   *hooks.RulesWatcher
	logClose  func()
}

// newRuntime validates the loaded config, opens storage, and assembles
// the manager with every collaborator the config enables. The manager is
// started; the spawn scheduler is not, callers decide whether to run it.
func newRuntime(ctx context.Context) (*runtime, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logClose, err := log.Init(paths.DefaultLogPath())
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	if !debugFlag {
		log.SetMinLevel(log.LevelInfo)
	}

	st, err := store.Open(cfg.Storage)
	if err != nil {
		logClose()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	b := bus.New()

	pipeline := hooks.NewPipeline(hooks.Mode(cfg.Hooks.Mode), b)
	pipeline.Register(hooks.Builtin()...)
	var watcher *hooks.RulesWatcher
	if cfg.Hooks.RulesPath != "" {
		rules, rulesErr := hooks.LoadRules(cfg.Hooks.RulesPath)
		if rulesErr != nil {
			log.Warn(log.CatHook, "loading hook rules failed", "path", cfg.Hooks.RulesPath, "error", rulesErr)
		} else {
			pipeline.SetRules(rules)
		}
		if watcher, rulesErr = hooks.WatchRules(pipeline, cfg.Hooks.RulesPath); rulesErr != nil {
			log.Warn(log.CatHook, "watching hook rules failed", "path", cfg.Hooks.RulesPath, "error", rulesErr)
		}
	}

	var worktrees *worktree.Manager
	if cfg.Worktree.Enabled {
		worktrees = worktree.NewManager(cfg.Worktree, worktree.NewRealExecutor(cfg.Worktree.RepoPath))
	}

	queue := spawnqueue.NewQueue(st.Queue, b, cfg.Fleet.MaxDepth)
	scheduler := spawnqueue.NewScheduler(st.Queue, st.Workers, b, nil, spawnqueue.SchedulerConfig{
		MaxWorkers: cfg.Fleet.MaxWorkers,
	})
	queue.SetNotify(scheduler.Kick)

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		closeStore(st)
		b.Close()
		logClose()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	board := blackboard.NewService(st.Blackboard, b)
	deps := manager.Deps{
		Store:       st,
		Bus:         b,
		Mail:        mail.NewService(st.Mail, b),
		Checkpoints: checkpoint.NewService(st.Checkpoints),
		Blackboard:  board,
		Worktrees:   worktrees,
		Hooks:       pipeline,
		Queue:       queue,
	}
	if provider.Enabled() {
		deps.Middleware = []manager.Middleware{tracing.NewMiddleware(provider.Tracer())}
	}

	m, err := manager.New(cfg, deps)
	if err != nil {
		_ = provider.Shutdown(ctx)
		closeStore(st)
		b.Close()
		logClose()
		return nil, fmt.Errorf("creating manager: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		_ = provider.Shutdown(ctx)
		closeStore(st)
		b.Close()
		logClose()
		return nil, fmt.Errorf("starting manager: %w", err)
	}

	return &runtime{
		store:     st,
		bus:       b,
		manager:   m,
		queue:     queue,
		scheduler: scheduler,
		board:     board,
		tracing:   provider,
		watcher:   watcher,
		logClose:  logClose,
	}, nil
}

// close tears the stack down in reverse dependency order. Safe to call
// once; the ctx bounds the tracing flush.
func (r *runtime) close(ctx context.Context) {
	r.manager.Stop()
	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil {
			log.Warn(log.CatHook, "stopping rules watcher failed", "error", err)
		}
	}
	if err := r.tracing.Shutdown(ctx); err != nil {
		log.Warn(log.CatConfig, "tracing shutdown failed", "error", err)
	}
	r.bus.Close()
	closeStore(r.store)
	r.logClose()
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		log.Warn(log.CatStore, "closing storage failed", "error", err)
	}
}
