package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/wave"
)

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "Execute a wave plan",
	Long: `Execute a named wave plan: waves run in dependency order, workers
within a wave run in parallel, and each worker is dismissed once it
settles. The run fails when a wave fails unless the plan allows it to
continue.

Plans are looked up by name among the builtins and the files in the
configured plan directory. Use "hive plans list" to see what is
available.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runIterations int
	runSwarm      string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runIterations, "iterations", 1,
		"re-run the plan until every wave succeeds, up to this many passes")
	runCmd.Flags().StringVar(&runSwarm, "swarm", "",
		"place spawned workers in the named swarm, creating it if needed")
}

func runRun(_ *cobra.Command, args []string) error {
	plans, err := wave.LoadPlans(cfg.Waves.PlanDir)
	if err != nil {
		return fmt.Errorf("loading plans: %w", err)
	}
	plan, ok := wave.Find(plans, args[0])
	if !ok {
		names := make([]string, len(plans))
		for i, p := range plans {
			names[i] = p.Name
		}
		return fmt.Errorf("unknown plan %q (available: %s)", args[0], strings.Join(names, ", "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(shutdownCtx)
	}()

	log.SafeGo(log.CatQueue, "spawn-scheduler", func() {
		rt.scheduler.Run(ctx)
	})

	var opts []wave.Option
	if runSwarm != "" {
		swarmID, err := ensureSwarm(rt, runSwarm)
		if err != nil {
			return err
		}
		opts = append(opts, wave.WithSwarm(swarmID))
	}

	orch, err := wave.New(rt.manager, rt.bus, cfg.Waves, opts...)
	if err != nil {
		return err
	}
	if err := orch.SetPlan(plan); err != nil {
		return err
	}

	fmt.Printf("Running plan %q: %d wave(s), %d worker(s)\n",
		plan.Name, len(plan.Waves), plan.WorkerCount())

	start := time.Now()
	results, execErr := orch.Execute(ctx, wave.ExecuteOptions{MaxIterations: runIterations})
	printResults(results)
	fmt.Printf("Plan %q finished in %s\n", plan.Name, time.Since(start).Round(time.Millisecond))

	switch {
	case errors.Is(execErr, wave.ErrCancelled):
		return fmt.Errorf("run cancelled")
	case execErr != nil:
		return execErr
	}
	return nil
}

// ensureSwarm resolves a swarm by name, creating it when absent.
func ensureSwarm(rt *runtime, name string) (string, error) {
	s, err := rt.store.Swarms.GetByName(name)
	if err == nil {
		return s.ID, nil
	}
	if !errors.Is(err, fleet.ErrNotFound) {
		return "", fmt.Errorf("looking up swarm %q: %w", name, err)
	}
	s = &fleet.Swarm{ID: fleet.NewID(), Name: name, CreatedAt: time.Now().UTC()}
	if err := rt.store.Swarms.Create(s); err != nil {
		return "", fmt.Errorf("creating swarm %q: %w", name, err)
	}
	return s.ID, nil
}

func printResults(results []wave.Result) {
	if len(results) == 0 {
		return
	}
	for _, r := range results {
		mark := "ok"
		switch r.Outcome {
		case wave.OutcomeFailed:
			mark = "FAIL"
		case wave.OutcomeCancelled:
			mark = "CANCELLED"
		}
		fmt.Printf("  %-4s %s/%s: %s (%s)\n",
			mark, r.Wave, r.Handle, r.Reason, r.Duration.Round(time.Millisecond))
	}
}
