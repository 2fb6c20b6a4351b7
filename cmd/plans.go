package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/hive/internal/wave"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Inspect wave plans",
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available wave plans",
	Long: `List the builtin plans and the plans found in the configured plan
directory. A user plan with the same name as a builtin replaces it.`,
	RunE: runPlansList,
}

var plansValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a wave plan file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlansValidate,
}

func init() {
	rootCmd.AddCommand(plansCmd)
	plansCmd.AddCommand(plansListCmd)
	plansCmd.AddCommand(plansValidateCmd)
}

func runPlansList(_ *cobra.Command, _ []string) error {
	plans, err := wave.LoadPlans(cfg.Waves.PlanDir)
	if err != nil {
		return fmt.Errorf("loading plans: %w", err)
	}
	if len(plans) == 0 {
		fmt.Println("No plans found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tWAVES\tWORKERS\tDESCRIPTION")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			p.Name, p.Source, len(p.Waves), p.WorkerCount(), p.Description)
	}
	return w.Flush()
}

func runPlansValidate(_ *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plan file: %w", err)
	}
	plan, err := wave.ParsePlan(content, filepath.Base(args[0]), wave.SourceUser)
	if err != nil {
		return err
	}
	fmt.Printf("Plan %q is valid: %d wave(s), %d worker(s)\n",
		plan.Name, len(plan.Waves), plan.WorkerCount())
	return nil
}
