package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
)

// NewCarouselCmd repeats a narrative under rate budgets.
func NewCarouselCmd() *cobra.Command {
	var (
		opts            commonOptions
		iterations      int
		budgets         carousel.Budgets
		continueOnError bool
		wait            bool
		maxWait         time.Duration
		acts            []string
	)

	cmd := &cobra.Command{
		Use:   "carousel <narrative>",
		Short: "Repeat a narrative under request and token budgets",
		Long: `Repeat a narrative, or a subsequence of its acts, for a number of
iterations. Before each iteration the estimated cost is checked against every
configured budget; when one would be exceeded the carousel stops and reports
budget exhaustion. This is a successful partial completion, not an error.

Flags override the narrative's carousel block.

Examples:
  narrate carousel daily-post --iterations 10 --tpm 30000
  narrate carousel daily-post --acts draft,publish --continue-on-error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			configureColor(os.Stdout)

			rt, err := newEngine(ctx, opts.configPath, opts.files)
			if err != nil {
				return err
			}
			defer rt.close()

			n, ok := rt.library.Narrative(args[0])
			if !ok {
				return fmt.Errorf("narrative %q not found", args[0])
			}
			cfg := carousel.Config{Iterations: 1}
			if n.Carousel != nil {
				cfg = *n.Carousel
			}
			flags := cmd.Flags()
			if flags.Changed("iterations") {
				cfg.Iterations = iterations
			}
			if flags.Changed("rpm") {
				cfg.Budgets.RequestsPerMinute = budgets.RequestsPerMinute
			}
			if flags.Changed("tpm") {
				cfg.Budgets.TokensPerMinute = budgets.TokensPerMinute
			}
			if flags.Changed("rpd") {
				cfg.Budgets.RequestsPerDay = budgets.RequestsPerDay
			}
			if flags.Changed("tpd") {
				cfg.Budgets.TokensPerDay = budgets.TokensPerDay
			}
			if flags.Changed("continue-on-error") {
				cfg.ContinueOnError = continueOnError
			}
			if flags.Changed("wait") {
				cfg.WaitForBudget = wait
			}
			if flags.Changed("max-wait") {
				cfg.MaxWait = maxWait
			}
			if flags.Changed("acts") {
				cfg.Acts = acts
			}

			st, runErr := rt.orch.RunCarousel(ctx, args[0], &cfg)
			if st == nil {
				return runErr
			}
			if jsonOutput(cmd) {
				if err := printJSON(cmd.OutOrStdout(), st); err != nil {
					return err
				}
				return runErr
			}
			printCarouselState(cmd.OutOrStdout(), args[0], st)
			return runErr
		},
	}
	opts.register(cmd)
	f := cmd.Flags()
	f.IntVarP(&iterations, "iterations", "n", 1, "Number of iterations")
	f.Int64Var(&budgets.RequestsPerMinute, "rpm", 0, "Requests per minute budget")
	f.Int64Var(&budgets.TokensPerMinute, "tpm", 0, "Tokens per minute budget")
	f.Int64Var(&budgets.RequestsPerDay, "rpd", 0, "Requests per day budget")
	f.Int64Var(&budgets.TokensPerDay, "tpd", 0, "Tokens per day budget")
	f.BoolVar(&continueOnError, "continue-on-error", false, "Record failed iterations and keep going")
	f.BoolVar(&wait, "wait", false, "Wait for budgets to replenish instead of stopping")
	f.DurationVar(&maxWait, "max-wait", 0, "Longest single wait for replenishment (0 = unbounded)")
	f.StringSliceVar(&acts, "acts", nil, "Repeat only these acts (still in step order)")
	return cmd
}
