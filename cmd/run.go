package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// NewRunCmd runs one narrative.
func NewRunCmd() *cobra.Command {
	var opts commonOptions
	var acts []string

	cmd := &cobra.Command{
		Use:   "run <narrative>",
		Short: "Run a narrative once",
		Long: `Run a narrative in its declared step order.

Acts run one at a time. Inputs of a single act are gathered concurrently.
Interrupting stops the run before the next act; an in-flight call is
allowed to finish.

Examples:
  narrate run onboarding
  narrate run onboarding -f narratives/discord.yml --acts create,use`,
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

			ex, runErr := rt.orch.RunActs(ctx, args[0], acts)
			if ex == nil {
				return runErr
			}
			if jsonOutput(cmd) {
				if err := printJSON(cmd.OutOrStdout(), newRunReport(ex, runErr)); err != nil {
					return err
				}
				return runErr
			}
			printExecution(cmd.OutOrStdout(), ex)
			return runErr
		},
	}
	opts.register(cmd)
	cmd.Flags().StringSliceVar(&acts, "acts", nil, "Run only these acts (still in step order)")
	return cmd
}
