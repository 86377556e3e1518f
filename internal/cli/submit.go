package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"prime-checker/internal/models"
	"prime-checker/internal/reconcile"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Wait     bool
	Interval time.Duration
	MaxWait  time.Duration
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <number>",
		Short: "Submit a number for a primality check",
		Long: `Submit a number and print the accepted check.

The check starts out processing. With --wait the command polls until the
check is completed or failed and exits 1 if it failed.

Examples:
  checkctl submit 1000000007
  checkctl submit 561 --wait
  checkctl submit 97 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVarP(&opts.Wait, "wait", "w", false, "wait until the check is finished")
	cmd.Flags().DurationVar(&opts.Interval, "interval", time.Second, "poll interval with --wait")
	cmd.Flags().DurationVar(&opts.MaxWait, "max-wait", 5*time.Minute, "give up waiting after this long")

	return cmd
}

func runSubmit(ctx context.Context, opts *SubmitOptions, cmd *cobra.Command, number string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := opts.newClient()
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	check, err := c.Submit(ctx, number)
	if err != nil {
		return apiError("submit failed", err)
	}
	if !opts.Wait {
		return out.Check(check)
	}

	out.VerboseLog("submitted %s, waiting", check.ID)
	waitCtx, cancel := context.WithTimeout(ctx, opts.MaxWait)
	defer cancel()
	final, err := reconcile.WaitTerminal(waitCtx, c, check.ID, opts.Interval)
	if err != nil {
		return apiError("wait failed", err)
	}
	if err := out.Check(final); err != nil {
		return err
	}
	if final.Status == models.StatusFailed {
		return NewExitError(ExitFailure, "check failed")
	}
	return nil
}
