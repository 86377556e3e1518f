package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"prime-checker/internal/reconcile"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Interval     time.Duration
	UntilSettled bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [number...]",
		Short: "Follow all checks as they finish",
		Long: `Poll the full list of checks and print it whenever it changes.

Numbers given as arguments are submitted first and shown as submitting
until the server lists them. If a poll fails the last good list stays on
screen together with the error.

Examples:
  checkctl watch
  checkctl watch 7 8 9 --until-settled`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, cmd, args)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().BoolVar(&opts.UntilSettled, "until-settled", false, "exit once every listed check is finished")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command, numbers []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := opts.newClient()
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		last    string
		settled bool
	)
	session := reconcile.NewSession(c, reconcile.WithOnChange(func(v reconcile.View) {
		mu.Lock()
		defer mu.Unlock()
		if v.Err != nil {
			fmt.Fprintf(out.ErrWriter, "refresh failed, showing last good list: %v\n", v.Err)
			return
		}
		fp := fingerprint(v)
		if fp == last {
			return
		}
		last = fp
		if opts.Format == "text" {
			fmt.Fprintf(out.Writer, "\n# %s\n", time.Now().Format("15:04:05"))
		}
		_ = out.Checks(v.Checks, v.Provisional)
		if opts.UntilSettled && v.Seq > 0 && isSettled(v) {
			settled = true
			cancel()
		}
	}))
	defer session.Close()

	for _, n := range numbers {
		check, err := c.Submit(ctx, n)
		if err != nil {
			return apiError("submit failed", err)
		}
		out.VerboseLog("submitted %s as %s", n, check.ID)
		session.AddProvisional(check)
	}

	err = session.Run(ctx, opts.Interval)
	mu.Lock()
	done := settled
	mu.Unlock()
	if done || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// fingerprint changes whenever a printed column would.
func fingerprint(v reconcile.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|", v.Provisional)
	for _, c := range v.Checks {
		fmt.Fprintf(&b, "%s:%s:%s;", c.ID, c.Status, c.TraceID)
	}
	return b.String()
}

func isSettled(v reconcile.View) bool {
	if v.Provisional > 0 {
		return false
	}
	for _, c := range v.Checks {
		if !c.Status.Terminal() {
			return false
		}
	}
	return true
}
