// Package cli implements checkctl, the command-line client of the check API.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"prime-checker/internal/client"
	"prime-checker/internal/config"
	"prime-checker/internal/correlation"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server   string
	Format   string // "json" | "text"
	Timeout  time.Duration
	TraceURL string
	MailURL  string
	Verbose  bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for checkctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:   "checkctl",
		Short: "Submit and follow prime checks",
		Long: `checkctl talks to the prime-checker API.

Checks are evaluated asynchronously: submit returns at once with a
processing check, and get, list or watch show it once a worker has
finished it. Completed checks carry links to their trace and result mail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", envOr("CHECKCTL_SERVER", "http://localhost:"+cfg.HTTPPort), "API base URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	cmd.PersistentFlags().StringVar(&opts.TraceURL, "trace-viewer-url", cfg.TraceViewerURL, "trace viewer URL template, {id} is replaced")
	cmd.PersistentFlags().StringVar(&opts.MailURL, "mail-viewer-url", cfg.MailViewerURL, "mail viewer URL template, {id} is replaced")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func (o *RootOptions) newClient() (*client.Client, error) {
	c, err := client.New(o.Server, o.Timeout)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --server", err)
	}
	return c, nil
}

func (o *RootOptions) linker() correlation.Linker {
	return correlation.NewLinker(o.TraceURL, o.MailURL)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
		Linker:    o.linker(),
	}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
