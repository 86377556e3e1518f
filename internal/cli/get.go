package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one check",
		Long: `Show one check with its correlation links.

Exits 1 if the server has no check with that id.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			check, err := c.Get(ctx, args[0])
			if err != nil {
				return apiError("get failed", err)
			}
			return rootOpts.formatter(cmd).Check(check)
		},
	}
}
