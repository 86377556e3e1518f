package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List checks, newest first",
		Args:          cobra.NoArgs,
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
			checks, err := c.List(ctx)
			if err != nil {
				return apiError("list failed", err)
			}
			return rootOpts.formatter(cmd).Checks(checks, 0)
		},
	}
}
