package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete synced records from the outbox",
		Long: `Delete synced messages and media from the local outbox. A synced message
is kept while any of its attachments is still waiting to upload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			resp, err := opts.client.PurgeSynced(ctx)
			if err != nil {
				return rpcError("purge", err)
			}
			return opts.formatter(cmd).Print(resp, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Purged %d messages and %d media.\n", resp.Messages, resp.Media)
			})
		},
	}
}
