package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <chat-id>",
		Short: "Show outbox counters for a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			resp, err := opts.client.GetStats(ctx, &api.GetStatsRequest{ChatID: args[0]})
			if err != nil {
				return rpcError("stats", err)
			}
			return opts.formatter(cmd).Print(resp, func(w io.Writer) {
				field(w, "Chat", resp.ChatID)
				field(w, "Total", resp.Stats.Total)
				field(w, "Synced", resp.Stats.Synced)
				field(w, "Pending", resp.Stats.Pending)
				field(w, "Media pending", resp.Stats.MediaPending)
				field(w, "Fully synced", yesNo(resp.FullySynced))
			})
		},
	}
}
