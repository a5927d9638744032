package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
)

// NewSyncCommand creates the sync command, the manual retry for a chat.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <chat-id>",
		Short: "Run a sync pass for a chat and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			resp, err := opts.client.SyncChat(ctx, &api.SyncChatRequest{ChatID: args[0]})
			if err != nil {
				return rpcError("sync", err)
			}
			return opts.formatter(cmd).Print(resp, func(w io.Writer) {
				field(w, "Chat", resp.ChatID)
				field(w, "Outcome", resp.Outcome)
				field(w, "Synced", fmt.Sprintf("%d messages, %d media", resp.TotalSynced, resp.MediaSynced))
				field(w, "Failed", fmt.Sprintf("%d messages, %d media", resp.Failed, resp.MediaFailed))
				if resp.Stats != nil {
					field(w, "Still pending", fmt.Sprintf("%d messages, %d media", resp.Stats.Pending, resp.Stats.MediaPending))
				}
			})
		},
	}
}
