package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/notify"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, connectivity and background sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			resp, err := opts.client.GetStatus(ctx)
			if err != nil {
				return rpcError("status", err)
			}
			return opts.formatter(cmd).Print(resp, func(w io.Writer) {
				field(w, "Session", resp.Session)
				field(w, "PID", resp.PID)
				field(w, "State", fmt.Sprintf("%s since %s", resp.State, resp.Since.UTC().Format(time.RFC3339)))
				field(w, "Online", yesNo(resp.Online))
				if resp.ActiveChat != "" {
					field(w, "Active chat", resp.ActiveChat)
				}
				pending := "none"
				if len(resp.PendingChats) > 0 {
					pending = strings.Join(resp.PendingChats, ", ")
				}
				field(w, "Pending chats", pending)

				bg := "unsupported"
				if resp.Background.Supported {
					bg = fmt.Sprintf("consuming=%s, %d pending tags", yesNo(resp.Background.Registered), len(resp.Background.PendingTags))
				}
				field(w, "Background", bg)
				if resp.Latest != nil {
					field(w, "Last update", describeUpdate(*resp.Latest))
				}
			})
		},
	}
}

// describeUpdate renders an update without its timestamp.
func describeUpdate(u notify.StatusUpdate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", u.ChatID, u.Type)
	switch u.Type {
	case notify.SyncProgress:
		if u.Progress != nil {
			fmt.Fprintf(&b, " %.0f%%", *u.Progress)
		}
	case notify.SyncComplete:
		if u.TotalSynced != nil {
			fmt.Fprintf(&b, " %s, %d synced", u.Outcome, *u.TotalSynced)
		}
	case notify.SyncError:
		fmt.Fprintf(&b, ": %s", u.Error)
	}
	return b.String()
}
