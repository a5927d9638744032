package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/api"
)

// NewWatchCommand creates the watch command. It runs until interrupted or
// until the daemon closes the stream.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [chat-id]",
		Short: "Stream sync status updates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req := &api.WatchStatusRequest{}
			if len(args) == 1 {
				req.ChatID = args[0]
			}
			stream, err := opts.client.WatchStatus(ctx, req)
			if err != nil {
				return rpcError("watch", err)
			}

			out := opts.formatter(cmd)
			for {
				u, err := stream.Recv()
				if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
					return nil
				}
				if err != nil {
					return rpcError("watch", err)
				}
				if err := out.Print(u, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "%s %s\n", u.At.UTC().Format("15:04:05"), describeUpdate(*u))
				}); err != nil {
					return err
				}
			}
		},
	}
}
