package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/inline"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Sender      string
	AI          bool
	Attachments []string
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <chat-id> [content]",
		Short: "Queue a message in the local outbox",
		Long: `Queue a message in the session's outbox. The daemon syncs it right away
when the backend is reachable, otherwise it waits for the connection to return.

Attachments are type=source, where source is a URL, a data: URL, or @path to
read a local file:
  syncctl send c1 "look" --attach image=@photo.jpg
  syncctl send c1 --attach video=https://cdn.example.com/clip.mp4`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Sender, "sender", "", "sender id")
	cmd.Flags().BoolVar(&opts.AI, "ai", false, "mark the message as an AI response")
	cmd.Flags().StringArrayVar(&opts.Attachments, "attach", nil, "attachment as type=source (repeatable)")

	return cmd
}

func runSend(cmd *cobra.Command, opts *SendOptions, args []string) error {
	req := &api.SendMessageRequest{
		ChatID:       args[0],
		SenderID:     opts.Sender,
		IsAIResponse: opts.AI,
	}
	if len(args) > 1 {
		req.Content = args[1]
	}
	for _, arg := range opts.Attachments {
		a, err := parseAttachment(arg)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --attach", err)
		}
		req.Attachments = append(req.Attachments, a)
	}

	ctx, cancel := opts.requestContext(cmd)
	defer cancel()

	resp, err := opts.client.SendMessage(ctx, req)
	if err != nil {
		return rpcError("send", err)
	}

	return opts.formatter(cmd).Print(resp, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Queued %s", resp.LocalID)
		if n := len(resp.MediaIDs); n > 0 {
			_, _ = fmt.Fprintf(w, " with %d media", n)
		}
		_, _ = fmt.Fprintln(w)
		switch {
		case resp.Triggered:
			_, _ = fmt.Fprintln(w, "Sync triggered.")
		case resp.Registered:
			_, _ = fmt.Fprintln(w, "Background sync registered.")
		}
	})
}

// parseAttachment reads type=source. A source starting with @ is read from
// disk and sent inline.
func parseAttachment(arg string) (api.Attachment, error) {
	typ, src, ok := strings.Cut(arg, "=")
	if !ok || typ == "" || src == "" {
		return api.Attachment{}, fmt.Errorf("%q: want type=source", arg)
	}
	if path, ok := strings.CutPrefix(src, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return api.Attachment{}, err
		}
		p := inline.Payload{MIME: mimetype.Detect(data).String(), Data: data}
		src = p.String()
	}
	return api.Attachment{Type: typ, URL: src}, nil
}
