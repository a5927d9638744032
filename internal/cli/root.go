// Package cli implements syncctl, the control client for a session daemon.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/session"
)

// Client is the part of api.Client the commands use.
type Client interface {
	SendMessage(ctx context.Context, req *api.SendMessageRequest) (*api.SendMessageResponse, error)
	SyncChat(ctx context.Context, req *api.SyncChatRequest) (*api.SyncChatResponse, error)
	GetStats(ctx context.Context, req *api.GetStatsRequest) (*api.GetStatsResponse, error)
	PurgeSynced(ctx context.Context) (*api.PurgeSyncedResponse, error)
	GetStatus(ctx context.Context) (*api.StatusResponse, error)
	WatchStatus(ctx context.Context, req *api.WatchStatusRequest) (grpc.ServerStreamingClient[notify.StatusUpdate], error)
	Close() error
}

// Dialer connects to the daemon listening on socketPath. maxAttachmentBytes
// sizes the request limit for inline attachments.
type Dialer func(socketPath string, maxAttachmentBytes int) (Client, error)

// DialSocket is the production Dialer.
func DialSocket(socketPath string, maxAttachmentBytes int) (Client, error) {
	return api.Dial(socketPath, maxAttachmentBytes)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Session    string
	Format     string
	ConfigPath string
	Timeout    time.Duration

	dial   Dialer
	client Client
}

// NewRootCommand creates the syncctl root command.
func NewRootCommand(dial Dialer) *cobra.Command {
	opts := &RootOptions{dial: dial}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Control a chatsync session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.connect()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if opts.client != nil {
				return opts.client.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session name (overrides config default)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ~/.chatsync/config.toml)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "timeout for a single request")

	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// Execute runs syncctl with args and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(DialSocket)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func (o *RootOptions) connect() error {
	path := o.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}

	name := session.Resolve(o.Session, cfg.DefaultSession)
	paths, err := session.For(name)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve session", err)
	}

	c, err := o.dial(paths.Socket, cfg.Server.MaxAttachmentBytes)
	if err != nil {
		return WrapExitError(ExitUnavailable, fmt.Sprintf("cannot connect to daemon for session %q", name), err)
	}
	o.client = c
	return nil
}

func (o *RootOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.Timeout)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
