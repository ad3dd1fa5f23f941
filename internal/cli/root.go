// Package cli is the command line front end: one-shot sends, an interactive
// loop and conversation management against the chat API.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/conversation"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/session"
	"github.com/comigor/chatstream/internal/transport"
	"github.com/comigor/chatstream/internal/turn"
)

type options struct {
	configPath string
	verbose    bool
}

// app holds the components shared by every subcommand. It is filled in by
// the root command's pre-run hook.
type app struct {
	cfg   *config.Config
	sess  *session.Session
	index *conversation.Index
	ctrl  *turn.Controller
	out   *replyPrinter

	// theme styles stderr, outTheme stdout.
	theme    theme
	outTheme theme
}

func (a *app) init(cmd *cobra.Command, opts options) error {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if opts.verbose {
		logger.SetLevel("debug")
	} else {
		logger.SetLevel(cfg.Log.Level)
	}

	a.cfg = cfg
	a.theme = newTheme(cmd.ErrOrStderr())
	a.outTheme = newTheme(cmd.OutOrStdout())
	notifier := noticePrinter(cmd.ErrOrStderr(), a.theme)

	a.sess = session.New()
	client := conversation.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	a.index = conversation.NewIndex(client, a.sess,
		conversation.WithPageSize(cfg.API.PageSize),
		conversation.WithNotifier(notifier),
	)
	a.out = &replyPrinter{w: cmd.OutOrStdout()}
	dialer := transport.NewDialer(transport.WithHandshakeTimeout(cfg.API.Timeout))
	a.ctrl = turn.New(a.sess, dialer, cfg.API.WSURL,
		turn.WithIndex(a.index),
		turn.WithNotifier(notifier),
		turn.WithUpdateHandler(a.out.update),
	)
	logger.L.Debug("client ready", "base_url", cfg.API.BaseURL, "ws_url", cfg.API.WSURL)
	return nil
}

// NewRootCmd builds the chat command tree.
func NewRootCmd() *cobra.Command {
	var (
		opts options
		a    = &app{}
	)

	root := &cobra.Command{
		Use:   "chat",
		Short: "Streaming chat client",
		Long: `chat sends messages to the chat service, streams the assistant's reply
to stdout and manages the list of past conversations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd, opts)
		},
	}

	// Disable completion command
	root.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default is ./config.yaml or $CONFIG_PATH)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSendCmd(a),
		newReplCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newDeleteCmd(a),
		newRenameCmd(a),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure. An interrupt
// cancels the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func noticePrinter(w io.Writer, th theme) session.Notifier {
	return session.NotifierFunc(func(n session.Notice) {
		fmt.Fprintln(w, th.notice(n))
	})
}
