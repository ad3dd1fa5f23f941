package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comigor/chatstream/internal/turn"
)

func newSendCmd(a *app) *cobra.Command {
	var (
		id   string
		deep bool
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if id != "" {
				if err := a.index.Open(ctx, id); err != nil {
					return err
				}
			}
			res, err := a.submit(ctx, strings.Join(args, " "), deep)
			if res.TurnID != "" {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if res.ConversationID != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), a.theme.dim.Render("conversation: "+res.ConversationID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "continue the conversation with this id")
	cmd.Flags().BoolVar(&deep, "deep", false, "ask for deep thinking")
	return cmd
}

func newReplCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Chat interactively",
		Long: `repl reads one message per line and streams each reply.

Commands:
  /new        start a new conversation
  /open ID    continue a past conversation
  /deep       toggle deep thinking
  /quit       exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.repl(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// submit runs one turn with the reply printer live.
func (a *app) submit(ctx context.Context, text string, deep bool) (turn.Result, error) {
	a.out.begin()
	defer a.out.end()
	return a.ctrl.Submit(ctx, text, deep)
}

func (a *app) repl(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	deep := false
	prompt := func() { fmt.Fprint(errOut, a.theme.dim.Render("> ")) }

	sc := bufio.NewScanner(in)
	prompt()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/new":
			if a.ctrl.NewConversation() == nil {
				fmt.Fprintln(errOut, a.theme.dim.Render("new conversation"))
			}
		case line == "/deep":
			deep = !deep
			fmt.Fprintln(errOut, a.theme.dim.Render(fmt.Sprintf("deep thinking: %t", deep)))
		case strings.HasPrefix(line, "/open "):
			if err := a.index.Open(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open "))); err == nil {
				printHistory(out, a.outTheme, a.sess.History())
			}
		default:
			// Failures are reported through notices; the loop keeps going.
			if res, _ := a.submit(ctx, line, deep); res.TurnID != "" {
				fmt.Fprintln(out)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		prompt()
	}
	return sc.Err()
}
