package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/session"
)

type theme struct {
	warning lipgloss.Style
	failure lipgloss.Style
	user    lipgloss.Style
	bot     lipgloss.Style
	dim     lipgloss.Style
}

// newTheme binds styles to w so colors are dropped when w is not a terminal.
func newTheme(w io.Writer) theme {
	r := lipgloss.NewRenderer(w)
	return theme{
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		user:    r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		bot:     r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		dim:     r.NewStyle().Faint(true),
	}
}

func (th theme) notice(n session.Notice) string {
	style := th.warning
	if n.Level == session.LevelError {
		style = th.failure
	}
	msg := n.Level.String() + ": " + n.Message
	if n.Level == session.LevelError && n.Err != nil {
		msg += " (" + n.Err.Error() + ")"
	}
	return style.Render(msg)
}

func (th theme) role(r history.Role) string {
	if r == history.RoleUser {
		return th.user.Render("you")
	}
	return th.bot.Render("assistant")
}

// replyPrinter writes the assistant message of the running turn as it
// grows. It sees every snapshot the session publishes but only prints
// between begin and end; opened or cleared conversations are ignored.
type replyPrinter struct {
	w       io.Writer
	live    bool
	length  int
	printed int
}

func (p *replyPrinter) begin() {
	p.live = true
	p.length, p.printed = -1, 0
}

func (p *replyPrinter) end() { p.live = false }

func (p *replyPrinter) update(h []history.Message) {
	if !p.live {
		return
	}
	last, ok := history.Last(h)
	if !ok || last.Role != history.RoleAssistant {
		p.length, p.printed = len(h), 0
		return
	}
	if len(h) != p.length {
		p.length, p.printed = len(h), len(last.Content)
		return
	}
	if len(last.Content) > p.printed {
		io.WriteString(p.w, last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}

func printHistory(w io.Writer, th theme, msgs []history.Message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "%s: %s\n", th.role(m.Role), m.Content)
	}
}
