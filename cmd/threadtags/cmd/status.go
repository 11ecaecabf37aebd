package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/wesm/threadtags/internal/config"
	"github.com/wesm/threadtags/internal/imap"
	"github.com/wesm/threadtags/internal/store"
)

// statusView is everything the status command prints.
type statusView struct {
	Database string
	Grouping bool
	Stats    store.Stats
	Accounts []accountView
}

type accountView struct {
	ID          string
	Mailbox     string
	Server      string
	Schedule    string
	Credentials bool
	GmailMirror bool
}

type statusStyles struct {
	title lipgloss.Style
	label lipgloss.Style
	good  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
}

func newStatusStyles(color bool) statusStyles {
	plain := lipgloss.NewStyle()
	if !color {
		return statusStyles{title: plain, label: plain, good: plain, bad: plain, dim: plain}
	}
	return statusStyles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#1a5fb4", Dark: "#62a0ea"}),
		label: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#555555", Dark: "#aaaaaa"}),
		good:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#26a269", Dark: "#8ff0a4"}),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#c01c28", Dark: "#f66151"}),
		dim:   lipgloss.NewStyle().Faint(true),
	}
}

func renderStatus(v statusView, color bool) string {
	st := newStatusStyles(color)
	row := func(label, value string) string {
		return st.label.Width(16).Render(label) + value
	}

	grouping := st.bad.Render("off")
	if v.Grouping {
		grouping = st.good.Render("on")
	}

	lines := []string{
		st.title.Render("threadtags"),
		row("Database", v.Database),
		row("Grouping mode", grouping),
		row("Cached actions", fmt.Sprint(v.Stats.CachedActions)),
		row("Messages", fmt.Sprint(v.Stats.IndexedMessages)),
		row("Conversations", fmt.Sprint(v.Stats.Conversations)),
		row("Aggregates", fmt.Sprintf("%d (%d ready)", v.Stats.Aggregates, v.Stats.ReadyAggregates)),
		"",
		st.title.Render("Accounts"),
	}
	if len(v.Accounts) == 0 {
		lines = append(lines, st.dim.Render("  none configured"))
	}
	for _, a := range v.Accounts {
		creds := st.good.Render("credentials ok")
		if !a.Credentials {
			creds = st.bad.Render("no credentials")
		}
		schedule := a.Schedule
		if schedule == "" {
			schedule = "unscheduled"
		}
		details := []string{a.Mailbox, a.Server, creds, st.dim.Render(schedule)}
		if a.GmailMirror {
			details = append(details, "gmail labels")
		}
		lines = append(lines, "  "+st.label.Render(a.ID), "    "+strings.Join(details, "  "))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

func accountViews(c *config.Config) []accountView {
	views := make([]accountView, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		creds := imap.HasCredentials(c.TokensDir(), a.IMAP.Identifier())
		if a.IMAP.AuthMethod() == imap.AuthOAuth2 {
			creds = tokenExists(c, a.Email)
		}
		views = append(views, accountView{
			ID:          a.ID,
			Mailbox:     a.PrimaryMailbox,
			Server:      a.IMAP.Addr(),
			Schedule:    a.Schedule,
			Credentials: creds,
			GmailMirror: a.GmailMirror,
		})
	}
	return views
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show grouping mode, cache statistics and accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		grouping, err := s.GroupingEnabled(ctx)
		if err != nil {
			return fmt.Errorf("read grouping mode: %w", err)
		}

		color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
		fmt.Fprint(cmd.OutOrStdout(), renderStatus(statusView{
			Database: cfg.DatabasePath(),
			Grouping: grouping,
			Stats:    *stats,
			Accounts: accountViews(cfg),
		}, color))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
