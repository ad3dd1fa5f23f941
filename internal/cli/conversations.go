package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List past conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.index.Refresh(ctx); err != nil {
				return err
			}
			for all && a.index.HasMore() {
				if _, err := a.index.LoadMore(ctx); err != nil {
					return err
				}
			}

			items := a.index.Items()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, s := range items {
				fmt.Fprintf(tw, "%s\t%s\n", s.ID, s.Label)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if a.index.HasMore() {
				fmt.Fprintln(cmd.ErrOrStderr(), a.theme.dim.Render(
					fmt.Sprintf("showing %d of %d, use --all for the rest", len(items), a.index.Total())))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "page through every conversation")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.index.Open(cmd.Context(), args[0]); err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), a.outTheme, a.sess.History())
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.index.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), a.theme.dim.Render("deleted "+args[0]))
			return nil
		},
	}
}

func newRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename ID TITLE",
		Short: "Change the title of a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.index.Rename(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}
