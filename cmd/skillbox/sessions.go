package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted skill sessions",
	Long:  `Commands for reading sessions saved to the database when sessions.persist is enabled.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		skill, _ := cmd.Flags().GetString("skill")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return listSessions(ctx, a, cmd.OutOrStdout(), skill)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session with its artifacts and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return showSession(ctx, a, cmd.OutOrStdout(), args[0])
		})
	},
}

func init() {
	sessionsListCmd.Flags().String("skill", "", "Only list sessions of this skill")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
}

var errSessionsNotPersisted = errors.New("sessions are not persisted (set sessions.persist to true)")

func listSessions(ctx context.Context, a *app, out io.Writer, skill string) error {
	if a.store == nil {
		return errSessionsNotPersisted
	}
	snaps, err := a.store.List(ctx, skill)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSKILL\tSTATE\tEVENTS\tUPDATED")
	for _, snap := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			snap.ID, snap.SkillName, snap.State, len(snap.Audit), snap.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showSession(ctx context.Context, a *app, out io.Writer, id string) error {
	if a.store == nil {
		return errSessionsNotPersisted
	}
	s, err := a.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(out, s.Snapshot())
}
