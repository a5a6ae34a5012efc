package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jingkaihe/skillbox/pkg/audit"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
	Long:  `Commands for reading the audit trail of skill scans, activations, reads and runs.`,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit events",
	Long: `Show the most recent audit events, oldest first. Events come from the SQLite store when
audit.sqlite is enabled and from the audit file otherwise.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := auditTailOptions{}
		opts.skill, _ = cmd.Flags().GetString("skill")
		kind, _ := cmd.Flags().GetString("kind")
		opts.kind = audit.Kind(kind)
		opts.limit, _ = cmd.Flags().GetInt("lines")
		opts.format, _ = cmd.Flags().GetString("format")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return tailAudit(ctx, a, cmd.OutOrStdout(), opts)
		})
	},
}

func init() {
	auditTailCmd.Flags().String("skill", "", "Only show events for this skill")
	auditTailCmd.Flags().String("kind", "", "Only show events of this kind (scan, activate, read, run, error)")
	auditTailCmd.Flags().IntP("lines", "n", 20, "Number of events to show; 0 shows all")
	auditTailCmd.Flags().String("format", "table", "Output format (table or json)")

	auditCmd.AddCommand(auditTailCmd)
}

type auditTailOptions struct {
	skill  string
	kind   audit.Kind
	limit  int
	format string
}

func tailAudit(ctx context.Context, a *app, out io.Writer, opts auditTailOptions) error {
	events, err := auditEvents(ctx, a, opts)
	if err != nil {
		return err
	}

	switch opts.format {
	case "json":
		return writeJSON(out, events)
	case "table", "":
	default:
		return errors.Errorf("unknown format %q", opts.format)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSKILL\tPATH\tBYTES\tDETAIL")
	for _, event := range events {
		bytes := ""
		if event.Bytes != nil {
			bytes = fmt.Sprint(*event.Bytes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Local().Format(time.DateTime),
			event.Kind, event.Skill, event.Path, bytes, formatDetail(event.Detail))
	}
	return tw.Flush()
}

func auditEvents(ctx context.Context, a *app, opts auditTailOptions) ([]audit.Event, error) {
	if a.sqliteSink != nil {
		return a.sqliteSink.Events(ctx, audit.Query{Skill: opts.skill, Kind: opts.kind, Limit: opts.limit})
	}
	if a.cfg.Audit.File == "" {
		return nil, errors.New("no audit store configured (set audit.file or audit.sqlite)")
	}

	all, err := audit.ReadFile(a.cfg.Audit.File)
	if err != nil {
		return nil, err
	}
	events := make([]audit.Event, 0, len(all))
	for _, event := range all {
		if opts.skill != "" && event.Skill != opts.skill {
			continue
		}
		if opts.kind != "" && event.Kind != opts.kind {
			continue
		}
		events = append(events, event)
	}
	if opts.limit > 0 && len(events) > opts.limit {
		events = events[len(events)-opts.limit:]
	}
	return events, nil
}

func formatDetail(detail map[string]any) string {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, detail[k]))
	}
	return strings.Join(parts, " ")
}
