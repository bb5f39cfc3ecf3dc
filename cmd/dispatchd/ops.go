package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/dlq"
	"github.com/teacurran/village-dispatch/engine"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// withEngine runs fn against an engine without handlers and closes it.
func (a *app) withEngine(cmd *cobra.Command, fn func(context.Context, *engine.Engine) error) error {
	ctx := cmd.Context()
	eng, cleanup, err := a.openEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		cleanup(ctx)
		_ = eng.Store().Close()
	}()
	return fn(ctx, eng)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		q       string
		payload string
		delay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Persist a pending job",
		Example: `  dispatchd enqueue feed.refresh --queue low --payload '{"source_id": 7}'
  dispatchd enqueue ai.tag --payload '{"content_id": "c1", "content": "..."}' --in 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p job.Payload
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}
			var at *time.Time
			if delay > 0 {
				t := time.Now().UTC().Add(delay)
				at = &t
			}
			return a.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				jobID, err := eng.Enqueue(ctx, args[0], queue.Name(q), p, at)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), jobID.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&q, "queue", "q", "", "queue name (default: the type's queue)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON object payload")
	cmd.Flags().DurationVar(&delay, "in", 0, "delay before the job becomes claimable")
	return cmd
}

func newBudgetCmd(a *app) *cobra.Command {
	var (
		month string
		usage bool
	)
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show AI spend against the monthly budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := budget.MonthOf(time.Now())
			if month != "" {
				var err error
				if m, err = budget.ParseMonth(month); err != nil {
					return err
				}
			}
			return a.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				report, err := eng.BudgetState(ctx, m)
				if err != nil {
					return err
				}
				if !usage {
					return printJSON(cmd.OutOrStdout(), report)
				}
				records, err := eng.BudgetUsage(ctx, m)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "state\t%s\t%.1f%%\t%d/%d cents\n", report.State, report.Percent, report.ConsumedCents, report.BudgetCents)
				fmt.Fprintln(tw, "PROVIDER\tREQUESTS\tINPUT\tOUTPUT\tCENTS")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.Provider, r.RequestCount, r.InputTokens, r.OutputTokens, r.CostCents)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default: current UTC month)")
	cmd.Flags().BoolVar(&usage, "usage", false, "include per-provider usage")
	return cmd
}

func newQueuesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show pending depth, average wait and stuck jobs per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				depths, err := eng.QueueDepths(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "QUEUE\tPENDING\tAVG WAIT\tSTUCK")
				for _, d := range depths {
					wait := time.Duration(d.AvgWaitSeconds * float64(time.Second)).Round(time.Second)
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", d.Queue, d.PendingCount, wait, d.StuckCount)
				}
				return tw.Flush()
			})
		},
	}
}

func newDeadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect, replay and purge DEAD jobs",
	}

	var (
		limit int
		q     string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List DEAD jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				entries, err := eng.DeadJobs(ctx, dlq.ListOpts{Limit: limit, Queue: queue.Name(q)})
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no dead jobs")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tQUEUE\tATTEMPTS\tFAILED\tREPLAYED\tERROR")
				for _, e := range entries {
					replayed := "-"
					if e.ReplayedAt != nil {
						replayed = e.ReplayedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
						e.JobID, e.Type, e.Queue, e.Attempts, e.MaxAttempts,
						e.FailedAt.Format(time.RFC3339), replayed, e.Error)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	list.Flags().StringVarP(&q, "queue", "q", "", "only this queue")

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one DEAD job with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				e, err := eng.DLQ().Get(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}

	replay := &cobra.Command{
		Use:   "replay <job-id>",
		Short: "Enqueue a fresh copy of a DEAD job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				newID, err := eng.Replay(ctx, jobID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s replayed as %s\n", jobID, newID)
				return nil
			})
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete DEAD jobs that failed before the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				olderThan = a.cfg.Maintenance.DeadRetention
			}
			before := time.Now().UTC().Add(-olderThan)
			return a.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.DLQ().Purge(ctx, before)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead jobs failed before %s\n", n, before.Format(time.RFC3339))
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default maintenance.dead_retention)")

	cmd.AddCommand(list, show, replay, purge)
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return err
			}
			a.logger.Info("schema migrated")
			return nil
		},
	}
}
