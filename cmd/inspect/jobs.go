package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scaninspect/internal/db"
	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/inspection/storage/sqlite"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Query and clean up jobs in the database",
	Long: `Query and clean up jobs directly in the jobs database.

These commands do not see the queue of a running service: delete and purge
only touch jobs that are completed or failed.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, oldest first",
	Example: `  inspect jobs list
  inspect jobs list --status queued,processing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringSlice("status")
		statuses, err := parseStatuses(raw)
		if err != nil {
			return err
		}
		return withStore(func(_ *db.DB, store *sqlite.JobStore) error {
			recs, err := store.ListByStatus(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			return printJobTable(cmd.OutOrStdout(), recs)
		})
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print one job record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(_ *db.DB, store *sqlite.JobStore) error {
			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>...",
	Short: "Delete finished jobs and their result files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCleaner(func(c *inspection.Cleaner) error {
			for _, id := range args {
				if err := c.Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		})
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every finished job, or those older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetDuration("older-than")
		return withCleaner(func(c *inspection.Cleaner) error {
			n, err := purge(cmd.Context(), c, age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d job(s)\n", n)
			return nil
		})
	},
}

func init() {
	jobsListCmd.Flags().StringSlice("status", nil, "only list jobs in these states (queued, processing, completed, failed)")
	jobsPurgeCmd.Flags().Duration("older-than", 0, "only purge jobs that finished longer ago than this")
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsDeleteCmd, jobsPurgeCmd)
}

func withStore(fn func(*db.DB, *sqlite.JobStore) error) error {
	database, store, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database, store)
}

func withCleaner(fn func(*inspection.Cleaner) error) error {
	return withStore(func(_ *db.DB, store *sqlite.JobStore) error {
		return fn(inspection.NewCleaner(store, newBlobStore(cfg.BlobRoot), nil, nil, logger))
	})
}

func purge(ctx context.Context, c *inspection.Cleaner, age time.Duration) (int, error) {
	if age > 0 {
		return c.PurgeOlderThan(ctx, age)
	}
	return c.Purge(ctx)
}

func parseStatuses(raw []string) ([]inspection.Status, error) {
	var out []inspection.Status
	for _, v := range raw {
		s, err := inspection.ParseStatus(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func printJobTable(w io.Writer, recs []*inspection.JobRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tPROGRESS\tMEAN\tIN TOL %\tCREATED")
	for _, r := range recs {
		mean, pct := "-", "-"
		if r.Metrics != nil {
			mean = fmt.Sprintf("%.4f", r.Metrics.Mean)
			pct = fmt.Sprintf("%.1f", r.Metrics.PercentWithinTolerance)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.JobID, r.Status, r.Progress, mean, pct, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
