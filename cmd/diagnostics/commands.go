package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/app"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/pipeline"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
	"github.com/joseph-ayodele/listing-diagnostics/internal/server"
	"github.com/joseph-ayodele/listing-diagnostics/internal/submissions"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (or roll back with --down)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := common.LoadConfig()
			logger := opts.logger()
			d, err := server.ConnectDB(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer server.CloseDB(d, logger)

			if down > 0 {
				err = repository.MigrateDown(d, down, logger)
			} else {
				err = repository.Migrate(d, logger)
			}
			if err != nil {
				return err
			}
			version, dirty, err := repository.MigrationVersion(d, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations")
	return cmd
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <property-url>",
		Short: "Record a submission, optionally driving it until automation stops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				view, err := a.Service.Submit(ctx, args[0])
				if err != nil {
					return err
				}
				if wait {
					if view, err = drive(ctx, a, view, timeout); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "advance in this process until the submission is terminal")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "give up waiting after this long")
	return cmd
}

// drive advances view until it is terminal, sleeping the poll interval between calls.
func drive(ctx context.Context, a *app.App, view pipeline.StatusView, timeout time.Duration) (pipeline.StatusView, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		next, err := a.Service.Advance(ctx, view.ID.String())
		if err != nil {
			return view, err
		}
		view = next
		if view.Terminal() {
			return view, nil
		}
		a.Logger.Info("submit.wait", "submission_id", view.ID, "status", view.Status)
		select {
		case <-ctx.Done():
			return view, fmt.Errorf("submission %s still %s: %w", view.ID, view.Status, ctx.Err())
		case <-time.After(a.Config.Pipeline.PollInterval):
		}
	}
}

func idCommand(opts *rootOptions, use, short string, call func(*submissions.Service, context.Context, string) (pipeline.StatusView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <submission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				view, err := call(a.Service, ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return idCommand(opts, "status", "Show a submission, recovering it first if it stalled", (*submissions.Service).Status)
}

func newAdvanceCommand(opts *rootOptions) *cobra.Command {
	return idCommand(opts, "advance", "Advance a submission as far as it can go now", (*submissions.Service).Advance)
}

func newRequeueCommand(opts *rootOptions) *cobra.Command {
	return idCommand(opts, "requeue", "Send a submission held for manual review back to pending", (*submissions.Service).Requeue)
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var req submissions.ListRequest
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				views, err := a.Service.List(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
	cmd.Flags().StringSliceVar(&req.Statuses, "status", nil, "only these statuses")
	cmd.Flags().StringVar(&req.Platform, "platform", "", "only this platform")
	cmd.Flags().IntVar(&req.Limit, "limit", 100, "page size")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "page offset")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Advance every stranded submission once, in this process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				cutoff := time.Now().Add(-minAge)
				stale, err := a.Repo.ListStale(ctx, constants.ActiveStatuses(), cutoff, a.Config.Pipeline.SweepBatch)
				if err != nil {
					return err
				}
				missing, err := a.Repo.ListMissingReports(ctx, cutoff, a.Config.Pipeline.SweepBatch)
				if err != nil {
					return err
				}

				counts := map[constants.SubmissionStatus]int{}
				for _, sub := range append(stale, missing...) {
					updated, err := a.Controller.Advance(ctx, sub.ID)
					if err != nil {
						a.Logger.Warn("sweep.advance.failed", "submission_id", sub.ID, "error", err)
						continue
					}
					counts[updated.Status]++
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"swept": len(stale) + len(missing), "statuses": counts})
			})
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 30*time.Second, "skip submissions updated more recently")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		req submissions.ExportRequest
		out string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write submissions and their KPIs to an XLSX workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				xlsx, err := a.Service.Export(ctx, req)
				if err != nil {
					return err
				}
				if out == "" {
					out = fmt.Sprintf("submissions-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
				}
				if err := os.WriteFile(out, xlsx, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"path": out, "bytes": len(xlsx)})
			})
		},
	}
	cmd.Flags().StringSliceVar(&req.Statuses, "status", nil, "only these statuses")
	cmd.Flags().StringVar(&req.Platform, "platform", "", "only this platform")
	cmd.Flags().StringVar(&req.From, "from", "", "created on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&req.To, "to", "", "created on or before YYYY-MM-DD")
	cmd.Flags().StringVar(&out, "out", "", "output path (default submissions-<timestamp>.xlsx)")
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var skipHidden bool
	cmd := &cobra.Command{
		Use:   "ingest <file-or-directory>",
		Short: "Submit every property URL listed in .txt, .csv or .xlsx files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				fi, err := os.Stat(args[0])
				if err != nil {
					return err
				}
				if !fi.IsDir() {
					res, err := a.Ingestor.IngestFile(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				}
				results, stats, err := a.Ingestor.IngestDirectory(ctx, args[0], skipHidden)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"files": results, "stats": stats})
			})
		},
	}
	cmd.Flags().BoolVar(&skipHidden, "skip-hidden", true, "skip dot files and directories")
	return cmd
}
