package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/listing-diagnostics/internal/app"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
)

type rootOptions struct {
	debug bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "diagnostics",
		Short:         "Operate the listing diagnostics pipeline against its database",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level")

	root.AddCommand(
		newMigrateCommand(opts),
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newAdvanceCommand(opts),
		newRequeueCommand(opts),
		newListCommand(opts),
		newSweepCommand(opts),
		newExportCommand(opts),
		newIngestCommand(opts),
	)
	return root
}

// logger writes to stderr so command output on stdout stays machine readable.
func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withApp loads configuration, builds the pipeline without workers and runs fn.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, o.logger(), app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
