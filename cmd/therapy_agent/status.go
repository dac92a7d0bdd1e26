package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/logging"
	"github.com/jonathan/therapy-pipeline/internal/observability"
	"github.com/jonathan/therapy-pipeline/internal/pipeline"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the status of a run, or list recent runs",
	Long: `Reads run state from the database. With a run id it prints the run and its
stage attempts; --watch polls until the run is complete or failed. Without a run
id it lists the most recent runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusWatch    bool
	statusInterval time.Duration
	statusLimit    int
	statusStages   bool
)

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Poll until the run reaches a terminal status")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "Poll interval for --watch")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Number of runs to list")
	statusCmd.Flags().BoolVar(&statusStages, "stages", true, "Print recorded stage attempts")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck

	if cfg.DatabaseURL == "" {
		return errors.New("status reads runs from the database; set database_url (DATABASE_URL)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listRuns(ctx, out, st.store, statusLimit)
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q", args[0])
	}
	return showRun(ctx, out, st.store, id, statusWatch, statusInterval)
}

// showRun prints one run, optionally polling until it is terminal
func showRun(ctx context.Context, out io.Writer, store pipeline.Store, id uuid.UUID, watch bool, interval time.Duration) error {
	printer := observability.NewPrinter(out)

	var last *types.PipelineRun
	for {
		run, err := store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run == nil {
			return failure.NotFound(fmt.Sprintf("run %s not found", id))
		}

		changed := last == nil || run.Status != last.Status || run.CurrentStage != last.CurrentStage
		if !watch || run.Status.Terminal() {
			printer.PrintRun(run)
			if statusStages {
				records, err := store.ListStageRecords(ctx, id)
				if err != nil {
					return err
				}
				printer.PrintStageRecords(records)
			}
			return nil
		}
		if changed {
			printer.PrintProgress(pipeline.ProgressEvent{RunID: id.String(), Stage: run.CurrentStage, Status: string(run.Status), Message: "watching"})
		}
		last = run

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// listRuns prints the most recent runs as a table
func listRuns(ctx context.Context, out io.Writer, store pipeline.Store, limit int) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tKIND\tSUBJECT\tSTATUS\tSTAGE\tCREATED")
	for _, run := range runs {
		stage := run.CurrentStage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Kind, run.Subject, run.Status, stage, run.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
