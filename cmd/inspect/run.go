package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scaninspect/internal/inspection"
)

var runCmd = &cobra.Command{
	Use:   "run <scan> <reference>",
	Short: "Inspect one scan against its reference and print the result",
	Long: `Run the full pipeline once, without the database or queue.

Scan and reference are keys below --blob-root or http(s) URLs. The heatmap
is written to comparisons/<job-id>.ply below --blob-root and the finished
job record, metrics included, is printed as JSON.

Examples:
  inspect run scans/part-7.ply references/part.stl
  inspect run --job-id part-7 --config tight.yaml scans/7.ply references/part.step`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job-id")
		d := inspection.Descriptor{JobID: jobID, ScanLocation: args[0], ReferenceLocation: args[1]}
		return runInspection(cmd.Context(), cmd.OutOrStdout(), d)
	},
}

func init() {
	runCmd.Flags().String("job-id", "", "job id used to name results (default: generated)")
	runCmd.Flags().StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "parent directory of the job workspace")
	runCmd.Flags().StringVar(&cfg.ConverterCommand, "converter-command", cfg.ConverterCommand, "tessellator for STEP/IGES references")
}

// runInspection executes d synchronously against an in-memory record store
// and writes the final record to out. A failed pipeline still prints the
// record before returning the error.
func runInspection(ctx context.Context, out io.Writer, d inspection.Descriptor) error {
	d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}
	icfg, err := loadInspectionConfig(cfg.ConfigPath)
	if err != nil {
		return err
	}

	store := inspection.NewMemoryStore(nil)
	if err := store.Create(ctx, inspection.NewJobRecord(d, time.Time{})); err != nil {
		return err
	}
	worker := inspection.NewWorker(store, newBlobStore(cfg.BlobRoot), newConverter(cfg.ConverterCommand), inspection.WorkerOptions{
		WorkDir: cfg.WorkDir,
		Config:  icfg,
		Logger:  logger,
	})
	runErr := worker.Run(ctx, d)

	rec, err := store.Get(ctx, d.JobID)
	if err != nil {
		return errors.Join(runErr, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("heatmap written", "location", rec.ArtifactLocation, "blob_root", cfg.BlobRoot)
	return nil
}
