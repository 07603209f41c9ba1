package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"brainreg/pkg/batch"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Register many pairs listed in text files",
	Long: `Every path flag names a list file with one path per line. All given
lists must have the same length; line n of each list forms pair n. A failing
pair is reported and does not stop the others.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cmd, cfg)

		paths := jobPaths(cmd)
		lists := batch.Lists{
			Ref:      paths.Ref,
			Flo:      paths.Flo,
			RefSeg:   paths.RefSeg,
			FloSeg:   paths.FloSeg,
			RefReg:   paths.RefReg,
			FloReg:   paths.FloReg,
			FwdField: paths.FwdField,
			BakField: paths.BakField,
		}
		jobs, err := lists.Jobs()
		if err != nil {
			return err
		}
		runner, err := newRunner(cfg, logger)
		if err != nil {
			return err
		}

		b := &batch.Batch{
			Processor: runner,
			Options:   batch.Options{Jobs: cfg.Batch.Jobs, Timeout: cfg.Batch.Timeout},
			Logger:    logger,
		}
		if cfg.Batch.MetricsFile != "" {
			b.Metrics = batch.NewMetrics()
		}

		logger.Info("Starting batch", "pairs", len(jobs), "jobs", cfg.Batch.Jobs)
		start := time.Now()
		results := b.Run(cmd.Context(), jobs)
		summary := batch.Summarize(results)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Processed %d pairs in %.2f seconds, %d failed\n", summary.Total, time.Since(start).Seconds(), summary.Failed)
		statuses := make([]string, 0, len(summary.ByStatus))
		for s := range summary.ByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Fprintf(out, "- %s: %d\n", s, summary.ByStatus[s])
		}

		if b.Metrics != nil {
			if err := b.Metrics.WriteToTextfile(cfg.Batch.MetricsFile); err != nil {
				logger.Warn("Failed to write metrics", "path", cfg.Batch.MetricsFile, "error", err)
			}
		}
		return batch.Err(results)
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
	addJobFlags(batchCmd, "List file of paths: ")
	batchCmd.Flags().Int("jobs", 1, "Number of pairs processed concurrently")
	batchCmd.Flags().Duration("timeout", 0, "Time limit per pair, e.g. 30m (0 disables it)")
	batchCmd.Flags().String("metrics-file", "", "Write Prometheus text metrics to this file")
}
