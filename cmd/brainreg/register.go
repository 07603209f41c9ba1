package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register one floating image onto a reference image",
	Long: `Registers the floating image onto the reference image and writes the
requested outputs. At least one of --ref-reg, --flo-reg, --fwd-field or
--bak-field is required. Segmentations that do not exist are computed with
the configured segmentation command and written to the given path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cmd, cfg)

		job := jobPaths(cmd)
		if err := job.Validate(); err != nil {
			return err
		}
		runner, err := newRunner(cfg, logger)
		if err != nil {
			return err
		}

		start := time.Now()
		res, err := runner.Run(cmd.Context(), job)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Registration completed in %.2f seconds\n", time.Since(start).Seconds())
		fmt.Fprintf(out, "Landmarks used: reference %d, floating %d\n", res.RefLandmarks, res.FloLandmarks)
		if q := res.Quality; q != nil {
			fmt.Fprintf(out, "Correlation: %.3f\n", q.Correlation)
			fmt.Fprintf(out, "Structural Similarity Index (SSIM): %.3f\n", q.SSIM)
			fmt.Fprintf(out, "Root Mean Square Error (RMSE): %.6f\n", q.RMSE)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	addJobFlags(registerCmd, "Path of the ")
}
