package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "brainreg",
	Short: "brainreg registers brain MRI volumes",
	Long: `brainreg aligns a floating brain MRI volume onto a reference volume.
An affine is estimated from anatomical label centroids and refined by a
predicted nonlinear deformation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file (defaults are used when empty or missing)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().Int("threads", 0, "Number of interpolation goroutines; -1 uses all cores")
	rootCmd.PersistentFlags().String("qc-dir", "", "Directory receiving PNG mid-slice previews")
}
