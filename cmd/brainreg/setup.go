package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"brainreg/internal/logging"
	"brainreg/pkg/config"
	"brainreg/pkg/predictor"
	"brainreg/pkg/registration"
	"brainreg/pkg/volumeio"
)

// loadConfig reads the configuration named by --config and applies the
// command line overrides. Flags only override values they were given for.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	cfg := config.DefaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.Changed("verbose") {
		cfg.Output.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("threads") {
		cfg.Processing.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("qc-dir") {
		cfg.Output.QCDir, _ = flags.GetString("qc-dir")
	}
	if f := flags.Lookup("affine-only"); f != nil && f.Changed {
		cfg.Processing.AffineOnly, _ = flags.GetBool("affine-only")
	}
	if f := flags.Lookup("autocrop"); f != nil && f.Changed {
		cfg.Processing.Autocrop, _ = flags.GetBool("autocrop")
	}
	if f := flags.Lookup("jobs"); f != nil && f.Changed {
		cfg.Batch.Jobs, _ = flags.GetInt("jobs")
	}
	if f := flags.Lookup("timeout"); f != nil && f.Changed {
		cfg.Batch.Timeout, _ = flags.GetDuration("timeout")
	}
	if f := flags.Lookup("metrics-file"); f != nil && f.Changed {
		cfg.Batch.MetricsFile, _ = flags.GetString("metrics-file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.NewWithWriter(cmd.ErrOrStderr(), logging.Level(cfg.Output.Verbose))
}

// newRunner wires the atlas, the predictors and the registrar described by
// cfg into a job runner.
func newRunner(cfg *config.Config, logger *slog.Logger) (*registration.Runner, error) {
	atlas, err := registration.AtlasFromConfig(cfg.Atlas)
	if err != nil {
		return nil, err
	}
	params := registration.ParamsFromConfig(cfg)

	var deformer registration.DeformationService
	if !params.AffineOnly {
		d, err := predictor.NewDeformer(cfg, logger)
		if err != nil {
			return nil, err
		}
		deformer = d
	}
	reg, err := registration.New(atlas, params, deformer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registrar: %w", err)
	}

	runner := &registration.Runner{
		Registrar:  reg,
		SegOptions: registration.SegmentOptionsFromConfig(cfg),
		Loader:     volumeio.Loader{Logger: logger},
		QCDir:      cfg.Output.QCDir,
		Logger:     logger,
	}
	if seg := predictor.NewSegmenter(cfg, logger); seg != nil {
		runner.Segmenter = seg
	}
	logger.Debug("configuration",
		"atlas_shape", atlas.Shape,
		"landmarks", len(atlas.Landmarks),
		"predictor", cfg.Predictor.Kind,
		"affine_only", params.AffineOnly,
		"workers", params.Workers,
	)
	return runner, nil
}

// addJobFlags registers the input and output path flags shared by register
// and batch. usage prefixes every help text.
func addJobFlags(cmd *cobra.Command, usage string) {
	f := cmd.Flags()
	f.String("ref", "", usage+"reference image")
	f.String("flo", "", usage+"floating image")
	f.String("ref-seg", "", usage+"reference segmentation (computed and written when missing)")
	f.String("flo-seg", "", usage+"floating segmentation (computed and written when missing)")
	f.String("ref-reg", "", usage+"registered reference output (floating grid)")
	f.String("flo-reg", "", usage+"registered floating output (reference grid)")
	f.String("fwd-field", "", usage+"forward field output (world coordinates on the reference grid)")
	f.String("bak-field", "", usage+"backward field output (world coordinates on the floating grid)")
	f.Bool("affine-only", false, "Skip the nonlinear registration")
	f.Bool("autocrop", false, "Crop background before segmentation")
}

// jobPaths reads the values of the flags added by addJobFlags.
func jobPaths(cmd *cobra.Command) registration.Job {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return registration.Job{
		Ref:      get("ref"),
		Flo:      get("flo"),
		RefSeg:   get("ref-seg"),
		FloSeg:   get("flo-seg"),
		RefReg:   get("ref-reg"),
		FloReg:   get("flo-reg"),
		FwdField: get("fwd-field"),
		BakField: get("bak-field"),
	}
}
