package registration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"brainreg/internal/models"
	"brainreg/pkg/regerr"
	"brainreg/pkg/visualization"
	"brainreg/pkg/volumeio"
)

// Job names the files of one registration run. Segmentations that do not
// exist yet are computed and written to their path.
type Job struct {
	Ref    string
	Flo    string
	RefSeg string
	FloSeg string

	// Outputs; empty paths are skipped but at least one must be set
	RefReg   string
	FloReg   string
	FwdField string
	BakField string
}

// Name returns a short identifier for logs and previews.
func (j Job) Name() string {
	base := filepath.Base(j.Flo)
	for _, ext := range []string{".nii.gz", ".nii", ".npy"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// Outputs derives the requested outputs from the non-empty paths.
func (j Job) Outputs() Outputs {
	return Outputs{
		RefReg:   j.RefReg != "",
		FloReg:   j.FloReg != "",
		FwdField: j.FwdField != "",
		BakField: j.BakField != "",
	}
}

// Validate checks that the job names every input and at least one output.
func (j Job) Validate() error {
	for _, in := range []struct{ name, path string }{
		{"reference image", j.Ref},
		{"floating image", j.Flo},
		{"reference segmentation", j.RefSeg},
		{"floating segmentation", j.FloSeg},
	} {
		if in.path == "" {
			return &regerr.ConfigurationError{Reason: in.name + " must be provided"}
		}
	}
	if !j.Outputs().Any() {
		return &regerr.ConfigurationError{Reason: "please provide at least one of: registered reference, registered floating, forward field, or backward field"}
	}
	return nil
}

// Runner executes file-based jobs: it loads the inputs, segments them when
// needed, registers and writes the outputs.
type Runner struct {
	Registrar  *Registrar
	Segmenter  SegmentationService // may be nil when every segmentation exists
	SegOptions SegmentOptions
	Loader     volumeio.Loader

	// QCDir receives PNG mid-slice previews when set
	QCDir string

	Logger *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run executes one job.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	logger := r.logger().With("pair", job.Name())

	logger.Info("Reading reference image", "path", job.Ref)
	ref, refSpacing, err := r.Loader.Load(job.Ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference: %w", err)
	}
	logger.Info("Reading floating image", "path", job.Flo)
	flo, floSpacing, err := r.Loader.Load(job.Flo)
	if err != nil {
		return nil, fmt.Errorf("failed to load floating: %w", err)
	}

	refSeg, err := r.segmentation(ctx, logger, "reference", job.RefSeg, ref, refSpacing)
	if err != nil {
		return nil, err
	}
	floSeg, err := r.segmentation(ctx, logger, "floating", job.FloSeg, flo, floSpacing)
	if err != nil {
		return nil, err
	}

	res, err := r.Registrar.WithOutputs(job.Outputs()).Process(ctx, Pair{Ref: ref, Flo: flo, RefSeg: refSeg, FloSeg: floSeg})
	if err != nil {
		return nil, err
	}

	logger.Info("Writing outputs to disk")
	if err := r.save(job, res); err != nil {
		return nil, err
	}

	if r.QCDir != "" {
		if err := r.previews(job, ref, flo, res); err != nil {
			logger.Warn("Failed to save QC previews", "error", err)
		}
	}
	return res, nil
}

// segmentation reads the segmentation at path, or computes and saves it when
// the file does not exist.
func (r *Runner) segmentation(ctx context.Context, logger *slog.Logger, name, path string, img *models.Volume, spacing [3]float64) (*models.Volume, error) {
	_, statErr := os.Stat(path)
	if statErr == nil {
		logger.Info("Segmentation already exists; reading from disk", "subject", name, "path", path)
		seg, _, err := r.Loader.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s segmentation: %w", name, err)
		}
		if err := CheckSegmentation(seg, path); err != nil {
			return nil, err
		}
		return seg, nil
	}
	if !errors.Is(statErr, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to check %s segmentation: %w", name, statErr)
	}
	if r.Segmenter == nil {
		return nil, &regerr.ConfigurationError{
			Reason: fmt.Sprintf("%s segmentation %s does not exist and no segmentation service is configured", name, path),
		}
	}

	logger.Info("Segmenting image", "subject", name)
	out, err := Segment(ctx, r.Segmenter, img, spacing, r.SegOptions, r.Registrar.Sampler(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to segment %s image: %w", name, err)
	}
	logger.Info("Saving segmentation", "subject", name, "path", path, "volume_mm3", out.Volumes()[0])
	if err := volumeio.Save(out.Labels, path, volumeio.Int32); err != nil {
		return nil, fmt.Errorf("failed to save %s segmentation: %w", name, err)
	}
	return out.Labels, nil
}

func (r *Runner) save(job Job, res *Result) error {
	if job.FwdField != "" {
		if err := volumeio.SaveField(res.FwdField, job.FwdField); err != nil {
			return fmt.Errorf("failed to save forward field: %w", err)
		}
	}
	if job.FloReg != "" {
		if err := volumeio.Save(res.FloReg, job.FloReg, volumeio.Float32); err != nil {
			return fmt.Errorf("failed to save registered floating image: %w", err)
		}
	}
	if job.BakField != "" {
		if err := volumeio.SaveField(res.BakField, job.BakField); err != nil {
			return fmt.Errorf("failed to save backward field: %w", err)
		}
	}
	if job.RefReg != "" {
		if err := volumeio.Save(res.RefReg, job.RefReg, volumeio.Float32); err != nil {
			return fmt.Errorf("failed to save registered reference image: %w", err)
		}
	}
	return nil
}

func (r *Runner) previews(job Job, ref, flo *models.Volume, res *Result) error {
	dir := filepath.Join(r.QCDir, job.Name())
	panels := []visualization.Panel{
		{Name: "ref", Volume: ref},
		{Name: "flo", Volume: flo},
		{Name: "ref_atlas", Volume: res.RefAtlas},
		{Name: "flo_atlas", Volume: res.FloAtlas},
	}
	if res.FloReg != nil {
		panels = append(panels, visualization.Panel{Name: "flo_reg", Volume: res.FloReg})
	}
	if res.RefReg != nil {
		panels = append(panels, visualization.Panel{Name: "ref_reg", Volume: res.RefReg})
	}
	return visualization.SavePreviews(dir, panels, visualization.DefaultPreviewSize)
}
