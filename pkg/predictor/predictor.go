// Package predictor provides the segmentation and deformation services used
// by the registration pipeline.
//
// The learned models themselves live outside this module. The adapters here
// either compute a trivial answer (IdentityDeformer), replay precomputed
// fields (StaticDeformer), or hand the volumes to an external executable and
// read its answer back (CommandDeformer, CommandSegmenter).
package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"brainreg/internal/models"
	"brainreg/pkg/config"
	"brainreg/pkg/regerr"
	"brainreg/pkg/volumeio"
)

// Deformer predicts inverse-consistent displacement fields between two
// volumes on the atlas grid. fwd is indexed on the floating grid and points
// into the reference, bak the other way round.
type Deformer interface {
	PredictDeformation(ctx context.Context, ref, flo *models.Volume) (fwd, bak *models.Field, err error)
}

// Segmenter returns per-voxel label posteriors for a volume.
type Segmenter interface {
	Segment(ctx context.Context, v *models.Volume) (*models.Posteriors, error)
}

// IdentityDeformer predicts no deformation at all. With it the nonlinear
// stage reduces to the landmark affine.
type IdentityDeformer struct{}

// PredictDeformation returns two zero fields on the grid of ref.
func (IdentityDeformer) PredictDeformation(ctx context.Context, ref, flo *models.Volume) (*models.Field, *models.Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if ref.Shape != flo.Shape {
		return nil, nil, &regerr.GeometryError{
			Op:     "identity deformation",
			Reason: fmt.Sprintf("atlas volumes differ in shape: %v vs %v", ref.Shape, flo.Shape),
		}
	}
	return models.NewField(ref.Shape, ref.Affine), models.NewField(ref.Shape, ref.Affine), nil
}

// StaticDeformer returns the same precomputed pair of fields for every
// request. The files are read once, on first use.
type StaticDeformer struct {
	ForwardPath  string
	BackwardPath string

	once     sync.Once
	fwd, bak *models.Field
	err      error
}

// NewStaticDeformer creates a deformer replaying the fields stored at the two
// paths (.npy or NIfTI, shape (X, Y, Z, 3)).
func NewStaticDeformer(forward, backward string) *StaticDeformer {
	return &StaticDeformer{ForwardPath: forward, BackwardPath: backward}
}

func (d *StaticDeformer) load() {
	d.fwd, d.err = volumeio.LoadField(d.ForwardPath)
	if d.err != nil {
		d.err = fmt.Errorf("failed to load forward field: %w", d.err)
		return
	}
	d.bak, d.err = volumeio.LoadField(d.BackwardPath)
	if d.err != nil {
		d.err = fmt.Errorf("failed to load backward field: %w", d.err)
	}
}

// PredictDeformation returns copies of the stored fields after checking them
// against the atlas grid of ref.
func (d *StaticDeformer) PredictDeformation(ctx context.Context, ref, flo *models.Volume) (*models.Field, *models.Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	d.once.Do(d.load)
	if d.err != nil {
		return nil, nil, d.err
	}
	for _, f := range []*models.Field{d.fwd, d.bak} {
		if f.Shape != ref.Shape {
			return nil, nil, &regerr.GeometryError{
				Op:     "static deformation",
				Reason: fmt.Sprintf("stored field has shape %v, atlas grid is %v", f.Shape, ref.Shape),
			}
		}
	}
	return cloneField(d.fwd, ref), cloneField(d.bak, ref), nil
}

func cloneField(f *models.Field, ref *models.Volume) *models.Field {
	return &models.Field{
		Data:   append([]float64(nil), f.Data...),
		Shape:  f.Shape,
		Affine: ref.Affine,
	}
}

// NewDeformer builds the deformation service selected by cfg.Predictor.Kind.
func NewDeformer(cfg *config.Config, logger *slog.Logger) (Deformer, error) {
	switch cfg.Predictor.Kind {
	case config.PredictorIdentity, "":
		return IdentityDeformer{}, nil
	case config.PredictorStatic:
		return NewStaticDeformer(cfg.Predictor.ForwardField, cfg.Predictor.BackwardField), nil
	case config.PredictorCommand:
		if len(cfg.Predictor.Command) == 0 {
			return nil, &regerr.ConfigurationError{Reason: "command predictor needs a command"}
		}
		return &CommandDeformer{Command: cfg.Predictor.Command, Logger: logger}, nil
	default:
		return nil, &regerr.ConfigurationError{Reason: fmt.Sprintf("unknown predictor kind %q", cfg.Predictor.Kind)}
	}
}

// NewSegmenter builds the segmentation service from cfg.Segmentation. It
// returns nil when no command is configured; callers then require every
// segmentation to exist on disk.
func NewSegmenter(cfg *config.Config, logger *slog.Logger) Segmenter {
	if len(cfg.Segmentation.Command) == 0 {
		return nil
	}
	return &CommandSegmenter{
		Command: cfg.Segmentation.Command,
		Labels:  append([]int(nil), cfg.Segmentation.Labels...),
		Logger:  logger,
	}
}
