// Package registration aligns a floating brain MRI volume onto a reference
// volume.
//
// The pipeline runs in stages, strictly in order for one pair:
//
//  1. Orient: segmentations are re-indexed to RAS so that label centroids
//     are extracted along agreeing voxel axes.
//  2. Linear alignment: label centroids of both segmentations are matched
//     against the atlas centroids and each image is resampled into the atlas
//     canvas through its landmark affine.
//  3. Nonlinear alignment: a DeformationService predicts displacement fields
//     between the two atlas-space images (skipped for affine-only runs).
//  4. Composition: the affines and the displacement are chained into world
//     coordinate maps on the reference and floating grids.
//  5. Resampling: each image is sampled on the other's map.
//
// Every sampling step reads the volumes on their native grids, so outputs
// are already in the native orientation of the grid they live on and the
// zeroed boundary face of trilinear sampling is the native index 0.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/config"
	"brainreg/pkg/geometry"
	"brainreg/pkg/interpolation"
	"brainreg/pkg/landmark"
	"brainreg/pkg/orientation"
	"brainreg/pkg/regerr"
)

// SegmentationService produces label posteriors for a preprocessed volume.
type SegmentationService interface {
	Segment(ctx context.Context, v *models.Volume) (*models.Posteriors, error)
}

// DeformationService predicts inverse-consistent displacement fields between
// two volumes on the atlas grid. Displacements are in atlas voxels. The
// reference-grid map follows bak and the floating-grid map follows fwd.
type DeformationService interface {
	PredictDeformation(ctx context.Context, ref, flo *models.Volume) (fwd, bak *models.Field, err error)
}

// Atlas is the canonical space landmarks are matched in.
type Atlas struct {
	Shape     [3]int
	Affine    affine.Transform
	Landmarks landmark.Set
}

// AtlasFromConfig validates the atlas section of a configuration and builds
// the landmark set from it.
func AtlasFromConfig(a config.AtlasConfig) (Atlas, error) {
	if err := a.Validate(); err != nil {
		return Atlas{}, err
	}
	aff, err := a.Transform()
	if err != nil {
		return Atlas{}, err
	}
	set, err := landmark.AtlasLandmarks(a.Labels, a.CentroidTable())
	if err != nil {
		return Atlas{}, &regerr.ConfigurationError{Reason: err.Error()}
	}
	return Atlas{Shape: a.Grid(), Affine: aff, Landmarks: set}, nil
}

// Labels returns the landmark labels of the atlas.
func (a Atlas) Labels() []int {
	out := make([]int, len(a.Landmarks))
	for n, l := range a.Landmarks {
		out[n] = l.Label
	}
	return out
}

// Outputs selects which results a run computes.
type Outputs struct {
	RefReg   bool // reference resampled onto the floating grid
	FloReg   bool // floating resampled onto the reference grid
	FwdField bool // world coordinates on the reference grid
	BakField bool // world coordinates on the floating grid
}

// Any reports whether at least one output is requested.
func (o Outputs) Any() bool {
	return o.RefReg || o.FloReg || o.FwdField || o.BakField
}

// Params holds the registration parameters.
type Params struct {
	// AffineOnly skips the nonlinear stage
	AffineOnly bool

	// MinLandmarkVoxels is the voxel count a label must exceed to be a landmark
	MinLandmarkVoxels int

	// Workers is the number of interpolation goroutines; <= 0 uses all cores
	Workers int

	// Outputs selects the results to compute
	Outputs Outputs
}

// ParamsFromConfig fills Params from the processing section of cfg. Outputs
// are left for the caller.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		AffineOnly:        cfg.Processing.AffineOnly,
		MinLandmarkVoxels: cfg.Processing.MinLandmarkVoxels,
		Workers:           cfg.Workers(),
	}
}

// Pair is one registration problem. Segmentations carry integer labels.
type Pair struct {
	Ref, Flo       *models.Volume
	RefSeg, FloSeg *models.Volume
}

// Result holds everything a run produced. Only the outputs requested in
// Params.Outputs are set.
type Result struct {
	// RefToAtlas and FloToAtlas map atlas world coordinates to the world
	// coordinates of each subject
	RefToAtlas affine.Transform
	FloToAtlas affine.Transform

	// RefLandmarks and FloLandmarks are the valid landmark counts
	RefLandmarks int
	FloLandmarks int

	// RefAtlas and FloAtlas are the normalized images in the atlas canvas
	RefAtlas *models.Volume
	FloAtlas *models.Volume

	FloReg   *models.Volume
	RefReg   *models.Volume
	FwdField *models.Field
	BakField *models.Field

	// Quality compares FloReg against the reference when FloReg is computed
	Quality *Quality
}

// Registrar runs the registration pipeline. It is safe for concurrent use:
// all state is read-only after New.
type Registrar struct {
	atlas    Atlas
	params   Params
	deformer DeformationService
	sampler  interpolation.Sampler
	logger   *slog.Logger

	atlasInv affine.Transform
}

// New creates a registrar. deformer may be nil for affine-only runs.
func New(atlas Atlas, params Params, deformer DeformationService, logger *slog.Logger) (*Registrar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !params.AffineOnly && deformer == nil {
		return nil, &regerr.ConfigurationError{Reason: "nonlinear registration needs a deformation service"}
	}
	if params.MinLandmarkVoxels < 0 {
		return nil, &regerr.ConfigurationError{Reason: "minimum landmark voxel count must not be negative"}
	}
	inv, err := affine.Invert(atlas.Affine)
	if err != nil {
		return nil, fmt.Errorf("atlas affine: %w", err)
	}
	return &Registrar{
		atlas:    atlas,
		params:   params,
		deformer: deformer,
		sampler:  interpolation.Sampler{Workers: params.Workers},
		logger:   logger,
		atlasInv: inv,
	}, nil
}

// Params returns the parameters the registrar was built with.
func (r *Registrar) Params() Params {
	return r.params
}

// Sampler returns the interpolation sampler shared by all stages.
func (r *Registrar) Sampler() interpolation.Sampler {
	return r.sampler
}

// WithOutputs returns a shallow copy of r computing outs instead.
func (r *Registrar) WithOutputs(outs Outputs) *Registrar {
	cp := *r
	cp.params.Outputs = outs
	return &cp
}

// subject is one side of a pair. img and seg stay on their native grids;
// canon is seg re-indexed to RAS for centroid extraction.
type subject struct {
	name  string
	img   *models.Volume
	seg   *models.Volume
	canon *models.Volume
	toAtl affine.Transform // M: atlas world -> subject world
	inv   affine.Transform // inverse of img.Affine
}

// Process registers one pair.
func (r *Registrar) Process(ctx context.Context, pair Pair) (*Result, error) {
	if pair.Ref == nil || pair.Flo == nil || pair.RefSeg == nil || pair.FloSeg == nil {
		return nil, &regerr.ConfigurationError{Reason: "reference, floating and both segmentations are required"}
	}
	if !r.params.Outputs.Any() {
		return nil, &regerr.ConfigurationError{Reason: "at least one of registered reference, registered floating, forward field or backward field must be requested"}
	}
	start := time.Now()
	res := &Result{}

	// Step 1: Orient
	r.logger.Info("Step 1: Canonicalizing orientation...")
	ref, err := r.orient("reference", pair.Ref, pair.RefSeg)
	if err != nil {
		return nil, err
	}
	flo, err := r.orient("floating", pair.Flo, pair.FloSeg)
	if err != nil {
		return nil, err
	}

	// Step 2: Linear alignment
	r.logger.Info("Step 2: Computing centroids and estimating affine transforms...")
	if res.RefLandmarks, err = r.solveLandmarks(ref); err != nil {
		return nil, err
	}
	if res.FloLandmarks, err = r.solveLandmarks(flo); err != nil {
		return nil, err
	}
	res.RefToAtlas, res.FloToAtlas = ref.toAtl, flo.toAtl

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.logger.Info("Step 3: Resampling images into atlas space...")
	if res.RefAtlas, err = r.toAtlas(ref); err != nil {
		return nil, err
	}
	if res.FloAtlas, err = r.toAtlas(flo); err != nil {
		return nil, err
	}

	// Step 4: Nonlinear alignment
	var fwd, bak *models.Field
	if r.params.AffineOnly {
		r.logger.Info("Step 4: Skipping nonlinear registration")
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.logger.Info("Step 4: Predicting nonlinear deformation...")
		if fwd, bak, err = r.predict(ctx, res.RefAtlas, res.FloAtlas); err != nil {
			return nil, err
		}
	}

	// Step 5: Compose and resample
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outs := r.params.Outputs
	if outs.FloReg || outs.FwdField {
		r.logger.Info("Step 5: Computing forward map...")
		world, err := r.worldMap(ref, flo, bak)
		if err != nil {
			return nil, err
		}
		if outs.FwdField {
			res.FwdField = world.AsField(ref.img.Affine)
		}
		if outs.FloReg {
			r.logger.Info("Deforming floating image")
			reg, err := r.resample(flo, world, ref)
			if err != nil {
				return nil, err
			}
			res.Quality = r.quality(reg, ref.img)
			res.FloReg = reg
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if outs.RefReg || outs.BakField {
		r.logger.Info("Step 6: Computing backward map...")
		world, err := r.worldMap(flo, ref, fwd)
		if err != nil {
			return nil, err
		}
		if outs.BakField {
			res.BakField = world.AsField(flo.img.Affine)
		}
		if outs.RefReg {
			r.logger.Info("Deforming reference image")
			reg, err := r.resample(ref, world, flo)
			if err != nil {
				return nil, err
			}
			res.RefReg = reg
		}
	}

	r.logger.Info("Registration finished", "duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (r *Registrar) orient(name string, img, seg *models.Volume) (*subject, error) {
	if err := img.Validate(); err != nil {
		return nil, &regerr.GeometryError{Op: "orient " + name, Reason: err.Error()}
	}
	if err := seg.Validate(); err != nil {
		return nil, &regerr.GeometryError{Op: "orient " + name + " segmentation", Reason: err.Error()}
	}
	inv, err := affine.Invert(img.Affine)
	if err != nil {
		return nil, fmt.Errorf("%s image: %w", name, err)
	}

	canon := seg
	ras, err := orientation.IsAligned(seg.Affine, affine.Identity())
	if err != nil {
		return nil, fmt.Errorf("%s segmentation: %w", name, err)
	}
	if !ras {
		if canon, err = orientation.AlignVolume(seg, affine.Identity()); err != nil {
			return nil, fmt.Errorf("%s segmentation: %w", name, err)
		}
	}
	r.logger.Debug("oriented segmentation", "subject", name, "ras", ras, "shape", canon.Shape, "native_shape", seg.Shape)
	return &subject{name: name, img: img, seg: seg, canon: canon, inv: inv}, nil
}

func (r *Registrar) solveLandmarks(s *subject) (int, error) {
	set := landmark.Centroids(s.canon, r.atlas.Labels(), r.params.MinLandmarkVoxels)
	if missing := set.Missing(); len(missing) > 0 {
		r.logger.Debug("labels too small to be landmarks", "subject", s.name, "labels", missing)
	}
	m, err := landmark.Solve(r.atlas.Landmarks, set)
	if err != nil {
		return 0, fmt.Errorf("%s landmarks: %w", s.name, err)
	}
	s.toAtl = m
	r.logger.Debug("landmark affine", "subject", s.name, "landmarks", set.NumValid(), "affine", m.String())
	return set.NumValid(), nil
}

// toAtlas resamples a subject into the atlas canvas, zeroes it outside its
// own segmentation and scales it to a maximum of 1.
func (r *Registrar) toAtlas(s *subject) (*models.Volume, error) {
	imgGrid := r.sampler.AffineGrid(r.atlas.Shape, affine.Compose(s.inv, s.toAtl, r.atlas.Affine))
	lin, err := r.sampler.Volume(s.img, imgGrid, interpolation.Linear, r.atlas.Affine)
	if err != nil {
		return nil, fmt.Errorf("%s to atlas: %w", s.name, err)
	}

	segInv, err := affine.Invert(s.seg.Affine)
	if err != nil {
		return nil, fmt.Errorf("%s segmentation: %w", s.name, err)
	}
	segGrid := r.sampler.AffineGrid(r.atlas.Shape, affine.Compose(segInv, s.toAtl, r.atlas.Affine))
	segLin, err := r.sampler.Volume(s.seg, segGrid, interpolation.Nearest, r.atlas.Affine)
	if err != nil {
		return nil, fmt.Errorf("%s segmentation to atlas: %w", s.name, err)
	}

	if err := geometry.MaskWhere(lin, segLin); err != nil {
		return nil, err
	}
	geometry.Normalize(lin)
	return lin, nil
}

func (r *Registrar) predict(ctx context.Context, refAtlas, floAtlas *models.Volume) (*models.Field, *models.Field, error) {
	fwd, bak, err := r.deformer.PredictDeformation(ctx, refAtlas, floAtlas)
	if err != nil {
		return nil, nil, &regerr.ExternalServiceError{Service: "deformation", Err: err}
	}
	for _, f := range []*models.Field{fwd, bak} {
		if err := f.Validate(); err != nil {
			return nil, nil, &regerr.GeometryError{Op: "deformation", Reason: err.Error()}
		}
		if f.Shape != r.atlas.Shape {
			return nil, nil, &regerr.GeometryError{
				Op:     "deformation",
				Reason: fmt.Sprintf("predicted field has shape %v, atlas grid is %v", f.Shape, r.atlas.Shape),
			}
		}
	}
	return fwd, bak, nil
}

// worldMap returns, for every voxel of target, the world position in source
// space it corresponds to: target voxel -> atlas voxel through target's
// landmark affine, displaced by disp when set, then out through source's
// landmark affine.
func (r *Registrar) worldMap(target, source *subject, disp *models.Field) (*interpolation.Grid, error) {
	toAtlInv, err := affine.Invert(target.toAtl)
	if err != nil {
		return nil, fmt.Errorf("%s landmark affine: %w", target.name, err)
	}
	grid := r.sampler.AffineGrid(target.img.Shape, affine.Compose(r.atlasInv, toAtlInv, target.img.Affine))
	if disp != nil {
		d, err := r.sampler.Vector(disp, grid)
		if err != nil {
			return nil, err
		}
		if grid, err = r.sampler.Displace(grid, d); err != nil {
			return nil, err
		}
	}
	return r.sampler.Transform(grid, affine.Compose(source.toAtl, r.atlas.Affine)), nil
}

// resample samples source's image at the world positions of world, which
// lives on target's grid.
func (r *Registrar) resample(source *subject, world *interpolation.Grid, target *subject) (*models.Volume, error) {
	vox := r.sampler.Transform(world, source.inv)
	out, err := r.sampler.Volume(source.img, vox, interpolation.Linear, target.img.Affine)
	if err != nil {
		return nil, fmt.Errorf("resample %s: %w", source.name, err)
	}
	return out, nil
}

func (r *Registrar) quality(reg, ref *models.Volume) *Quality {
	q, err := Compare(ref, reg)
	if err != nil {
		r.logger.Warn("Failed to compute quality metrics", "error", err)
		return nil
	}
	r.logger.Info("Registration quality", "correlation", q.Correlation, "ssim", q.SSIM, "rmse", q.RMSE)
	return q
}
