package registration

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/config"
	"brainreg/pkg/geometry"
	"brainreg/pkg/interpolation"
	"brainreg/pkg/orientation"
	"brainreg/pkg/regerr"
)

const (
	// CorticalLabelThreshold separates subcortical labels from cortical
	// parcels. A usable segmentation holds at least one label above it.
	CorticalLabelThreshold = 1000

	// posteriorFloor zeroes foreground posteriors at or below it before the
	// hard label is taken.
	posteriorFloor = 0.2

	// foregroundMass is the summed foreground probability above which a
	// voxel belongs to the brain mask.
	foregroundMass = 0.25
)

// SegmentOptions controls how a volume is prepared for the segmentation
// service.
type SegmentOptions struct {
	// Autocrop crops the background before padding
	Autocrop bool

	// Crop is a center crop applied before rescaling, rounded up to a
	// multiple of 2^NLevels; zero disables it and it overrides Autocrop
	Crop [3]int

	// NLevels pads to a multiple of 2^NLevels
	NLevels int

	// MinPad is the smallest padded extent
	MinPad int

	// SpacingTolerance is the accepted deviation of the voxel size from 1 mm
	SpacingTolerance float64

	// Percentiles are the intensity clipping percentiles
	Percentiles [2]float64

	// Labels is the posterior vocabulary
	Labels []int
}

// SegmentOptionsFromConfig reads the segmentation options from cfg.
func SegmentOptionsFromConfig(cfg *config.Config) SegmentOptions {
	opts := SegmentOptions{
		Autocrop:         cfg.Processing.Autocrop,
		NLevels:          cfg.Processing.NLevels,
		MinPad:           cfg.Processing.MinPad,
		SpacingTolerance: cfg.Processing.SpacingTolerance,
		Percentiles:      [2]float64{0.5, 99.5},
		Labels:           append([]int(nil), cfg.Segmentation.Labels...),
	}
	if cr := cfg.Processing.Crop; len(cr) == 3 {
		opts.Crop = [3]int{cr[0], cr[1], cr[2]}
	}
	if p := cfg.Processing.RescalePercentiles; len(p) == 2 {
		opts.Percentiles = [2]float64{p[0], p[1]}
	}
	return opts
}

// Prepared is a volume ready for the segmentation service together with the
// bookkeeping needed to map the answer back.
type Prepared struct {
	// Input is the rescaled, cropped and padded volume
	Input *models.Volume

	// Affine is the affine of the (possibly resampled) volume before it was
	// re-oriented; the final segmentation lives on this grid
	Affine affine.Transform

	// Shape is the re-oriented shape before cropping
	Shape [3]int

	// CropIdx locates the cropped box in Shape; Cropped is false when the
	// volume was not cropped
	CropIdx models.Index6
	Cropped bool

	// PadIdx locates the unpadded data inside Input
	PadIdx models.Index6

	// Resampled is set when the volume was resampled to 1 mm
	Resampled bool
}

// Preprocess prepares v, whose voxel size is spacing, for segmentation.
func Preprocess(v *models.Volume, spacing [3]float64, opts SegmentOptions, s interpolation.Sampler) (*Prepared, error) {
	prep := &Prepared{}

	tol := opts.SpacingTolerance
	if geometry.NeedsResampling(spacing, 1-tol, 1+tol) {
		resampled, err := geometry.ResampleIsotropic(v, 1, s)
		if err != nil {
			return nil, fmt.Errorf("failed to resample to 1mm: %w", err)
		}
		v = resampled
		prep.Resampled = true
	}
	prep.Affine = v.Affine

	aligned, err := orientation.AlignVolume(v, affine.Identity())
	if err != nil {
		return nil, err
	}
	prep.Shape = aligned.Shape
	m := 1 << opts.NLevels

	if opts.Crop != ([3]int{}) {
		var target [3]int
		for a, n := range opts.Crop {
			target[a] = geometry.ClosestMultiple(n, m, geometry.Higher)
		}
		if aligned, prep.CropIdx, err = geometry.Crop(aligned, target, geometry.Center, nil); err != nil {
			return nil, err
		}
		prep.Cropped = true
	}

	im, err := geometry.RescaleIntensities(aligned, 0, 1, opts.Percentiles[0], opts.Percentiles[1])
	if err != nil {
		return nil, err
	}

	if opts.Autocrop && !prep.Cropped {
		idx, err := geometry.AutoCropIndex(im, opts.NLevels)
		if err != nil {
			return nil, &regerr.GeometryError{Op: "autocrop", Reason: err.Error()}
		}
		if im, err = geometry.CropWithIndex(im, idx); err != nil {
			return nil, err
		}
		prep.CropIdx, prep.Cropped = idx, true
	}

	minPad := geometry.ClosestMultiple(opts.MinPad, m, geometry.Higher)
	var padShape [3]int
	for a, n := range im.Shape {
		padShape[a] = max(geometry.ClosestMultiple(n, m, geometry.Higher), minPad)
	}
	prep.Input, prep.PadIdx = geometry.Pad(im, padShape)
	return prep, nil
}

// Segmentation is the outcome of the segmentation chain on the grid of the
// (possibly resampled) input volume.
type Segmentation struct {
	// Labels holds one vocabulary label per voxel
	Labels *models.Volume

	// Posteriors are the cleaned, normalized label probabilities
	Posteriors *models.Posteriors
}

// Volumes returns the soft volume in mm³ of every foreground label, in
// vocabulary order, preceded by their total.
func (s *Segmentation) Volumes() []float64 {
	p := s.Posteriors
	c := p.Channels()
	vox := affine.VoxelSizes(p.Affine)
	scale := vox[0] * vox[1] * vox[2]

	out := make([]float64, c)
	for n := 0; n < len(p.Data); n += c {
		for ch := 1; ch < c; ch++ {
			out[ch] += p.Data[n+ch]
		}
	}
	for ch := 1; ch < c; ch++ {
		out[ch] *= scale
		out[0] += out[ch]
	}
	return out
}

// Postprocess turns the service's posteriors into a segmentation on the grid
// recorded in prep.
func Postprocess(p *models.Posteriors, prep *Prepared) (*Segmentation, error) {
	if err := p.Validate(); err != nil {
		return nil, &regerr.GeometryError{Op: "segmentation postprocess", Reason: err.Error()}
	}
	if p.Shape != prep.Input.Shape {
		return nil, &regerr.GeometryError{
			Op:     "segmentation postprocess",
			Reason: fmt.Sprintf("posteriors have shape %v, input was %v", p.Shape, prep.Input.Shape),
		}
	}
	p = &models.Posteriors{Data: p.Data, Shape: p.Shape, Labels: p.Labels, Affine: prep.Input.Affine}

	post, err := geometry.CropPosteriorsWithIndex(p, prep.PadIdx)
	if err != nil {
		return nil, err
	}
	if err := CleanPosteriors(post); err != nil {
		return nil, err
	}
	seg := HardLabels(post)

	if prep.Cropped {
		if seg, err = geometry.Embed(seg, prep.CropIdx, prep.Shape, 0); err != nil {
			return nil, err
		}
		if post, err = geometry.EmbedPosteriors(post, prep.CropIdx, prep.Shape); err != nil {
			return nil, err
		}
	}
	if seg, err = orientation.AlignVolume(seg, prep.Affine); err != nil {
		return nil, err
	}
	if post, err = orientation.AlignPosteriors(post, prep.Affine); err != nil {
		return nil, err
	}
	return &Segmentation{Labels: seg, Posteriors: post}, nil
}

// CleanPosteriors works in place. Foreground probabilities are zeroed outside
// the largest face-connected component of the voxels whose foreground mass
// exceeds 0.25, and wherever they do not exceed 0.2. Each voxel is then
// renormalized to sum to one.
func CleanPosteriors(p *models.Posteriors) error {
	c := p.Channels()
	n := models.NumVoxels(p.Shape)
	mask := make([]bool, n)
	for v := 0; v < n; v++ {
		fg := 0.0
		for _, q := range p.Data[v*c+1 : v*c+c] {
			fg += q
		}
		mask[v] = fg > foregroundMass
	}
	mask, err := geometry.LargestComponent(mask, p.Shape, geometry.Faces)
	if err != nil {
		return err
	}

	for v := 0; v < n; v++ {
		probs := p.Data[v*c : v*c+c]
		for ch := 1; ch < c; ch++ {
			if !mask[v] || probs[ch] <= posteriorFloor {
				probs[ch] = 0
			}
		}
		sum := 0.0
		for _, q := range probs {
			sum += q
		}
		if sum > 0 {
			for ch := range probs {
				probs[ch] /= sum
			}
		}
	}
	return nil
}

// HardLabels takes the most probable label per voxel. Foreground posteriors
// not above 0.2 are ignored; channel 0 is background.
func HardLabels(p *models.Posteriors) *models.Volume {
	c := p.Channels()
	out := models.NewVolume(p.Shape, p.Affine)
	for idx := range out.Data {
		probs := p.Data[idx*c : idx*c+c]
		best, bestP := 0, probs[0]
		for ch := 1; ch < c; ch++ {
			q := probs[ch]
			if q <= posteriorFloor {
				q = 0
			}
			if q > bestP {
				best, bestP = ch, q
			}
		}
		out.Data[idx] = float64(p.Labels[best])
	}
	return out
}

// Segment runs the full preprocess, segment and postprocess chain for v.
func Segment(ctx context.Context, svc SegmentationService, v *models.Volume, spacing [3]float64, opts SegmentOptions, s interpolation.Sampler, logger *slog.Logger) (*Segmentation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Preprocessing volume for segmentation")
	prep, err := Preprocess(v, spacing, opts, s)
	if err != nil {
		return nil, err
	}
	logger.Debug("segmentation input", "shape", prep.Input.Shape, "resampled", prep.Resampled, "cropped", prep.Cropped)

	logger.Info("Inference / segmentation")
	post, err := svc.Segment(ctx, prep.Input)
	if err != nil {
		return nil, &regerr.ExternalServiceError{Service: "segmentation", Err: err}
	}
	if len(opts.Labels) > 0 && len(post.Labels) == 0 {
		post.Labels = opts.Labels
	}

	logger.Info("Postprocessing segmentation")
	seg, err := Postprocess(post, prep)
	if err != nil {
		return nil, err
	}
	logger.Debug("segmented volumes", "total_mm3", seg.Volumes()[0])
	return seg, nil
}

// CheckSegmentation rounds the labels of seg in place and verifies that it
// carries cortical parcels.
func CheckSegmentation(seg *models.Volume, source string) error {
	found := false
	for n, x := range seg.Data {
		x = math.Round(x)
		seg.Data[n] = x
		if x > CorticalLabelThreshold {
			found = true
		}
	}
	if !found {
		return &regerr.SegmentationValidityError{
			Source: source,
			Reason: "no cortical labels found; does the segmentation include cortical parcels?",
		}
	}
	return nil
}
