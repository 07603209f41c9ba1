package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/config"
	"brainreg/pkg/interpolation"
	"brainreg/pkg/regerr"
)

var segLabels = []int{0, 4, 1001}

func segOptions(autocrop bool) SegmentOptions {
	return SegmentOptions{
		Autocrop:         autocrop,
		NLevels:          3,
		MinPad:           16,
		SpacingTolerance: 0.05,
		Percentiles:      [2]float64{0.5, 99.5},
		Labels:           segLabels,
	}
}

// blob returns a volume with a constant box of intensity 5 on a zero
// background.
func blob(shape [3]int, aff affine.Transform) *models.Volume {
	v := models.NewVolume(shape, aff)
	for idx := range v.Data {
		i, j, k := models.Coords(shape, idx)
		if i >= 3 && i <= 6 && j >= 4 && j <= 8 && k >= 2 && k <= 6 {
			v.Data[idx] = 5
		}
	}
	return v
}

func TestSegmentRoundTrip(t *testing.T) {
	flipped := affine.Transform{
		{-1, 0, 0, 9},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	for _, tc := range []struct {
		name     string
		aff      affine.Transform
		autocrop bool
		crop     [3]int
	}{
		{"identity", affine.Identity(), false, [3]int{}},
		{"identity autocrop", affine.Identity(), true, [3]int{}},
		{"identity crop", affine.Identity(), true, [3]int{6, 7, 5}},
		{"flipped", flipped, false, [3]int{}},
		{"flipped autocrop", flipped, true, [3]int{}},
		{"flipped crop", flipped, false, [3]int{6, 7, 5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := blob([3]int{10, 12, 9}, tc.aff)
			svc := &fakeSegmenter{labels: segLabels, fg: 2}
			opts := segOptions(tc.autocrop)
			opts.Crop = tc.crop

			out, err := Segment(context.Background(), svc, v, [3]float64{1, 1, 1}, opts, interpolation.Sampler{Workers: 1}, nopLogger)
			require.NoError(t, err)
			seg := out.Labels
			assert.Equal(t, v.Shape, out.Posteriors.Shape)
			assert.True(t, affine.ApproxEqual(tc.aff, out.Posteriors.Affine, 1e-12))
			assert.Equal(t, int32(1), svc.calls.Load())

			assert.Equal(t, v.Shape, seg.Shape)
			assert.True(t, affine.ApproxEqual(tc.aff, seg.Affine, 1e-12))
			for n, x := range v.Data {
				want := 0.0
				if x > 0 {
					want = 1001
				}
				if !assert.Equal(t, want, seg.Data[n], "voxel %d", n) {
					return
				}
			}
		})
	}
}

func TestPreprocessPadding(t *testing.T) {
	v := blob([3]int{10, 12, 9}, affine.Identity())

	prep, err := Preprocess(v, [3]float64{1, 1, 1}, segOptions(false), interpolation.Sampler{})
	require.NoError(t, err)
	assert.False(t, prep.Resampled)
	assert.False(t, prep.Cropped)
	assert.Equal(t, [3]int{16, 16, 16}, prep.Input.Shape)
	assert.Equal(t, models.Index6{3, 2, 3, 13, 14, 12}, prep.PadIdx)
	assert.InDelta(t, 1, prep.Input.Max(), 1e-12)

	opts := segOptions(false)
	opts.MinPad = 0
	opts.NLevels = 2
	prep, err = Preprocess(v, [3]float64{1, 1, 1}, opts, interpolation.Sampler{})
	require.NoError(t, err)
	assert.Equal(t, [3]int{12, 12, 12}, prep.Input.Shape)
}

func TestPreprocessExplicitCrop(t *testing.T) {
	v := blob([3]int{10, 12, 9}, affine.Identity())
	opts := segOptions(true)
	opts.Crop = [3]int{6, 7, 5}

	prep, err := Preprocess(v, [3]float64{1, 1, 1}, opts, interpolation.Sampler{})
	require.NoError(t, err)
	assert.True(t, prep.Cropped)
	assert.Equal(t, models.Index6{1, 2, 0, 9, 10, 8}, prep.CropIdx)
	assert.Equal(t, [3]int{16, 16, 16}, prep.Input.Shape)
	assert.Equal(t, models.Index6{4, 4, 4, 12, 12, 12}, prep.PadIdx)
}

func TestSegmentResamplesCoarseVolumes(t *testing.T) {
	aff := affine.Transform{
		{2, 0, 0, 0},
		{0, 2, 0, 0},
		{0, 0, 2, 0},
		{0, 0, 0, 1},
	}
	v := blob([3]int{10, 12, 9}, aff)
	opts := segOptions(false)

	prep, err := Preprocess(v, v.VoxelSize(), opts, interpolation.Sampler{})
	require.NoError(t, err)
	assert.True(t, prep.Resampled)
	assert.Equal(t, [3]float64{1, 1, 1}, affine.VoxelSizes(prep.Affine))

	seg, err := Segment(context.Background(), &fakeSegmenter{labels: segLabels, fg: 1}, v, v.VoxelSize(), opts, interpolation.Sampler{}, nopLogger)
	require.NoError(t, err)
	assert.Equal(t, [3]int{20, 24, 18}, seg.Labels.Shape)
	assert.Contains(t, seg.Labels.Data, 4.0)
}

type failingSegmenter struct{ err error }

func (s failingSegmenter) Segment(context.Context, *models.Volume) (*models.Posteriors, error) {
	return nil, s.err
}

func TestSegmentServiceFailure(t *testing.T) {
	cause := errors.New("no GPU")
	v := blob([3]int{10, 12, 9}, affine.Identity())

	_, err := Segment(context.Background(), failingSegmenter{cause}, v, [3]float64{1, 1, 1}, segOptions(false), interpolation.Sampler{}, nil)
	var ext *regerr.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "segmentation", ext.Service)
	assert.ErrorIs(t, err, cause)
}

func TestPostprocessRejectsWrongShape(t *testing.T) {
	v := blob([3]int{10, 12, 9}, affine.Identity())
	prep, err := Preprocess(v, [3]float64{1, 1, 1}, segOptions(false), interpolation.Sampler{})
	require.NoError(t, err)

	small := models.NewVolume([3]int{8, 8, 8}, affine.Identity())
	post, err := (&fakeSegmenter{labels: segLabels, fg: 1}).Segment(context.Background(), small)
	require.NoError(t, err)

	_, err = Postprocess(post, prep)
	var geo *regerr.GeometryError
	assert.ErrorAs(t, err, &geo)
}

func TestCleanPosteriorsKeepsLargestComponent(t *testing.T) {
	shape := [3]int{6, 3, 3}
	p := &models.Posteriors{
		Data:   make([]float64, models.NumVoxels(shape)*len(segLabels)),
		Shape:  shape,
		Labels: segLabels,
		Affine: affine.Identity(),
	}
	set := func(i, j, k int, probs ...float64) {
		copy(p.Data[models.Index(shape, i, j, k)*3:], probs)
	}
	for idx := 0; idx < models.NumVoxels(shape); idx++ {
		i, j, k := models.Coords(shape, idx)
		set(i, j, k, 1, 0, 0)
	}
	// a 2x3x3 slab and a detached island at i = 5
	for j := 0; j < 3; j++ {
		for k := 0; k < 3; k++ {
			set(0, j, k, 0.2, 0.8, 0)
			set(1, j, k, 0.4, 0.15, 0.45)
		}
	}
	set(5, 1, 1, 0.1, 0, 0.9)
	// foreground mass 0.2 stays outside the mask
	set(3, 1, 1, 0.8, 0.1, 0.1)

	require.NoError(t, CleanPosteriors(p))
	at := func(i, j, k int) []float64 {
		n := models.Index(shape, i, j, k) * 3
		return p.Data[n : n+3]
	}
	assert.Equal(t, []float64{0.2, 0.8, 0}, at(0, 1, 1))
	assert.InDeltaSlice(t, []float64{0.4 / 0.85, 0, 0.45 / 0.85}, at(1, 2, 0), 1e-12, "0.15 is below the floor")
	assert.Equal(t, []float64{1, 0, 0}, at(5, 1, 1), "the island is dropped and renormalized")
	assert.Equal(t, []float64{1, 0, 0}, at(3, 1, 1))

	seg := HardLabels(p)
	assert.Equal(t, 4.0, seg.At(0, 0, 0))
	assert.Equal(t, 1001.0, seg.At(1, 1, 1))
	assert.Equal(t, 0.0, seg.At(5, 1, 1))
}

func TestSegmentationVolumes(t *testing.T) {
	aff := affine.Transform{
		{2, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	s := &Segmentation{Posteriors: &models.Posteriors{
		Data:   []float64{1, 0, 0, 0.5, 0.5, 0, 0, 0.25, 0.75},
		Shape:  [3]int{3, 1, 1},
		Labels: segLabels,
		Affine: aff,
	}}
	assert.Equal(t, []float64{3, 1.5, 1.5}, s.Volumes())
}

func TestHardLabels(t *testing.T) {
	p := &models.Posteriors{
		Shape:  [3]int{5, 1, 1},
		Labels: segLabels,
		Affine: affine.Identity(),
		Data: []float64{
			0.3, 0.6, 0.1, // clear winner
			0.5, 0.15, 0.35, // background wins
			0.15, 0.2, 0.1, // foreground at the floor is ignored
			0.1, 0.25, 0.65, // cortical label
			0.0, 0.21, 0.0, // just above the floor
		},
	}
	seg := HardLabels(p)
	assert.Equal(t, []float64{4, 0, 0, 1001, 4}, seg.Data)
}

func TestCheckSegmentation(t *testing.T) {
	seg := models.NewVolume([3]int{3, 1, 1}, affine.Identity())
	seg.Data = []float64{0, 2.4, 1000.6}
	require.NoError(t, CheckSegmentation(seg, "seg.nii.gz"))
	assert.Equal(t, []float64{0, 2, 1001}, seg.Data)

	seg.Data = []float64{0, 2, 1000}
	err := CheckSegmentation(seg, "subcortical.nii.gz")
	var invalid *regerr.SegmentationValidityError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "subcortical.nii.gz", invalid.Source)
}

func TestSegmentOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Processing.Autocrop = true
	cfg.Processing.RescalePercentiles = []float64{1, 99}
	cfg.Processing.Crop = []int{160, 160, 192}

	opts := SegmentOptionsFromConfig(cfg)
	assert.True(t, opts.Autocrop)
	assert.Equal(t, [2]float64{1, 99}, opts.Percentiles)
	assert.Equal(t, [3]int{160, 160, 192}, opts.Crop)
	assert.Equal(t, cfg.Processing.NLevels, opts.NLevels)
	assert.Equal(t, cfg.Segmentation.Labels, opts.Labels)
}
