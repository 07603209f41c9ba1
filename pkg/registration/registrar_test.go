package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/regerr"
)

const voxelTol = 1e-6

func newRegistrar(t *testing.T, atlas Atlas, params Params, d DeformationService) *Registrar {
	t.Helper()
	r, err := New(atlas, params, d, nopLogger)
	require.NoError(t, err)
	return r
}

func TestIdenticalPairAffineOnly(t *testing.T) {
	img, seg := phantom(affine.Identity())
	params := phantomParams(allOutputs)
	params.AffineOnly = true
	r := newRegistrar(t, phantomAtlas(seg), params, nil)

	res, err := r.Process(context.Background(), Pair{Ref: img, Flo: img.Clone(), RefSeg: seg, FloSeg: seg.Clone()})
	require.NoError(t, err)

	assert.True(t, affine.ApproxEqual(res.RefToAtlas, affine.Identity(), 1e-8), "ref affine %s", res.RefToAtlas)
	assert.True(t, affine.ApproxEqual(res.FloToAtlas, res.RefToAtlas, 1e-8))
	assert.Equal(t, len(phantomLabels), res.RefLandmarks)
	assert.Equal(t, len(phantomLabels), res.FloLandmarks)

	require.NotNil(t, res.FloReg)
	require.NotNil(t, res.RefReg)
	assert.InDeltaSlice(t, img.Data, res.FloReg.Data, voxelTol)
	assert.InDeltaSlice(t, img.Data, res.RefReg.Data, voxelTol)

	require.NotNil(t, res.Quality)
	assert.InDelta(t, 1, res.Quality.Correlation, 1e-9)
	assert.InDelta(t, 0, res.Quality.RMSE, 1e-6)
}

func TestIdenticalPairFieldsHoldWorldCoordinates(t *testing.T) {
	img, seg := phantom(affine.Identity())
	d := &fakeDeformer{}
	r := newRegistrar(t, phantomAtlas(seg), phantomParams(allOutputs), d)

	res, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.calls.Load())

	require.NotNil(t, res.FwdField)
	require.NotNil(t, res.BakField)
	assert.Equal(t, img.Shape, res.FwdField.Shape)
	for _, p := range [][3]int{{0, 0, 0}, {3, 7, 11}, {20, 20, 20}} {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, float64(p[c]), res.FwdField.At(p[0], p[1], p[2], c), 1e-8)
			assert.InDelta(t, float64(p[c]), res.BakField.At(p[0], p[1], p[2], c), 1e-8)
		}
	}

	// atlas-space images are masked to the segmentation and normalized
	require.NotNil(t, res.RefAtlas)
	assert.InDelta(t, 1, res.RefAtlas.Max(), 1e-12)
	assert.Zero(t, res.RefAtlas.At(10, 2, 2))
	assert.Greater(t, res.RefAtlas.At(5, 5, 5), 0.0)
}

func TestRotatedPair(t *testing.T) {
	ref, refSeg := phantom(affine.Identity())
	flo, floSeg := rotateZ(ref), rotateZ(refSeg)
	r := newRegistrar(t, phantomAtlas(refSeg), phantomParams(allOutputs), &fakeDeformer{})

	res, err := r.Process(context.Background(), Pair{Ref: ref, Flo: flo, RefSeg: refSeg, FloSeg: floSeg})
	require.NoError(t, err)

	// the floating landmark affine is the 90 degree rotation itself
	want := affine.Transform{
		{0, -1, 0, 20},
		{1, 0, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	assert.True(t, affine.ApproxEqual(res.FloToAtlas, want, 1e-8), "got %s", res.FloToAtlas)

	assert.InDeltaSlice(t, ref.Data, res.FloReg.Data, voxelTol)
	assert.InDeltaSlice(t, flo.Data, res.RefReg.Data, voxelTol)
}

func TestOutputsStayOnNativeGrid(t *testing.T) {
	native := affine.Transform{
		{-1, 0, 0, 20},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	img, seg := phantom(native)
	r := newRegistrar(t, phantomAtlas(seg), phantomParams(Outputs{FloReg: true, FwdField: true}), &fakeDeformer{})

	res, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	require.NoError(t, err)

	assert.Nil(t, res.RefReg)
	assert.Nil(t, res.BakField)
	assert.True(t, affine.ApproxEqual(res.FloReg.Affine, native, 1e-12))
	assert.InDeltaSlice(t, img.Data, res.FloReg.Data, voxelTol)

	// voxel (2, 0, 0) sits at world x = 18
	assert.InDelta(t, 18, res.FwdField.At(2, 0, 0, 0), 1e-8)
}

// flippedBorderVolume has no zero voxel, so the boundary face dropped by
// trilinear sampling shows up in the output.
func flippedBorderVolume() *models.Volume {
	native := affine.Transform{
		{-1, 0, 0, 20},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	v := models.NewVolume([3]int{phantomSize, phantomSize, phantomSize}, native)
	for idx := range v.Data {
		i, j, k := models.Coords(v.Shape, idx)
		v.Data[idx] = 1 + float64(i) + float64(j+k)/10
	}
	return v
}

func TestSamplingDropsNativeLowerFace(t *testing.T) {
	img := flippedBorderVolume()
	_, seg := phantom(img.Affine)
	r := newRegistrar(t, Atlas{Shape: img.Shape, Affine: affine.Identity()}, Params{AffineOnly: true, Workers: 2}, nil)

	s, err := r.orient("flipped", img, seg)
	require.NoError(t, err)
	assert.Same(t, img, s.img, "images are sampled on their native grid")
	assert.Greater(t, s.canon.Affine[0][0], 0.0, "centroids are taken in RAS order")

	s.toAtl = affine.Identity()
	world, err := r.worldMap(s, s, nil)
	require.NoError(t, err)
	out, err := r.resample(s, world, s)
	require.NoError(t, err)

	assert.Equal(t, 0.0, out.At(0, 10, 10), "native index 0 sits on the strict lower bound")
	assert.Equal(t, img.At(phantomSize-1, 10, 10), out.At(phantomSize-1, 10, 10))
	assert.Equal(t, img.At(10, 10, 10), out.At(10, 10, 10))
	assert.Equal(t, 0.0, out.At(10, 0, 10))
}

func TestFlippedPairWithoutBackground(t *testing.T) {
	img := flippedBorderVolume()
	_, seg := phantom(img.Affine)
	params := phantomParams(Outputs{FloReg: true})
	params.AffineOnly = true
	r := newRegistrar(t, phantomAtlas(seg), params, nil)

	res, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	require.NoError(t, err)
	assert.Equal(t, img.Affine, res.FloReg.Affine)
	for idx, x := range img.Data {
		i, j, k := models.Coords(img.Shape, idx)
		if min(i, j, k) >= 1 && max(i, j, k) <= phantomSize-2 {
			require.InDelta(t, x, res.FloReg.Data[idx], 1e-6, "voxel (%d, %d, %d)", i, j, k)
		}
	}
}

func TestDisplacementIsApplied(t *testing.T) {
	img, seg := phantom(affine.Identity())
	d := &fakeDeformer{bak: [3]float64{1, 0, 0}, fwd: [3]float64{-1, 0, 0}}
	r := newRegistrar(t, phantomAtlas(seg), phantomParams(Outputs{FloReg: true, RefReg: true}), d)

	res, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	require.NoError(t, err)

	// the reference grid follows bak: one voxel along x
	assert.InDelta(t, img.At(11, 10, 10), res.FloReg.At(10, 10, 10), voxelTol)
	// the floating grid follows fwd
	assert.InDelta(t, img.At(9, 10, 10), res.RefReg.At(10, 10, 10), voxelTol)
}

func TestDeformationFailureIsWrapped(t *testing.T) {
	img, seg := phantom(affine.Identity())
	cause := errors.New("model crashed")
	r := newRegistrar(t, phantomAtlas(seg), phantomParams(allOutputs), &fakeDeformer{err: cause})

	_, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	require.Error(t, err)

	var ext *regerr.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "deformation", ext.Service)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "external", regerr.Kind(err))
}

type wrongShapeDeformer struct{}

func (wrongShapeDeformer) PredictDeformation(ctx context.Context, ref, flo *models.Volume) (*models.Field, *models.Field, error) {
	f := models.NewField([3]int{4, 4, 4}, ref.Affine)
	return f, f, nil
}

func TestDeformationShapeMismatch(t *testing.T) {
	img, seg := phantom(affine.Identity())
	r := newRegistrar(t, phantomAtlas(seg), phantomParams(allOutputs), wrongShapeDeformer{})

	_, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	var geo *regerr.GeometryError
	assert.ErrorAs(t, err, &geo)
}

func TestInsufficientLandmarks(t *testing.T) {
	img, seg := phantom(affine.Identity())
	atlas := phantomAtlas(seg)

	// keep only three labels in the floating segmentation
	sparse := seg.Clone()
	for n, x := range sparse.Data {
		if x == 1001 || x == 2001 || x == 7 {
			sparse.Data[n] = 0
		}
	}
	r := newRegistrar(t, atlas, phantomParams(allOutputs), &fakeDeformer{})

	_, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: sparse})
	var lm *regerr.InsufficientLandmarksError
	require.ErrorAs(t, err, &lm)
	assert.Equal(t, 3, lm.Found)
}

func TestConfigurationErrors(t *testing.T) {
	img, seg := phantom(affine.Identity())
	atlas := phantomAtlas(seg)
	var cfgErr *regerr.ConfigurationError

	_, err := New(atlas, phantomParams(allOutputs), nil, nopLogger)
	assert.ErrorAs(t, err, &cfgErr, "nonlinear run without deformer")

	r := newRegistrar(t, atlas, phantomParams(Outputs{}), &fakeDeformer{})
	_, err = r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	assert.ErrorAs(t, err, &cfgErr, "no outputs")

	_, err = r.WithOutputs(allOutputs).Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg})
	assert.ErrorAs(t, err, &cfgErr, "missing segmentation")
	assert.False(t, r.Params().Outputs.Any(), "WithOutputs must not modify the receiver")
}

func TestAffineOnlySkipsDeformer(t *testing.T) {
	img, seg := phantom(affine.Identity())
	d := &fakeDeformer{err: errors.New("must not be called")}
	params := phantomParams(Outputs{FloReg: true})
	params.AffineOnly = true
	r := newRegistrar(t, phantomAtlas(seg), params, d)

	_, err := r.Process(context.Background(), Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	require.NoError(t, err)
	assert.Zero(t, d.calls.Load())
}

func TestCancelledContext(t *testing.T) {
	img, seg := phantom(affine.Identity())
	d := &fakeDeformer{}
	r := newRegistrar(t, phantomAtlas(seg), phantomParams(allOutputs), d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Process(ctx, Pair{Ref: img, Flo: img, RefSeg: seg, FloSeg: seg})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.calls.Load())
}

func TestCompare(t *testing.T) {
	img, _ := phantom(affine.Identity())

	q, err := Compare(img, img)
	require.NoError(t, err)
	assert.InDelta(t, 1, q.Correlation, 1e-9)
	assert.InDelta(t, 1, q.SSIM, 1e-9)
	assert.Zero(t, q.RMSE)
	assert.Equal(t, 17*17*17, q.Voxels)

	shifted := img.Clone()
	for n := range shifted.Data {
		if shifted.Data[n] > 0 {
			shifted.Data[n] += 30
		}
	}
	q2, err := Compare(img, shifted)
	require.NoError(t, err)
	assert.Less(t, q2.SSIM, q.SSIM)
	assert.Greater(t, q2.RMSE, 0.0)

	empty := models.NewVolume(img.Shape, img.Affine)
	_, err = Compare(empty, empty)
	assert.Error(t, err)

	_, err = Compare(img, models.NewVolume([3]int{2, 2, 2}, img.Affine))
	assert.Error(t, err)
}
