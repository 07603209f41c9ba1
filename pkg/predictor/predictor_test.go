package predictor

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainreg/internal/logging"
	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/config"
	"brainreg/pkg/regerr"
	"brainreg/pkg/volumeio"
)

func atlasPair(shape [3]int) (*models.Volume, *models.Volume) {
	ref := models.NewVolume(shape, affine.Identity())
	flo := models.NewVolume(shape, affine.Identity())
	for n := range ref.Data {
		ref.Data[n] = float64(n)
		flo.Data[n] = float64(2 * n)
	}
	return ref, flo
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestIdentityDeformer(t *testing.T) {
	ref, flo := atlasPair([3]int{3, 4, 5})
	fwd, bak, err := IdentityDeformer{}.PredictDeformation(context.Background(), ref, flo)
	require.NoError(t, err)
	assert.Equal(t, ref.Shape, fwd.Shape)
	assert.Equal(t, ref.Shape, bak.Shape)
	for _, x := range fwd.Data {
		assert.Zero(t, x)
	}

	flo.Shape = [3]int{5, 4, 3}
	_, _, err = IdentityDeformer{}.PredictDeformation(context.Background(), ref, flo)
	var gerr *regerr.GeometryError
	assert.True(t, errors.As(err, &gerr))
}

func TestIdentityDeformerHonoursContext(t *testing.T) {
	ref, flo := atlasPair([3]int{2, 2, 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := IdentityDeformer{}.PredictDeformation(ctx, ref, flo)
	assert.ErrorIs(t, err, context.Canceled)
}

func writeField(t *testing.T, path string, shape [3]int, val float64) {
	t.Helper()
	f := models.NewField(shape, affine.Identity())
	for n := range f.Data {
		f.Data[n] = val + float64(n%3)
	}
	require.NoError(t, volumeio.SaveField(f, path))
}

func TestStaticDeformer(t *testing.T) {
	dir := t.TempDir()
	shape := [3]int{3, 2, 2}
	writeField(t, filepath.Join(dir, "fwd.npy"), shape, 1)
	writeField(t, filepath.Join(dir, "bak.npy"), shape, -1)

	d := NewStaticDeformer(filepath.Join(dir, "fwd.npy"), filepath.Join(dir, "bak.npy"))
	ref, flo := atlasPair(shape)
	fwd, bak, err := d.PredictDeformation(context.Background(), ref, flo)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, fwd.Data[:3])
	assert.Equal(t, []float64{-1, 0, 1}, bak.Data[:3])

	// callers own the returned fields
	fwd.Data[0] = 100
	again, _, err := d.PredictDeformation(context.Background(), ref, flo)
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.Data[0])

	small, _ := atlasPair([3]int{2, 2, 2})
	_, _, err = d.PredictDeformation(context.Background(), small, small)
	var gerr *regerr.GeometryError
	assert.True(t, errors.As(err, &gerr))
}

func TestStaticDeformerMissingFile(t *testing.T) {
	d := NewStaticDeformer(filepath.Join(t.TempDir(), "none.npy"), "also-none.npy")
	ref, flo := atlasPair([3]int{2, 2, 2})
	_, _, err := d.PredictDeformation(context.Background(), ref, flo)
	assert.ErrorContains(t, err, "forward field")
}

func TestCommandDeformer(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	shape := [3]int{4, 3, 2}
	canned := filepath.Join(dir, "canned.npy")
	writeField(t, canned, shape, 0.5)

	d := &CommandDeformer{
		// $1 and $2 are the inputs, $3 and $4 the outputs
		Command: []string{"sh", "-c", `test -s "$1" && test -s "$2" && cp "$0" "$3" && cp "$0" "$4"`, canned},
		Dir:     dir,
		Logger:  logging.NewNop(),
	}
	ref, flo := atlasPair(shape)
	fwd, bak, err := d.PredictDeformation(context.Background(), ref, flo)
	require.NoError(t, err)
	assert.Equal(t, shape, fwd.Shape)
	assert.Equal(t, []float64{0.5, 1.5, 2.5}, fwd.Data[:3])
	assert.Equal(t, fwd.Data, bak.Data)

	// the exchange directory is cleaned up
	entries, err := filepath.Glob(filepath.Join(dir, "brainreg-deform-*"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommandDeformerFailureCarriesStderr(t *testing.T) {
	requireShell(t)
	d := &CommandDeformer{Command: []string{"sh", "-c", "echo model exploded >&2; exit 3"}, Logger: logging.NewNop()}
	ref, flo := atlasPair([3]int{2, 2, 2})
	_, _, err := d.PredictDeformation(context.Background(), ref, flo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	var exitErr *exec.ExitError
	assert.True(t, errors.As(err, &exitErr))
}

func TestCommandDeformerWrongShape(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	canned := filepath.Join(dir, "canned.npy")
	writeField(t, canned, [3]int{2, 2, 2}, 0)

	d := &CommandDeformer{Command: []string{"sh", "-c", `cp "$0" "$3" && cp "$0" "$4"`, canned}, Logger: logging.NewNop()}
	ref, flo := atlasPair([3]int{3, 2, 2})
	_, _, err := d.PredictDeformation(context.Background(), ref, flo)
	assert.ErrorContains(t, err, "shape")
}

func TestCommandTimeout(t *testing.T) {
	requireShell(t)
	d := &CommandDeformer{Command: []string{"sh", "-c", "sleep 5"}, Logger: logging.NewNop()}
	ref, flo := atlasPair([3]int{2, 2, 2})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := d.PredictDeformation(ctx, ref, flo)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandSegmenter(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	shape := [3]int{2, 2, 1}
	labels := []int{0, 17}

	p := &models.Posteriors{Data: make([]float64, 8), Shape: shape, Labels: labels, Affine: affine.Identity()}
	for idx := 0; idx < 4; idx++ {
		p.Data[idx*2+idx%2] = 1
	}
	canned := filepath.Join(dir, "post.npy")
	require.NoError(t, volumeio.WriteNpyFile(canned, volumeio.PosteriorsToArray(p), volumeio.Float32))

	s := &CommandSegmenter{
		Command: []string{"sh", "-c", `test -s "$1" && cp "$0" "$2"`, canned},
		Labels:  labels,
		Logger:  logging.NewNop(),
	}
	v := models.NewVolume(shape, affine.Identity())
	got, err := s.Segment(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, p.Data, got.Data)
	assert.Equal(t, labels, got.Labels)

	s.Labels = []int{0, 17, 42}
	_, err = s.Segment(context.Background(), v)
	assert.Error(t, err)
}

func TestNewDeformer(t *testing.T) {
	cfg := config.DefaultConfig()
	d, err := NewDeformer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, IdentityDeformer{}, d)

	cfg.Predictor.Kind = config.PredictorStatic
	cfg.Predictor.ForwardField, cfg.Predictor.BackwardField = "f.npy", "b.npy"
	d, err = NewDeformer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &StaticDeformer{}, d)

	cfg.Predictor.Kind = config.PredictorCommand
	_, err = NewDeformer(cfg, nil)
	var cerr *regerr.ConfigurationError
	assert.True(t, errors.As(err, &cerr))

	cfg.Predictor.Command = []string{"predict"}
	d, err = NewDeformer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &CommandDeformer{}, d)

	cfg.Predictor.Kind = "magic"
	_, err = NewDeformer(cfg, nil)
	assert.True(t, errors.As(err, &cerr))
}

func TestNewSegmenter(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Nil(t, NewSegmenter(cfg, nil))

	cfg.Segmentation.Command = []string{"segment"}
	s := NewSegmenter(cfg, nil)
	require.NotNil(t, s)
	assert.Equal(t, cfg.Segmentation.Labels, s.(*CommandSegmenter).Labels)
}
