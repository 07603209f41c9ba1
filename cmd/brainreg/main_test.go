package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/config"
	"brainreg/pkg/landmark"
	"brainreg/pkg/regerr"
	"brainreg/pkg/volumeio"
)

// execute runs the root command with args after resetting every flag, since
// the command tree is shared between tests.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			require.NoError(t, f.Value.Set(f.DefValue))
			f.Changed = false
		})
	}
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		reset(c.Flags())
		reset(c.PersistentFlags())
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "brainreg version dev\n", out)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "brainreg.yaml")

	out, err := execute(t, "init-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = execute(t, "init-config", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "init-config", path, "--force")
	assert.NoError(t, err)
}

type fixture struct {
	dir    string
	config string
	ref    *models.Volume
	paths  map[string]string
}

// newFixture writes a 21^3 phantom with six labelled cubes as both
// reference and floating, and a configuration whose atlas is the phantom
// itself.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	shape := [3]int{21, 21, 21}
	labels := []int{2, 4, 5, 7, 1001, 2001}
	centers := [][3]int{{5, 5, 5}, {15, 5, 6}, {5, 15, 8}, {15, 15, 12}, {10, 10, 15}, {8, 12, 4}}

	img := models.NewVolume(shape, affine.Identity())
	seg := models.NewVolume(shape, affine.Identity())
	for idx := range img.Data {
		i, j, k := models.Coords(shape, idx)
		if min(i, j, k) >= 2 && max(i, j, k) <= 18 {
			img.Data[idx] = 10 + float64(i) + 2*float64(j) + 3*float64(k)
		}
	}
	for n, c := range centers {
		for d := -1; d <= 1; d++ {
			for e := -1; e <= 1; e++ {
				for f := -1; f <= 1; f++ {
					seg.Set(c[0]+d, c[1]+e, c[2]+f, float64(labels[n]))
				}
			}
		}
	}

	fx := &fixture{dir: dir, ref: img, paths: map[string]string{
		"ref":     filepath.Join(dir, "ref.nii.gz"),
		"flo":     filepath.Join(dir, "flo.nii.gz"),
		"ref-seg": filepath.Join(dir, "ref_seg.nii.gz"),
		"flo-seg": filepath.Join(dir, "flo_seg.nii.gz"),
	}}
	require.NoError(t, volumeio.Save(img, fx.paths["ref"], volumeio.Float32))
	require.NoError(t, volumeio.Save(img, fx.paths["flo"], volumeio.Float32))
	require.NoError(t, volumeio.Save(seg, fx.paths["ref-seg"], volumeio.Int32))
	require.NoError(t, volumeio.Save(seg, fx.paths["flo-seg"], volumeio.Int32))

	cfg := config.DefaultConfig()
	cfg.Processing.MinLandmarkVoxels = 10
	cfg.Atlas.Shape = shape[:]
	cfg.Atlas.Affine = affine.Identity().Rows()
	cfg.Atlas.Labels = labels
	cfg.Atlas.Centroids = make([][]float64, 3)
	for _, l := range landmark.Centroids(seg, labels, 10) {
		cfg.Atlas.Centroids[0] = append(cfg.Atlas.Centroids[0], l.Point.X)
		cfg.Atlas.Centroids[1] = append(cfg.Atlas.Centroids[1], l.Point.Y)
		cfg.Atlas.Centroids[2] = append(cfg.Atlas.Centroids[2], l.Point.Z)
	}
	fx.config = filepath.Join(dir, "brainreg.yaml")
	require.NoError(t, config.SaveConfig(cfg, fx.config))
	return fx
}

func (fx *fixture) inputArgs(cmd string) []string {
	args := []string{cmd, "--config", fx.config}
	for _, name := range []string{"ref", "flo", "ref-seg", "flo-seg"} {
		args = append(args, "--"+name, fx.paths[name])
	}
	return args
}

func TestRegister(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end registration in short mode")
	}
	fx := newFixture(t)
	floReg := filepath.Join(fx.dir, "out", "flo_reg.nii.gz")
	qc := filepath.Join(fx.dir, "qc")

	args := append(fx.inputArgs("register"), "--flo-reg", floReg, "--threads", "2", "--qc-dir", qc)
	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Registration completed")
	assert.Contains(t, out, "Landmarks used: reference 6, floating 6")

	reg, _, err := volumeio.Load(floReg)
	require.NoError(t, err)
	assert.InDeltaSlice(t, fx.ref.Data, reg.Data, 1e-3)
	assert.FileExists(t, filepath.Join(qc, "flo", "flo_reg.png"))
}

func TestRegisterRequiresAnOutput(t *testing.T) {
	fx := newFixture(t)
	_, err := execute(t, fx.inputArgs("register")...)
	var cfgErr *regerr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRegisterRejectsInvalidThreads(t *testing.T) {
	fx := newFixture(t)
	args := append(fx.inputArgs("register"), "--flo-reg", filepath.Join(fx.dir, "o.nii"), "--threads", "0")
	_, err := execute(t, args...)
	var cfgErr *regerr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end registration in short mode")
	}
	fx := newFixture(t)
	list := func(name string, lines ...string) string {
		path := filepath.Join(fx.dir, name+".txt")
		var buf bytes.Buffer
		for _, l := range lines {
			buf.WriteString(l + "\n")
		}
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
		return path
	}
	outs := []string{filepath.Join(fx.dir, "reg0.nii.gz"), filepath.Join(fx.dir, "reg1.nii.gz")}
	metrics := filepath.Join(fx.dir, "metrics.prom")

	_, err := execute(t, "batch", "--config", fx.config,
		"--ref", list("ref", fx.paths["ref"], fx.paths["ref"]),
		"--flo", list("flo", fx.paths["flo"], filepath.Join(fx.dir, "missing.nii.gz")),
		"--ref-seg", list("refseg", fx.paths["ref-seg"], fx.paths["ref-seg"]),
		"--flo-seg", list("floseg", fx.paths["flo-seg"], fx.paths["flo-seg"]),
		"--flo-reg", list("floreg", outs...),
		"--jobs", "2",
		"--metrics-file", metrics,
	)
	// the second pair fails, the first still completes
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.FileExists(t, outs[0])
	assert.NoFileExists(t, outs[1])

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `brainreg_pairs_total{status="ok"} 1`)
	assert.Contains(t, string(data), `brainreg_pairs_total{status="other"} 1`)
}
