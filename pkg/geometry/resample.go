package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"brainreg/internal/models"
	"brainreg/pkg/interpolation"
)

// GaussianTruncate is the kernel radius in standard deviations.
const GaussianTruncate = 4.0

// gaussianKernel returns the normalised 1D kernel for sigma, or nil when
// sigma does not call for any smoothing.
func gaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return nil
	}
	radius := int(GaussianTruncate*sigma + 0.5)
	if radius == 0 {
		return nil
	}
	k := make([]float64, 2*radius+1)
	var sum float64
	for x := -radius; x <= radius; x++ {
		w := math.Exp(-0.5 * float64(x*x) / (sigma * sigma))
		k[x+radius] = w
		sum += w
	}
	for n := range k {
		k[n] /= sum
	}
	return k
}

// reflect maps an out-of-range index back into [0, n) by mirroring about the
// edges, repeating the edge sample (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// GaussianSmooth filters v separably with one standard deviation per axis
// (in voxels). Axes with a zero sigma are not filtered.
func GaussianSmooth(v *models.Volume, sigmas [3]float64) *models.Volume {
	out := v.Clone()
	tmp := make([]float64, len(out.Data))
	for a := 0; a < 3; a++ {
		kernel := gaussianKernel(sigmas[a])
		if kernel == nil {
			continue
		}
		convolveAxis(tmp, out.Data, out.Shape, a, kernel)
		out.Data, tmp = tmp, out.Data
	}
	return out
}

func convolveAxis(dst, src []float64, shape [3]int, axis int, kernel []float64) {
	radius := len(kernel) / 2
	stride := [3]int{1, shape[0], shape[0] * shape[1]}[axis]
	n := shape[axis]
	for idx := range src {
		i, j, k := models.Coords(shape, idx)
		pos := [3]int{i, j, k}[axis]
		base := idx - pos*stride
		var acc float64
		for t, w := range kernel {
			acc += w * src[base+reflect(pos+t-radius, n)*stride]
		}
		dst[idx] = acc
	}
}

// ResampleIsotropic resamples v to the given isotropic voxel size (mm).
// Downsampled axes are anti-aliased with a Gaussian of sigma 0.25/factor
// first, factor being old spacing over new spacing. Sample positions are
// centred on the old grid and clamped to it; the affine is rescaled per
// column and shifted by half the change in voxel extent.
func ResampleIsotropic(v *models.Volume, voxelSize float64, s interpolation.Sampler) (*models.Volume, error) {
	if voxelSize <= 0 {
		return nil, fmt.Errorf("voxel size must be positive, got %g", voxelSize)
	}

	spacing := v.VoxelSize()
	var factor, sigmas [3]float64
	var shape [3]int
	for a := 0; a < 3; a++ {
		factor[a] = spacing[a] / voxelSize
		if factor[a] <= 1 {
			sigmas[a] = 0.25 / factor[a]
		}
		shape[a] = int(math.Ceil(float64(v.Shape[a]) * factor[a]))
	}
	filtered := GaussianSmooth(v, sigmas)

	// per-axis sample positions in the old grid
	var coords [3][]float64
	for a := 0; a < 3; a++ {
		start := -(factor[a] - 1) / (2 * factor[a])
		step := 1 / factor[a]
		top := float64(v.Shape[a] - 1)
		coords[a] = make([]float64, shape[a])
		for n := range coords[a] {
			coords[a][n] = math.Min(math.Max(start+float64(n)*step, 0), top)
		}
	}
	g := interpolation.NewGrid(shape)
	for idx := range g.I {
		i, j, k := models.Coords(shape, idx)
		g.I[idx], g.J[idx], g.K[idx] = coords[0][i], coords[1][j], coords[2][k]
	}

	aff := v.Affine
	for a := 0; a < 3; a++ {
		col := aff.Column(a)
		aff.SetColumn(a, r3.Scale(1/factor[a], col))
	}
	aff = aff.Translate(r3.Vec{
		X: -0.5 * (factor[0] - 1),
		Y: -0.5 * (factor[1] - 1),
		Z: -0.5 * (factor[2] - 1),
	})

	return s.Volume(filtered, g, interpolation.Linear, aff)
}

// NeedsResampling reports whether any spacing lies outside [lo, hi].
func NeedsResampling(spacing [3]float64, lo, hi float64) bool {
	for _, s := range spacing {
		if s < lo || s > hi {
			return true
		}
	}
	return false
}
