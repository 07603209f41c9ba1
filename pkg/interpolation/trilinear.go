// Package interpolation resamples scalar volumes and vector fields at
// arbitrary (non-integer) voxel coordinates.
//
// Sampling is split across goroutines over contiguous chunks of output
// voxels; each output voxel depends only on the source and its own
// coordinates, so no locking is needed.
package interpolation

import (
	"fmt"
	"math"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
)

// Mode selects the interpolation scheme.
type Mode int

const (
	// Linear is trilinear interpolation with zero fill outside the volume
	Linear Mode = iota
	// Nearest rounds each coordinate and clamps it to the volume
	Nearest
)

func (m Mode) String() string {
	switch m {
	case Linear:
		return "linear"
	case Nearest:
		return "nearest"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// corner is the lower/upper integer neighbourhood of a sample point along one
// axis together with the interpolation weight of the upper neighbour.
type corner struct {
	lo, hi int
	w      float64
}

// linearCorners reports whether (i, j, k) lies inside the sampleable region
// of shape and, if so, the neighbours along each axis.
//
// A coordinate c is valid when 0 < c <= dim-1. The lower bound is strict:
// samples that fall exactly on the first slice of an axis read as zero.
func linearCorners(shape [3]int, i, j, k float64) ([3]corner, bool) {
	var cs [3]corner
	for a, c := range [3]float64{i, j, k} {
		top := float64(shape[a] - 1)
		if !(c > 0 && c <= top) {
			return cs, false
		}
		f := math.Floor(c)
		h := math.Ceil(c)
		if h > top {
			h = top
		}
		cs[a] = corner{lo: int(f), hi: int(h), w: c - f}
	}
	return cs, true
}

// trilinear blends the 8 neighbours of one sample. stride and off select a
// channel of an interleaved buffer (stride 1, off 0 for scalar volumes).
func trilinear(x []float64, shape [3]int, cs [3]corner, stride, off int) float64 {
	ni, nij := shape[0], shape[0]*shape[1]
	at := func(i, j, k int) float64 {
		return x[(i+ni*j+nij*k)*stride+off]
	}
	ci, cj, ck := cs[0], cs[1], cs[2]

	c00 := at(ci.lo, cj.lo, ck.lo)*(1-ci.w) + at(ci.hi, cj.lo, ck.lo)*ci.w
	c10 := at(ci.lo, cj.hi, ck.lo)*(1-ci.w) + at(ci.hi, cj.hi, ck.lo)*ci.w
	c01 := at(ci.lo, cj.lo, ck.hi)*(1-ci.w) + at(ci.hi, cj.lo, ck.hi)*ci.w
	c11 := at(ci.lo, cj.hi, ck.hi)*(1-ci.w) + at(ci.hi, cj.hi, ck.hi)*ci.w

	c0 := c00*(1-cj.w) + c10*cj.w
	c1 := c01*(1-cj.w) + c11*cj.w
	return c0*(1-ck.w) + c1*ck.w
}

// nearestIndex rounds half to even and clamps to [0, dim-1].
func nearestIndex(c float64, dim int) int {
	r := math.RoundToEven(c)
	if r < 0 || math.IsNaN(r) {
		return 0
	}
	if r > float64(dim-1) {
		return dim - 1
	}
	return int(r)
}

// Scalar samples the scalar array x (shape xshape, x-fastest) at every point
// of g. The result has one value per grid point, laid out on g.Shape.
func (s Sampler) Scalar(x []float64, xshape [3]int, g *Grid, mode Mode) ([]float64, error) {
	if len(x) != models.NumVoxels(xshape) {
		return nil, fmt.Errorf("source buffer has %d values, shape %v needs %d", len(x), xshape, models.NumVoxels(xshape))
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	out := make([]float64, g.Len())
	switch mode {
	case Nearest:
		s.parallel(len(out), func(lo, hi int) {
			for idx := lo; idx < hi; idx++ {
				i := nearestIndex(g.I[idx], xshape[0])
				j := nearestIndex(g.J[idx], xshape[1])
				k := nearestIndex(g.K[idx], xshape[2])
				out[idx] = x[models.Index(xshape, i, j, k)]
			}
		})
	case Linear:
		s.parallel(len(out), func(lo, hi int) {
			for idx := lo; idx < hi; idx++ {
				cs, ok := linearCorners(xshape, g.I[idx], g.J[idx], g.K[idx])
				if !ok {
					continue
				}
				out[idx] = trilinear(x, xshape, cs, 1, 0)
			}
		})
	default:
		return nil, fmt.Errorf("unsupported interpolation mode %v", mode)
	}
	return out, nil
}

// Volume resamples v at g and wraps the result in a volume carrying aff,
// the voxel-to-world mapping of the grid's output space.
func (s Sampler) Volume(v *models.Volume, g *Grid, mode Mode, aff affine.Transform) (*models.Volume, error) {
	data, err := s.Scalar(v.Data, v.Shape, g, mode)
	if err != nil {
		return nil, err
	}
	return &models.Volume{Data: data, Shape: g.Shape, Affine: aff}, nil
}

// Vector samples every channel of f trilinearly at the points of g, with the
// same validity region and zero fill as Scalar in Linear mode. The result is
// laid out on g.Shape; its affine is left for the caller to set.
func (s Sampler) Vector(f *models.Field, g *Grid) (*models.Field, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	out := &models.Field{
		Data:  make([]float64, g.Len()*models.FieldChannels),
		Shape: g.Shape,
	}
	s.parallel(g.Len(), func(lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			cs, ok := linearCorners(f.Shape, g.I[idx], g.J[idx], g.K[idx])
			if !ok {
				continue
			}
			for c := 0; c < models.FieldChannels; c++ {
				out.Data[idx*models.FieldChannels+c] = trilinear(f.Data, f.Shape, cs, models.FieldChannels, c)
			}
		}
	})
	return out, nil
}
