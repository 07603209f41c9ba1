package interpolation

import (
	"fmt"
	"runtime"
	"sync"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
)

// Grid is a set of sample coordinates laid out on a 3D output shape.
// I, J and K hold the coordinate along each source axis for every output
// voxel, in the same x-fastest order as models.Volume.
type Grid struct {
	Shape   [3]int
	I, J, K []float64
}

// NewGrid allocates a zero grid.
func NewGrid(shape [3]int) *Grid {
	n := models.NumVoxels(shape)
	return &Grid{
		Shape: shape,
		I:     make([]float64, n),
		J:     make([]float64, n),
		K:     make([]float64, n),
	}
}

// Len returns the number of sample points.
func (g *Grid) Len() int {
	return len(g.I)
}

func (g *Grid) validate() error {
	n := models.NumVoxels(g.Shape)
	if len(g.I) != n || len(g.J) != n || len(g.K) != n {
		return fmt.Errorf("grid coordinates have lengths %d/%d/%d, shape %v needs %d",
			len(g.I), len(g.J), len(g.K), g.Shape, n)
	}
	return nil
}

// Sampler runs grid construction and interpolation over a fixed number of
// worker goroutines. The zero value uses every available core.
type Sampler struct {
	// Workers is the number of goroutines; <= 0 means runtime.NumCPU()
	Workers int
}

func (s Sampler) workers() int {
	if s.Workers <= 0 {
		return runtime.NumCPU()
	}
	return s.Workers
}

// parallel splits [0, n) into contiguous chunks and runs fn on each chunk in
// its own goroutine. Chunks never overlap, so fn may write its output range
// without locking.
func (s Sampler) parallel(n int, fn func(lo, hi int)) {
	workers := s.workers()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// AffineGrid maps every voxel index of shape through t. With t the
// composition target-voxel -> source-voxel, the result is the grid at which
// the source must be sampled to resample it onto shape.
func (s Sampler) AffineGrid(shape [3]int, t affine.Transform) *Grid {
	g := NewGrid(shape)
	s.parallel(g.Len(), func(lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			i, j, k := models.Coords(shape, idx)
			g.I[idx], g.J[idx], g.K[idx] = t.ApplyIndex(float64(i), float64(j), float64(k))
		}
	})
	return g
}

// Transform maps every coordinate of g through t into a new grid.
func (s Sampler) Transform(g *Grid, t affine.Transform) *Grid {
	out := NewGrid(g.Shape)
	s.parallel(g.Len(), func(lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			out.I[idx], out.J[idx], out.K[idx] = t.ApplyIndex(g.I[idx], g.J[idx], g.K[idx])
		}
	})
	return out
}

// Displace adds a displacement, already sampled on g's shape, to every
// coordinate of g.
func (s Sampler) Displace(g *Grid, disp *models.Field) (*Grid, error) {
	if disp.Shape != g.Shape {
		return nil, fmt.Errorf("displacement shape %v does not match grid shape %v", disp.Shape, g.Shape)
	}
	out := NewGrid(g.Shape)
	s.parallel(g.Len(), func(lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			d := disp.Data[idx*models.FieldChannels : idx*models.FieldChannels+3]
			out.I[idx] = g.I[idx] + d[0]
			out.J[idx] = g.J[idx] + d[1]
			out.K[idx] = g.K[idx] + d[2]
		}
	})
	return out, nil
}

// AsField packs the grid coordinates into a 3-channel field carrying aff,
// the form in which coordinate maps are exported.
func (g *Grid) AsField(aff affine.Transform) *models.Field {
	f := models.NewField(g.Shape, aff)
	for idx := range g.I {
		f.Data[idx*3] = g.I[idx]
		f.Data[idx*3+1] = g.J[idx]
		f.Data[idx*3+2] = g.K[idx]
	}
	return f
}
