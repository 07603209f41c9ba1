package models

import (
	"fmt"

	"brainreg/pkg/affine"
)

// FieldChannels is the number of components stored per voxel in a Field.
const FieldChannels = 3

// Field is a 3-channel vector volume. As a displacement field each voxel
// stores an offset in the voxel grid of some canonical space; as an exported
// deformation it stores world coordinates.
type Field struct {
	// Data holds FieldChannels interleaved values per voxel:
	// Data[idx*3+c] with idx laid out as in Volume.
	Data []float64

	// Shape is the spatial shape of the field
	Shape [3]int

	// Affine is the voxel-to-world mapping of the grid the field lives on.
	// It is informational for displacement fields in atlas space.
	Affine affine.Transform
}

// NewField allocates a zero field.
func NewField(shape [3]int, aff affine.Transform) *Field {
	return &Field{
		Data:   make([]float64, NumVoxels(shape)*FieldChannels),
		Shape:  shape,
		Affine: aff,
	}
}

// At returns component c at voxel (i, j, k).
func (f *Field) At(i, j, k, c int) float64 {
	return f.Data[Index(f.Shape, i, j, k)*FieldChannels+c]
}

// Set assigns component c at voxel (i, j, k).
func (f *Field) Set(i, j, k, c int, val float64) {
	f.Data[Index(f.Shape, i, j, k)*FieldChannels+c] = val
}

// Channel extracts component c as a scalar volume.
func (f *Field) Channel(c int) *Volume {
	out := NewVolume(f.Shape, f.Affine)
	for idx := range out.Data {
		out.Data[idx] = f.Data[idx*FieldChannels+c]
	}
	return out
}

// Validate checks that the buffer matches the shape.
func (f *Field) Validate() error {
	if f == nil {
		return fmt.Errorf("nil field")
	}
	if want := NumVoxels(f.Shape) * FieldChannels; len(f.Data) != want {
		return fmt.Errorf("field buffer has %d values, shape %v needs %d", len(f.Data), f.Shape, want)
	}
	return nil
}

// Posteriors is the per-voxel probability array returned by a segmentation
// service. Channel c holds the probability of Labels[c].
type Posteriors struct {
	// Data holds len(Labels) interleaved values per voxel
	Data []float64

	// Shape is the spatial shape
	Shape [3]int

	// Labels is the label vocabulary, one entry per channel
	Labels []int

	// Affine is the voxel-to-world mapping of the grid
	Affine affine.Transform
}

// Channels returns the number of classes.
func (p *Posteriors) Channels() int {
	return len(p.Labels)
}

// Validate checks that the buffer matches shape and vocabulary.
func (p *Posteriors) Validate() error {
	if p == nil {
		return fmt.Errorf("nil posteriors")
	}
	if len(p.Labels) == 0 {
		return fmt.Errorf("posteriors have an empty label vocabulary")
	}
	if want := NumVoxels(p.Shape) * len(p.Labels); len(p.Data) != want {
		return fmt.Errorf("posterior buffer has %d values, shape %v with %d labels needs %d",
			len(p.Data), p.Shape, len(p.Labels), want)
	}
	return nil
}

// Index6 records (minI, minJ, minK, maxI, maxJ, maxK) of a sub-volume inside
// a larger canvas. Max bounds are exclusive.
type Index6 [6]int

// Min returns the lower corner.
func (ix Index6) Min() [3]int { return [3]int{ix[0], ix[1], ix[2]} }

// Max returns the exclusive upper corner.
func (ix Index6) Max() [3]int { return [3]int{ix[3], ix[4], ix[5]} }

// Shape returns the extent of the indexed region.
func (ix Index6) Shape() [3]int {
	return [3]int{ix[3] - ix[0], ix[4] - ix[1], ix[5] - ix[2]}
}
