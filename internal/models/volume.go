package models

import (
	"fmt"

	"brainreg/pkg/affine"
)

// Volume is a 3D scalar array (intensities or integer labels) together with
// the voxel-to-world affine that places it in space.
type Volume struct {
	// Data holds the voxels in x-fastest order: idx = i + j*Ni + k*Ni*Nj.
	// This matches the on-disk NIfTI layout.
	Data []float64

	// Shape is the number of voxels along each axis
	Shape [3]int

	// Affine maps voxel indices (i, j, k, 1) to world coordinates
	Affine affine.Transform
}

// NewVolume allocates a zero-filled volume.
func NewVolume(shape [3]int, aff affine.Transform) *Volume {
	return &Volume{
		Data:   make([]float64, NumVoxels(shape)),
		Shape:  shape,
		Affine: aff,
	}
}

// NumVoxels returns the product of the shape entries.
func NumVoxels(shape [3]int) int {
	return shape[0] * shape[1] * shape[2]
}

// Index returns the flat offset of voxel (i, j, k).
func Index(shape [3]int, i, j, k int) int {
	return i + shape[0]*(j+shape[1]*k)
}

// Coords is the inverse of Index.
func Coords(shape [3]int, idx int) (i, j, k int) {
	i = idx % shape[0]
	idx /= shape[0]
	j = idx % shape[1]
	k = idx / shape[1]
	return i, j, k
}

// At returns the voxel value at (i, j, k).
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[Index(v.Shape, i, j, k)]
}

// Set assigns the voxel value at (i, j, k).
func (v *Volume) Set(i, j, k int, val float64) {
	v.Data[Index(v.Shape, i, j, k)] = val
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return len(v.Data)
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := &Volume{Shape: v.Shape, Affine: v.Affine}
	out.Data = append([]float64(nil), v.Data...)
	return out
}

// VoxelSize returns the physical spacing derived from the affine.
func (v *Volume) VoxelSize() [3]float64 {
	return affine.VoxelSizes(v.Affine)
}

// Validate checks that the buffer matches the shape.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("nil volume")
	}
	for a, n := range v.Shape {
		if n <= 0 {
			return fmt.Errorf("axis %d has non-positive extent %d", a, n)
		}
	}
	if len(v.Data) != NumVoxels(v.Shape) {
		return fmt.Errorf("volume buffer has %d voxels, shape %v needs %d", len(v.Data), v.Shape, NumVoxels(v.Shape))
	}
	return nil
}

// Max returns the largest voxel value (0 for an empty volume).
func (v *Volume) Max() float64 {
	if len(v.Data) == 0 {
		return 0
	}
	m := v.Data[0]
	for _, x := range v.Data[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
