// Package orientation canonicalizes the axis order and polarity of volumes
// against a reference voxel-to-world affine.
//
// Two volumes can only be compared voxel axis by voxel axis once they agree
// on which axis runs left-right, posterior-anterior and inferior-superior.
// AlignVolume permutes and flips a volume (and its affine) so that its axes
// match those of the reference. The world position of every voxel is
// preserved: only the indexing changes.
package orientation

import (
	"fmt"
	"math"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
)

// RASAxes returns, for each world axis, the voxel axis that contributes most
// to it. The assignment is taken from the inverse affine (world to voxel):
// for world axis c the chosen voxel axis is the row with the largest
// |inv[row][c]|.
//
// When the greedy choice is not a bijection, every missing voxel axis i (in
// ascending order) replaces the last occurrence of the most frequent
// assigned axis.
func RASAxes(a affine.Transform) ([3]int, error) {
	inv, err := affine.Invert(a)
	if err != nil {
		return [3]int{}, fmt.Errorf("failed to compute RAS axes: %w", err)
	}

	var axes [3]int
	for c := 0; c < 3; c++ {
		best := 0
		bestVal := math.Abs(inv[0][c])
		for r := 1; r < 3; r++ {
			if v := math.Abs(inv[r][c]); v > bestVal {
				best, bestVal = r, v
			}
		}
		axes[c] = best
	}

	for i := 0; i < 3; i++ {
		if contains(axes, i) {
			continue
		}
		// most frequent value, lowest value on ties
		var counts [3]int
		for _, a := range axes {
			counts[a]++
		}
		dup := 0
		for v := 1; v < 3; v++ {
			if counts[v] > counts[dup] {
				dup = v
			}
		}
		for c := 2; c >= 0; c-- {
			if axes[c] == dup {
				axes[c] = i
				break
			}
		}
	}
	return axes, nil
}

func contains(axes [3]int, v int) bool {
	return axes[0] == v || axes[1] == v || axes[2] == v
}

// AlignVolume returns a copy of v re-indexed to the orientation of ref.
func AlignVolume(v *models.Volume, ref affine.Transform) (*models.Volume, error) {
	data, shape, aff, err := align(v.Data, v.Shape, 1, v.Affine, ref)
	if err != nil {
		return nil, err
	}
	return &models.Volume{Data: data, Shape: shape, Affine: aff}, nil
}

// AlignPosteriors re-indexes the spatial axes of a posterior array. The
// probabilities of each voxel move together.
func AlignPosteriors(p *models.Posteriors, ref affine.Transform) (*models.Posteriors, error) {
	data, shape, aff, err := align(p.Data, p.Shape, p.Channels(), p.Affine, ref)
	if err != nil {
		return nil, err
	}
	return &models.Posteriors{Data: data, Shape: shape, Labels: p.Labels, Affine: aff}, nil
}

// IsAligned reports whether a already has the axis order and polarity of
// ref, i.e. whether aligning would be a no-op.
func IsAligned(a, ref affine.Transform) (bool, error) {
	axes, err := RASAxes(a)
	if err != nil {
		return false, err
	}
	refAxes, err := RASAxes(ref)
	if err != nil {
		return false, err
	}
	if axes != refAxes {
		return false, nil
	}
	for c := 0; c < 3; c++ {
		if columnDot(a, ref, c) < 0 {
			return false, nil
		}
	}
	return true, nil
}

func columnDot(a, b affine.Transform, c int) float64 {
	return a[0][c]*b[0][c] + a[1][c]*b[1][c] + a[2][c]*b[2][c]
}

func align(data []float64, shape [3]int, channels int, aff, ref affine.Transform) ([]float64, [3]int, affine.Transform, error) {
	refAxes, err := RASAxes(ref)
	if err != nil {
		return nil, shape, aff, err
	}
	axes, err := RASAxes(aff)
	if err != nil {
		return nil, shape, aff, err
	}

	// new voxel axis refAxes[c] takes the role of old voxel axis axes[c]
	var perm [3]int
	for c := 0; c < 3; c++ {
		perm[refAxes[c]] = axes[c]
	}

	out := aff
	for n := 0; n < 3; n++ {
		out.SetColumn(n, aff.Column(perm[n]))
	}
	data, shape = permute(data, shape, channels, perm)

	for n := 0; n < 3; n++ {
		if columnDot(out, ref, n) >= 0 {
			continue
		}
		data = flip(data, shape, channels, n)
		col := out.Column(n)
		col.X, col.Y, col.Z = -col.X, -col.Y, -col.Z
		out.SetColumn(n, col)
		ext := float64(shape[n] - 1)
		out[0][3] -= col.X * ext
		out[1][3] -= col.Y * ext
		out[2][3] -= col.Z * ext
	}
	return data, shape, out, nil
}

// permute returns a copy of data whose axis n is the old axis perm[n].
func permute(data []float64, shape [3]int, channels int, perm [3]int) ([]float64, [3]int) {
	newShape := [3]int{shape[perm[0]], shape[perm[1]], shape[perm[2]]}
	out := make([]float64, len(data))
	if perm == [3]int{0, 1, 2} {
		copy(out, data)
		return out, newShape
	}

	var old [3]int
	for k := 0; k < newShape[2]; k++ {
		for j := 0; j < newShape[1]; j++ {
			for i := 0; i < newShape[0]; i++ {
				old[perm[0]], old[perm[1]], old[perm[2]] = i, j, k
				src := models.Index(shape, old[0], old[1], old[2]) * channels
				dst := models.Index(newShape, i, j, k) * channels
				copy(out[dst:dst+channels], data[src:src+channels])
			}
		}
	}
	return out, newShape
}

// flip reverses data along one axis, in a new buffer.
func flip(data []float64, shape [3]int, channels int, axis int) []float64 {
	out := make([]float64, len(data))
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				src := [3]int{i, j, k}
				src[axis] = shape[axis] - 1 - src[axis]
				s := models.Index(shape, src[0], src[1], src[2]) * channels
				d := models.Index(shape, i, j, k) * channels
				copy(out[d:d+channels], data[s:s+channels])
			}
		}
	}
	return out
}
