// Package geometry crops, pads and re-embeds volumes while keeping their
// voxel-to-world affines consistent, and hosts the intensity and resolution
// normalisation applied before segmentation.
//
// Every operation returns a new volume. Crop and pad record the index box
// they used so that the inverse operation can be applied later.
package geometry

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
)

// CropMode selects where a crop of a given shape is placed.
type CropMode int

const (
	// Center places the crop in the middle of the volume
	Center CropMode = iota
	// Random places the crop uniformly at random
	Random
)

// Rounding selects the direction used by ClosestMultiple.
type Rounding int

const (
	Lower Rounding = iota
	Higher
	Closer
)

// ClosestMultiple returns a multiple of m close to n: the one below, the one
// above, or whichever is nearer (ties go up). n itself is returned when it
// is already a multiple.
func ClosestMultiple(n, m int, r Rounding) int {
	if n%m == 0 {
		return n
	}
	lower := (n / m) * m
	higher := lower + m
	switch r {
	case Lower:
		return lower
	case Closer:
		if n-lower < higher-n {
			return lower
		}
		return higher
	default:
		return higher
	}
}

// CropIndex computes the crop box of the given shape inside dims. rng is only
// used in Random mode and may be nil otherwise.
func CropIndex(dims, target [3]int, mode CropMode, rng *rand.Rand) (models.Index6, error) {
	var idx models.Index6
	for a := 0; a < 3; a++ {
		if target[a] <= 0 {
			return idx, fmt.Errorf("crop shape %v has a non-positive extent", target)
		}
		var lo int
		switch mode {
		case Center:
			lo = max((dims[a]-target[a])/2, 0)
		case Random:
			if rng == nil {
				return idx, fmt.Errorf("random crop needs a random source")
			}
			lo = rng.IntN(max(dims[a]-target[a], 0) + 1)
		default:
			return idx, fmt.Errorf("unknown crop mode %d", mode)
		}
		idx[a] = lo
		idx[a+3] = min(lo+target[a], dims[a])
	}
	return idx, nil
}

// Crop extracts a box of shape target from v. The returned index locates the
// box in v.
func Crop(v *models.Volume, target [3]int, mode CropMode, rng *rand.Rand) (*models.Volume, models.Index6, error) {
	idx, err := CropIndex(v.Shape, target, mode, rng)
	if err != nil {
		return nil, idx, err
	}
	out, err := CropWithIndex(v, idx)
	return out, idx, err
}

// CropWithIndex extracts the box idx from v and shifts the affine so that
// every kept voxel keeps its world position.
func CropWithIndex(v *models.Volume, idx models.Index6) (*models.Volume, error) {
	data, shape, err := cropData(v.Data, v.Shape, 1, idx)
	if err != nil {
		return nil, err
	}
	return &models.Volume{Data: data, Shape: shape, Affine: shiftAffine(v.Affine, idx.Min(), 1)}, nil
}

// CropPosteriorsWithIndex is CropWithIndex for a multi-channel posterior array.
func CropPosteriorsWithIndex(p *models.Posteriors, idx models.Index6) (*models.Posteriors, error) {
	data, shape, err := cropData(p.Data, p.Shape, p.Channels(), idx)
	if err != nil {
		return nil, err
	}
	return &models.Posteriors{
		Data:   data,
		Shape:  shape,
		Labels: p.Labels,
		Affine: shiftAffine(p.Affine, idx.Min(), 1),
	}, nil
}

// Pad zero-pads v symmetrically up to target. Axes already at least as large
// as target are left alone. When no axis needs padding a copy of v is
// returned with the full-extent index.
//
// The returned index locates the original data inside the padded volume.
func Pad(v *models.Volume, target [3]int) (*models.Volume, models.Index6) {
	needed := false
	for a := 0; a < 3; a++ {
		if target[a] > v.Shape[a] {
			needed = true
		}
	}
	if !needed {
		return v.Clone(), models.Index6{0, 0, 0, v.Shape[0], v.Shape[1], v.Shape[2]}
	}

	var lo, hi, shape [3]int
	var idx models.Index6
	for a := 0; a < 3; a++ {
		diff := target[a] - v.Shape[a]
		lo[a] = max(floorDiv(diff, 2), 0)
		hi[a] = max(diff-floorDiv(diff, 2), 0)
		shape[a] = v.Shape[a] + lo[a] + hi[a]
		idx[a] = lo[a]
		idx[a+3] = lo[a] + v.Shape[a]
	}

	out := models.NewVolume(shape, shiftAffine(v.Affine, lo, -1))
	pasteData(out.Data, shape, v.Data, v.Shape, 1, lo)
	return out, idx
}

// Embed places sub inside a new volume of shape full at the box idx,
// filling the rest with fill. It undoes CropWithIndex, including the affine.
func Embed(sub *models.Volume, idx models.Index6, full [3]int, fill float64) (*models.Volume, error) {
	if err := checkEmbed(sub.Shape, idx, full); err != nil {
		return nil, err
	}
	out := models.NewVolume(full, shiftAffine(sub.Affine, idx.Min(), -1))
	if fill != 0 {
		for n := range out.Data {
			out.Data[n] = fill
		}
	}
	pasteData(out.Data, full, sub.Data, sub.Shape, 1, idx.Min())
	return out, nil
}

// EmbedPosteriors is Embed for a posterior array. Voxels outside the box are
// certain background: probability 1 on channel 0.
func EmbedPosteriors(sub *models.Posteriors, idx models.Index6, full [3]int) (*models.Posteriors, error) {
	if err := checkEmbed(sub.Shape, idx, full); err != nil {
		return nil, err
	}
	c := sub.Channels()
	out := &models.Posteriors{
		Data:   make([]float64, models.NumVoxels(full)*c),
		Shape:  full,
		Labels: sub.Labels,
		Affine: shiftAffine(sub.Affine, idx.Min(), -1),
	}
	for n := 0; n < len(out.Data); n += c {
		out.Data[n] = 1
	}
	pasteData(out.Data, full, sub.Data, sub.Shape, c, idx.Min())
	return out, nil
}

func checkEmbed(shape [3]int, idx models.Index6, full [3]int) error {
	if idx.Shape() != shape {
		return fmt.Errorf("embedding box %v does not match volume shape %v", idx.Shape(), shape)
	}
	for a := 0; a < 3; a++ {
		if idx[a] < 0 || idx[a+3] > full[a] {
			return fmt.Errorf("embedding box %v exceeds shape %v", idx, full)
		}
	}
	return nil
}

// AutoCropIndex returns the box around the non-zero voxels of v, widened by
// one voxel on each side, rounded up to a multiple of 2^levels and centred
// on the foreground.
func AutoCropIndex(v *models.Volume, levels int) (models.Index6, error) {
	lo := v.Shape
	hi := [3]int{-1, -1, -1}
	for n, x := range v.Data {
		if x <= 0 {
			continue
		}
		i, j, k := models.Coords(v.Shape, n)
		for a, c := range [3]int{i, j, k} {
			lo[a] = min(lo[a], c)
			hi[a] = max(hi[a], c)
		}
	}
	if hi[0] < 0 {
		return models.Index6{}, fmt.Errorf("volume has no positive voxels to crop around")
	}

	m := 1 << levels
	var idx models.Index6
	for a := 0; a < 3; a++ {
		extent := hi[a] - lo[a] + 2
		shape := ClosestMultiple(extent, m, Higher)
		idx[a] = max(lo[a]-(shape-extent)/2, 0)
		idx[a+3] = min(idx[a]+shape, v.Shape[a])
	}
	return idx, nil
}

// shiftAffine moves the origin of a by sign * (L . offset), L being the
// linear block of a.
func shiftAffine(a affine.Transform, offset [3]int, sign float64) affine.Transform {
	return a.Translate(r3.Vec{
		X: sign * float64(offset[0]),
		Y: sign * float64(offset[1]),
		Z: sign * float64(offset[2]),
	})
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func cropData(data []float64, shape [3]int, channels int, idx models.Index6) ([]float64, [3]int, error) {
	for a := 0; a < 3; a++ {
		if idx[a] < 0 || idx[a+3] > shape[a] || idx[a] >= idx[a+3] {
			return nil, shape, fmt.Errorf("crop box %v is not inside shape %v", idx, shape)
		}
	}
	out := idx.Shape()
	buf := make([]float64, models.NumVoxels(out)*channels)
	rowLen := out[0] * channels
	for k := 0; k < out[2]; k++ {
		for j := 0; j < out[1]; j++ {
			src := models.Index(shape, idx[0], idx[1]+j, idx[2]+k) * channels
			dst := models.Index(out, 0, j, k) * channels
			copy(buf[dst:dst+rowLen], data[src:src+rowLen])
		}
	}
	return buf, out, nil
}

// pasteData copies src (shape srcShape) into dst (shape dstShape) starting at
// offset. The caller guarantees that src fits.
func pasteData(dst []float64, dstShape [3]int, src []float64, srcShape [3]int, channels int, offset [3]int) {
	rowLen := srcShape[0] * channels
	for k := 0; k < srcShape[2]; k++ {
		for j := 0; j < srcShape[1]; j++ {
			s := models.Index(srcShape, 0, j, k) * channels
			d := models.Index(dstShape, offset[0], offset[1]+j, offset[2]+k) * channels
			copy(dst[d:d+rowLen], src[s:s+rowLen])
		}
	}
}
