package registration

import (
	"context"
	"sync/atomic"

	"brainreg/internal/logging"
	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/landmark"
)

const phantomSize = 21

var (
	phantomLabels  = []int{2, 4, 5, 7, 1001, 2001}
	phantomCenters = [][3]int{
		{5, 5, 5},
		{15, 5, 6},
		{5, 15, 8},
		{15, 15, 12},
		{10, 10, 15},
		{8, 12, 4},
	}
)

// phantom builds an image with a smooth interior ramp and a 2-voxel zero
// border, and a segmentation holding a 3x3x3 cube per label.
func phantom(aff affine.Transform) (img, seg *models.Volume) {
	shape := [3]int{phantomSize, phantomSize, phantomSize}
	img = models.NewVolume(shape, aff)
	seg = models.NewVolume(shape, aff)
	for idx := range img.Data {
		i, j, k := models.Coords(shape, idx)
		if min(i, j, k) < 2 || max(i, j, k) > phantomSize-3 {
			continue
		}
		img.Data[idx] = 10 + float64(i) + 2*float64(j) + 3*float64(k)
	}
	for n, c := range phantomCenters {
		for di := -1; di <= 1; di++ {
			for dj := -1; dj <= 1; dj++ {
				for dk := -1; dk <= 1; dk++ {
					seg.Set(c[0]+di, c[1]+dj, c[2]+dk, float64(phantomLabels[n]))
				}
			}
		}
	}
	return img, seg
}

// rotateZ rotates a phantom-sized volume by 90 degrees about the z axis
// through the grid centre: (i, j, k) moves to (20-j, i, k).
func rotateZ(v *models.Volume) *models.Volume {
	out := models.NewVolume(v.Shape, v.Affine)
	last := phantomSize - 1
	for idx, x := range v.Data {
		i, j, k := models.Coords(v.Shape, idx)
		out.Set(last-j, i, k, x)
	}
	return out
}

// phantomAtlas places the atlas landmarks at the centroids of seg, so that
// a subject segmented like seg maps onto the atlas with the identity.
func phantomAtlas(seg *models.Volume) Atlas {
	return Atlas{
		Shape:     [3]int{phantomSize, phantomSize, phantomSize},
		Affine:    affine.Identity(),
		Landmarks: landmark.Centroids(seg, phantomLabels, 10),
	}
}

func phantomParams(outs Outputs) Params {
	return Params{MinLandmarkVoxels: 10, Workers: 2, Outputs: outs}
}

var allOutputs = Outputs{RefReg: true, FloReg: true, FwdField: true, BakField: true}

// fakeDeformer returns constant displacements and counts its calls.
type fakeDeformer struct {
	fwd, bak [3]float64
	err      error
	calls    atomic.Int32
}

func (d *fakeDeformer) PredictDeformation(ctx context.Context, ref, flo *models.Volume) (*models.Field, *models.Field, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, nil, d.err
	}
	fill := func(v [3]float64) *models.Field {
		f := models.NewField(ref.Shape, ref.Affine)
		for n := range f.Data {
			f.Data[n] = v[n%3]
		}
		return f
	}
	return fill(d.fwd), fill(d.bak), nil
}

// fakeSegmenter labels every positive voxel with the channel at index fg.
type fakeSegmenter struct {
	labels []int
	fg     int
	calls  atomic.Int32
}

func (s *fakeSegmenter) Segment(ctx context.Context, v *models.Volume) (*models.Posteriors, error) {
	s.calls.Add(1)
	c := len(s.labels)
	p := &models.Posteriors{
		Data:   make([]float64, len(v.Data)*c),
		Shape:  v.Shape,
		Labels: s.labels,
		Affine: v.Affine,
	}
	for idx, x := range v.Data {
		if x > 0 {
			p.Data[idx*c+s.fg] = 0.9
			p.Data[idx*c] = 0.1
		} else {
			p.Data[idx*c] = 1
		}
	}
	return p, nil
}

var nopLogger = logging.NewNop()
