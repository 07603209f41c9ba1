// Package landmark extracts per-label centroids from segmentations and
// solves for the affine transform that best maps one landmark set onto
// another in the least-squares sense.
package landmark

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/regerr"
)

const (
	// DefaultMinVoxels is the number of voxels a label must exceed to be used
	DefaultMinVoxels = 50

	// MinCorrespondences is the smallest landmark count that determines a
	// 3D affine (12 unknowns, 3 equations per landmark).
	MinCorrespondences = 4

	// maxCondition bounds the condition number of the normal matrix; above
	// it the points are treated as coplanar.
	maxCondition = 1e12
)

// Landmark is the world-space centroid of one anatomical label.
type Landmark struct {
	Label int
	Point r3.Vec
	// Count is the number of voxels carrying Label
	Count int
	// Valid is false when the label had too few voxels; Point is then zero
	Valid bool
}

// Set is an ordered collection of landmarks, one per label.
type Set []Landmark

// NumValid returns the number of valid landmarks.
func (s Set) NumValid() int {
	n := 0
	for _, l := range s {
		if l.Valid {
			n++
		}
	}
	return n
}

// Missing lists the labels that are not valid.
func (s Set) Missing() []int {
	var out []int
	for _, l := range s {
		if !l.Valid {
			out = append(out, l.Label)
		}
	}
	return out
}

// AtlasLandmarks builds the fixed landmark set of the atlas from its label
// list and its 3xN centroid table (one row per world axis).
func AtlasLandmarks(labels []int, centroids [3][]float64) (Set, error) {
	for a := 0; a < 3; a++ {
		if len(centroids[a]) != len(labels) {
			return nil, fmt.Errorf("atlas centroid row %d has %d entries for %d labels", a, len(centroids[a]), len(labels))
		}
	}
	out := make(Set, len(labels))
	for n, label := range labels {
		out[n] = Landmark{
			Label: label,
			Point: r3.Vec{X: centroids[0][n], Y: centroids[1][n], Z: centroids[2][n]},
			Valid: true,
		}
	}
	return out, nil
}

// Centroids computes one landmark per label of labels from the segmentation
// seg. A label is valid when more than minVoxels voxels carry it exactly;
// its point is the per-axis median voxel index mapped through seg.Affine.
func Centroids(seg *models.Volume, labels []int, minVoxels int) Set {
	want := make(map[int]int, len(labels))
	for n, l := range labels {
		want[l] = n
	}

	// voxel coordinates per label, gathered in one pass
	coords := make([][3][]float64, len(labels))
	for idx, x := range seg.Data {
		n, ok := want[int(x)]
		if !ok || float64(int(x)) != x {
			continue
		}
		i, j, k := models.Coords(seg.Shape, idx)
		coords[n][0] = append(coords[n][0], float64(i))
		coords[n][1] = append(coords[n][1], float64(j))
		coords[n][2] = append(coords[n][2], float64(k))
	}

	out := make(Set, len(labels))
	for n, label := range labels {
		count := len(coords[n][0])
		out[n] = Landmark{Label: label, Count: count}
		if count <= minVoxels {
			continue
		}
		x, y, z := seg.Affine.ApplyIndex(median(coords[n][0]), median(coords[n][1]), median(coords[n][2]))
		out[n].Point = r3.Vec{X: x, Y: y, Z: z}
		out[n].Valid = true
	}
	return out
}

// median sorts xs in place and returns the middle value, or the mean of the
// two middle values for an even count.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// Solve returns the affine M minimising sum |M.src - dst|^2 over the labels
// valid in both sets. Labels present in only one set are ignored.
//
// The system is the stacked (3n)x12 design matrix with unknowns ordered as
// the 9 linear coefficients row by row followed by the 3 translations; it is
// solved through its normal equations.
func Solve(src, dst Set) (affine.Transform, error) {
	dstByLabel := make(map[int]r3.Vec, len(dst))
	for _, l := range dst {
		if l.Valid {
			dstByLabel[l.Label] = l.Point
		}
	}
	var from, to []r3.Vec
	for _, l := range src {
		if !l.Valid {
			continue
		}
		if p, ok := dstByLabel[l.Label]; ok {
			from = append(from, l.Point)
			to = append(to, p)
		}
	}

	n := len(from)
	if n < MinCorrespondences {
		return affine.Transform{}, &regerr.InsufficientLandmarksError{Found: n, Required: MinCorrespondences}
	}

	a := mat.NewDense(3*n, 12, nil)
	b := mat.NewVecDense(3*n, nil)
	for r := 0; r < 3; r++ {
		for p := 0; p < n; p++ {
			row := r*n + p
			a.Set(row, 3*r, from[p].X)
			a.Set(row, 3*r+1, from[p].Y)
			a.Set(row, 3*r+2, from[p].Z)
			a.Set(row, 9+r, 1)
			b.SetVec(row, [3]float64{to[p].X, to[p].Y, to[p].Z}[r])
		}
	}

	var ata mat.SymDense
	ata.SymOuterK(1, a.T())
	var atb mat.VecDense
	atb.MulVec(a.T(), b)

	var chol mat.Cholesky
	if ok := chol.Factorize(&ata); !ok || chol.Cond() > maxCondition {
		return affine.Transform{}, &regerr.InsufficientLandmarksError{
			Found:    n,
			Required: MinCorrespondences,
			Reason:   "landmarks are coplanar or collinear",
		}
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, &atb); err != nil {
		return affine.Transform{}, fmt.Errorf("failed to solve landmark system: %w", err)
	}

	m := affine.Identity()
	for r := 0; r < 3; r++ {
		m[r][0] = x.AtVec(3 * r)
		m[r][1] = x.AtVec(3*r + 1)
		m[r][2] = x.AtVec(3*r + 2)
		m[r][3] = x.AtVec(9 + r)
	}
	return m, nil
}
