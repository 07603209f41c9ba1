package geometry

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"brainreg/internal/models"
)

// Percentile returns the p-th percentile (0..100) of sorted using linear
// interpolation between the two closest ranks, the same definition as
// numpy's default percentile.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, n-1)
	w := pos - float64(lo)
	return sorted[lo] + w*(sorted[hi]-sorted[lo])
}

// RescaleIntensities clips v to its [pMin, pMax] percentile range and maps
// that range linearly onto [newMin, newMax]. A constant volume maps to zero.
func RescaleIntensities(v *models.Volume, newMin, newMax, pMin, pMax float64) (*models.Volume, error) {
	if pMin < 0 || pMax > 100 || pMin > pMax {
		return nil, fmt.Errorf("invalid percentile range [%g, %g]", pMin, pMax)
	}
	if len(v.Data) == 0 {
		return v.Clone(), nil
	}

	var robustMin, robustMax float64
	if pMin == 0 {
		robustMin = floats.Min(v.Data)
	}
	if pMax == 100 {
		robustMax = floats.Max(v.Data)
	}
	if pMin != 0 || pMax != 100 {
		sorted := append([]float64(nil), v.Data...)
		sort.Float64s(sorted)
		if pMin != 0 {
			robustMin = Percentile(sorted, pMin)
		}
		if pMax != 100 {
			robustMax = Percentile(sorted, pMax)
		}
	}

	out := models.NewVolume(v.Shape, v.Affine)
	if robustMin == robustMax {
		return out, nil
	}
	scale := (newMax - newMin) / (robustMax - robustMin)
	for n, x := range v.Data {
		x = math.Min(math.Max(x, robustMin), robustMax)
		out.Data[n] = newMin + (x-robustMin)*scale
	}
	return out, nil
}

// Normalize divides v by its maximum in place. Volumes whose maximum is not
// positive are left unchanged.
func Normalize(v *models.Volume) {
	if len(v.Data) == 0 {
		return
	}
	m := floats.Max(v.Data)
	if m <= 0 {
		return
	}
	floats.Scale(1/m, v.Data)
}

// MaskWhere zeroes every voxel of v whose counterpart in mask is zero. Both
// volumes must share a shape.
func MaskWhere(v, mask *models.Volume) error {
	if v.Shape != mask.Shape {
		return fmt.Errorf("mask shape %v does not match volume shape %v", mask.Shape, v.Shape)
	}
	for n, m := range mask.Data {
		if m == 0 {
			v.Data[n] = 0
		}
	}
	return nil
}
