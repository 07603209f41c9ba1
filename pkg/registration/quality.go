package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"brainreg/internal/models"
)

// Quality holds similarity metrics between a registered image and its
// target. They are computed over voxels where either image is non-zero,
// after scaling both to a maximum of 1.
type Quality struct {
	// Correlation is the Pearson correlation of intensities
	Correlation float64

	// SSIM is the global structural similarity index
	SSIM float64

	// MI is the Gaussian approximation of mutual information
	MI float64

	// RMSE is the root mean square intensity difference
	RMSE float64

	// Voxels is the number of voxels compared
	Voxels int
}

// ssimC1 and ssimC2 stabilize the SSIM ratios for intensities in [0, 1]:
// (0.01)² and (0.03)².
const (
	ssimC1 = 1e-4
	ssimC2 = 9e-4
)

// Compare computes the quality metrics of reg against ref. Both volumes must
// share a grid.
func Compare(ref, reg *models.Volume) (*Quality, error) {
	if ref.Shape != reg.Shape {
		return nil, fmt.Errorf("cannot compare shapes %v and %v", ref.Shape, reg.Shape)
	}

	var x, y []float64
	for n := range ref.Data {
		if ref.Data[n] == 0 && reg.Data[n] == 0 {
			continue
		}
		x = append(x, ref.Data[n])
		y = append(y, reg.Data[n])
	}
	if len(x) < 2 {
		return nil, fmt.Errorf("fewer than 2 foreground voxels to compare")
	}
	scaleToUnit(x)
	scaleToUnit(y)

	meanRef, varRef := stat.MeanVariance(x, nil)
	meanReg, varReg := stat.MeanVariance(y, nil)
	cov := stat.Covariance(x, y, nil)

	q := &Quality{
		Correlation: stat.Correlation(x, y, nil),
		RMSE:        floats.Distance(x, y, 2) / math.Sqrt(float64(len(x))),
		Voxels:      len(x),
	}

	// global SSIM: luminance term times contrast-structure term
	lum := (2*meanRef*meanReg + ssimC1) / (meanRef*meanRef + meanReg*meanReg + ssimC1)
	cs := (2*cov + ssimC2) / (varRef + varReg + ssimC2)
	q.SSIM = lum * cs

	// Gaussian MI: -0.5 log(1 - rho²), infinite for a perfect linear match
	if varRef > 0 && varReg > 0 {
		q.MI = math.Inf(1)
		if det := varRef*varReg - cov*cov; det > 0 {
			q.MI = 0.5 * math.Log(varRef*varReg/det)
		}
	}
	return q, nil
}

func scaleToUnit(xs []float64) {
	if m := floats.Max(xs); m > 0 {
		floats.Scale(1/m, xs)
	}
}
