// Package affine implements 4x4 homogeneous transforms used both as
// voxel-to-world mappings and as pure coordinate remappings between
// subject and atlas space.
package affine

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"brainreg/pkg/regerr"
)

// SingularTolerance is the smallest |det| of the linear block accepted by
// Invert.
const SingularTolerance = 1e-12

// ErrSingularTransform is wrapped by the GeometryError returned from Invert.
var ErrSingularTransform = errors.New("singular transform")

// Transform is a 4x4 homogeneous matrix whose last row is [0 0 0 1].
type Transform [4][4]float64

// Identity returns the identity transform.
func Identity() Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		t[i][i] = 1
	}
	return t
}

// FromRows builds a transform from a row-major 3x4 or 4x4 table, as found
// in configuration files. The bottom row is always reset to [0 0 0 1].
func FromRows(rows [][]float64) (Transform, error) {
	if len(rows) != 3 && len(rows) != 4 {
		return Transform{}, fmt.Errorf("affine needs 3 or 4 rows, got %d", len(rows))
	}
	t := Identity()
	for i := 0; i < 3; i++ {
		if len(rows[i]) != 4 {
			return Transform{}, fmt.Errorf("affine row %d has %d columns, want 4", i, len(rows[i]))
		}
		copy(t[i][:], rows[i])
	}
	return t, nil
}

// Rows returns the transform as a row-major table.
func (a Transform) Rows() [][]float64 {
	rows := make([][]float64, 4)
	for i := range rows {
		rows[i] = append([]float64(nil), a[i][:]...)
	}
	return rows
}

// Mul returns a·b.
func (a Transform) Mul(b Transform) Transform {
	var c Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[i][k] * b[k][j]
			}
			c[i][j] = s
		}
	}
	return c
}

// Compose multiplies the transforms left to right, so
// Compose(A, B, C) = A·B·C and C is applied to a point first.
func Compose(ts ...Transform) Transform {
	out := Identity()
	for _, t := range ts {
		out = out.Mul(t)
	}
	return out
}

// Apply maps a point through the transform.
func (a Transform) Apply(p r3.Vec) r3.Vec {
	x, y, z := a.ApplyIndex(p.X, p.Y, p.Z)
	return r3.Vec{X: x, Y: y, Z: z}
}

// ApplyIndex maps the homogeneous coordinate (i, j, k, 1).
func (a Transform) ApplyIndex(i, j, k float64) (x, y, z float64) {
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// LinearApply maps a direction through the 3x3 linear block only.
func (a Transform) LinearApply(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: a[0][0]*v.X + a[0][1]*v.Y + a[0][2]*v.Z,
		Y: a[1][0]*v.X + a[1][1]*v.Y + a[1][2]*v.Z,
		Z: a[2][0]*v.X + a[2][1]*v.Y + a[2][2]*v.Z,
	}
}

// Column returns the first three entries of column c.
func (a Transform) Column(c int) r3.Vec {
	return r3.Vec{X: a[0][c], Y: a[1][c], Z: a[2][c]}
}

// SetColumn replaces the first three entries of column c.
func (a *Transform) SetColumn(c int, v r3.Vec) {
	a[0][c], a[1][c], a[2][c] = v.X, v.Y, v.Z
}

// Translation returns the offset column.
func (a Transform) Translation() r3.Vec {
	return a.Column(3)
}

// Translate returns a copy of a whose offset column is shifted by the
// linear block applied to the voxel offset d. A positive d moves the
// voxel origin to index d of the old grid.
func (a Transform) Translate(d r3.Vec) Transform {
	out := a
	out.SetColumn(3, r3.Add(a.Translation(), a.LinearApply(d)))
	return out
}

// Det3 returns the determinant of the 3x3 linear block.
func (a Transform) Det3() float64 {
	return a[0][0]*(a[1][1]*a[2][2]-a[1][2]*a[2][1]) -
		a[0][1]*(a[1][0]*a[2][2]-a[1][2]*a[2][0]) +
		a[0][2]*(a[1][0]*a[2][1]-a[1][1]*a[2][0])
}

// Dense returns the transform as a gonum matrix.
func (a Transform) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, a[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// FromDense copies a 4x4 (or 3x4) gonum matrix into a Transform.
func FromDense(m mat.Matrix) Transform {
	t := Identity()
	r, c := m.Dims()
	for i := 0; i < r && i < 3; i++ {
		for j := 0; j < c && j < 4; j++ {
			t[i][j] = m.At(i, j)
		}
	}
	return t
}

// Invert returns the inverse transform. A linear block with a near-zero
// determinant is a GeometryError wrapping ErrSingularTransform.
func Invert(a Transform) (Transform, error) {
	det := mat.Det(a.Dense().Slice(0, 3, 0, 3))
	if math.Abs(det) < SingularTolerance || math.IsNaN(det) {
		return Transform{}, &regerr.GeometryError{
			Op:     "invert",
			Reason: fmt.Sprintf("linear block determinant %g", det),
			Err:    ErrSingularTransform,
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Transform{}, &regerr.GeometryError{Op: "invert", Reason: err.Error(), Err: ErrSingularTransform}
		}
	}
	return FromDense(&inv), nil
}

// VoxelSizes returns the physical spacing along each voxel axis, i.e. the
// norms of the linear block's columns.
func VoxelSizes(a Transform) [3]float64 {
	var out [3]float64
	for c := 0; c < 3; c++ {
		out[c] = r3.Norm(a.Column(c))
	}
	return out
}

// ApproxEqual reports whether every entry of a and b differs by at most tol.
func ApproxEqual(a, b Transform, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (a Transform) String() string {
	var sb strings.Builder
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&sb, "[% .4f % .4f % .4f % .4f]", a[i][0], a[i][1], a[i][2], a[i][3])
		if i < 3 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
