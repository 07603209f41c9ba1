package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainreg/internal/models"
)

func maskWith(shape [3]int, voxels ...[3]int) []bool {
	m := make([]bool, models.NumVoxels(shape))
	for _, v := range voxels {
		m[models.Index(shape, v[0], v[1], v[2])] = true
	}
	return m
}

func TestLabelComponents(t *testing.T) {
	shape := [3]int{5, 5, 5}
	var voxels [][3]int
	for n := 0; n < 8; n++ {
		voxels = append(voxels, [3]int{n & 1, n >> 1 & 1, n >> 2})
	}
	// (2,2,2) touches the cube only at a corner; (4,4,4) is detached
	voxels = append(voxels, [3]int{2, 2, 2}, [3]int{4, 4, 4})
	mask := maskWith(shape, voxels...)

	labels, sizes, err := LabelComponents(mask, shape, Faces)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 8, 1, 1}, sizes)
	assert.Equal(t, int32(1), labels[models.Index(shape, 1, 1, 1)])
	assert.Equal(t, int32(2), labels[models.Index(shape, 2, 2, 2)])
	assert.Equal(t, int32(0), labels[models.Index(shape, 3, 3, 3)])

	_, sizes, err = LabelComponents(mask, shape, Corners)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 9, 1}, sizes)

	_, _, err = LabelComponents(mask[:10], shape, Faces)
	assert.Error(t, err)
}

func TestLargestComponent(t *testing.T) {
	shape := [3]int{5, 5, 5}
	mask := maskWith(shape, [3]int{0, 0, 0}, [3]int{1, 0, 0}, [3]int{1, 1, 1}, [3]int{4, 4, 4})

	kept, err := LargestComponent(mask, shape, Faces)
	require.NoError(t, err)
	assert.Equal(t, maskWith(shape, [3]int{0, 0, 0}, [3]int{1, 0, 0}), kept)

	kept, err = LargestComponent(mask, shape, Corners)
	require.NoError(t, err)
	assert.Equal(t, maskWith(shape, [3]int{0, 0, 0}, [3]int{1, 0, 0}, [3]int{1, 1, 1}), kept)

	// equal sizes: the component met first with i varying slowest wins
	tie := maskWith(shape, [3]int{3, 0, 0}, [3]int{0, 4, 0})
	kept, err = LargestComponent(tie, shape, Faces)
	require.NoError(t, err)
	assert.Equal(t, maskWith(shape, [3]int{0, 4, 0}), kept)

	empty := make([]bool, models.NumVoxels(shape))
	kept, err = LargestComponent(empty, shape, Faces)
	require.NoError(t, err)
	assert.Equal(t, empty, kept)
}
