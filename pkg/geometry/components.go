package geometry

import (
	"fmt"

	"brainreg/internal/models"
)

// Connectivity selects which neighbours join a connected component.
type Connectivity int

const (
	// Faces joins the 6 voxels sharing a face
	Faces Connectivity = iota
	// Corners joins all 26 voxels sharing a face, edge or corner
	Corners
)

func (c Connectivity) offsets() [][3]int {
	var out [][3]int
	for dk := -1; dk <= 1; dk++ {
		for dj := -1; dj <= 1; dj++ {
			for di := -1; di <= 1; di++ {
				n := abs(di) + abs(dj) + abs(dk)
				if n == 0 || (c == Faces && n > 1) {
					continue
				}
				out = append(out, [3]int{di, dj, dk})
			}
		}
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// LabelComponents numbers the connected components of mask, 1-based, and
// returns the label of every voxel (0 outside the mask) and the component
// sizes indexed by label. Components are numbered in the order their first
// voxel appears when i varies slowest and k fastest.
func LabelComponents(mask []bool, shape [3]int, conn Connectivity) ([]int32, []int, error) {
	if len(mask) != models.NumVoxels(shape) {
		return nil, nil, fmt.Errorf("mask has %d voxels, shape %v needs %d", len(mask), shape, models.NumVoxels(shape))
	}
	labels := make([]int32, len(mask))
	sizes := []int{0}
	offsets := conn.offsets()
	var queue []int

	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				seed := models.Index(shape, i, j, k)
				if !mask[seed] || labels[seed] != 0 {
					continue
				}
				id := int32(len(sizes))
				labels[seed] = id
				size := 0
				queue = append(queue[:0], seed)
				for len(queue) > 0 {
					cur := queue[len(queue)-1]
					queue = queue[:len(queue)-1]
					size++
					ci, cj, ck := models.Coords(shape, cur)
					for _, o := range offsets {
						ni, nj, nk := ci+o[0], cj+o[1], ck+o[2]
						if ni < 0 || nj < 0 || nk < 0 || ni >= shape[0] || nj >= shape[1] || nk >= shape[2] {
							continue
						}
						n := models.Index(shape, ni, nj, nk)
						if mask[n] && labels[n] == 0 {
							labels[n] = id
							queue = append(queue, n)
						}
					}
				}
				sizes = append(sizes, size)
			}
		}
	}
	return labels, sizes, nil
}

// LargestComponent keeps the largest connected component of mask. Ties go to
// the lowest component label. A mask without foreground is returned as a
// copy.
func LargestComponent(mask []bool, shape [3]int, conn Connectivity) ([]bool, error) {
	labels, sizes, err := LabelComponents(mask, shape, conn)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(mask))
	if len(sizes) == 1 {
		copy(out, mask)
		return out, nil
	}
	best := 1
	for id := 2; id < len(sizes); id++ {
		if sizes[id] > sizes[best] {
			best = id
		}
	}
	for n, l := range labels {
		out[n] = l == int32(best)
	}
	return out, nil
}
