// Package visualization renders 2D previews of volumes for quality control.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"

	"brainreg/internal/models"
)

// DefaultPreviewSize is the height in pixels of every view in a preview.
const DefaultPreviewSize = 256

// Viewer extracts slices from a volume.
type Viewer struct {
	// volume holds the data being viewed
	volume *models.Volume

	// window is the intensity mapped to white
	window float64
}

// NewViewer creates a viewer. Intensities are mapped linearly from 0 to the
// volume maximum.
func NewViewer(v *models.Volume) *Viewer {
	w := 0.0
	if len(v.Data) > 0 {
		w = floats.Max(v.Data)
	}
	if w <= 0 {
		w = 1
	}
	return &Viewer{volume: v, window: w}
}

func (v *Viewer) gray(x float64) color.Gray16 {
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, x/v.window*65535)))}
}

// ExtractSlice extracts the 2D slice at position along axis ("x", "y" or
// "z"). Image rows follow the second in-plane voxel axis, flipped so that
// increasing indices point up.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	shape := v.volume.Shape

	var a, b, c int // a: slice axis, b: image x, c: image y
	switch axis {
	case "x", "X":
		a, b, c = 0, 1, 2
	case "y", "Y":
		a, b, c = 1, 0, 2
	case "z", "Z":
		a, b, c = 2, 0, 1
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if position >= shape[a] {
		return nil, fmt.Errorf("position %d exceeds extent %d of axis %s", position, shape[a], axis)
	}

	img := image.NewGray16(image.Rect(0, 0, shape[b], shape[c]))
	var ijk [3]int
	ijk[a] = position
	for y := 0; y < shape[c]; y++ {
		for x := 0; x < shape[b]; x++ {
			ijk[b], ijk[c] = x, y
			img.SetGray16(x, shape[c]-1-y, v.gray(v.volume.At(ijk[0], ijk[1], ijk[2])))
		}
	}
	return img, nil
}

// MidSlices returns the central slice along x, y and z.
func (v *Viewer) MidSlices() ([3]image.Image, error) {
	var out [3]image.Image
	for n, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.volume.Shape[n]/2)
		if err != nil {
			return out, err
		}
		out[n] = img
	}
	return out, nil
}

// Panel is one named volume in a preview set.
type Panel struct {
	Name   string
	Volume *models.Volume
}

// Montage places the three mid-slices of v side by side, each resized to the
// given height.
func Montage(v *models.Volume, height int) (image.Image, error) {
	views, err := NewViewer(v).MidSlices()
	if err != nil {
		return nil, err
	}
	var resized [3]image.Image
	width := 0
	for n, img := range views {
		resized[n] = imaging.Resize(img, 0, height, imaging.Lanczos)
		width += resized[n].Bounds().Dx()
	}

	out := imaging.New(width, height, color.Black)
	x := 0
	for _, img := range resized {
		out = imaging.Paste(out, img, image.Pt(x, 0))
		x += img.Bounds().Dx()
	}
	return out, nil
}

// SavePreviews writes one <name>.png montage per panel into dir. Panels
// without a volume are skipped.
func SavePreviews(dir string, panels []Panel, height int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create preview directory: %w", err)
	}
	for _, p := range panels {
		if p.Volume == nil {
			continue
		}
		img, err := Montage(p.Volume, height)
		if err != nil {
			return fmt.Errorf("preview %s: %w", p.Name, err)
		}
		if err := imaging.Save(img, filepath.Join(dir, p.Name+".png")); err != nil {
			return fmt.Errorf("failed to save preview %s: %w", p.Name, err)
		}
	}
	return nil
}
