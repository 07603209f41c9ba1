// Package volumeio loads and saves volumes, segmentations and displacement
// fields as NIfTI-1 (.nii, .nii.gz) or NumPy (.npy) files.
//
// Both containers carry a voxel array plus, for NIfTI, a 4x4 voxel-to-world
// affine. NumPy arrays have no affine and load with the identity.
package volumeio

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"brainreg/internal/models"
	"brainreg/pkg/affine"
	"brainreg/pkg/regerr"
)

// MaxChannels is the longest fourth axis read as frames of a 3D volume.
// Anything longer is a genuine 4D volume.
const MaxChannels = 10

// DType is the element type written to disk.
type DType string

const (
	Uint8   DType = "uint8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

func (d DType) niftiCode() (code, bitpix int16, err error) {
	switch d {
	case Uint8:
		return dtUint8, 8, nil
	case Int16:
		return dtInt16, 16, nil
	case Int32:
		return dtInt32, 32, nil
	case Float32:
		return dtFloat32, 32, nil
	case Float64:
		return dtFloat64, 64, nil
	default:
		return 0, 0, fmt.Errorf("unsupported output type %q", d)
	}
}

type format int

const (
	formatNifti format = iota
	formatNiftiGz
	formatNpy
)

func detectFormat(path string) (format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return formatNiftiGz, nil
	case strings.HasSuffix(lower, ".nii"):
		return formatNifti, nil
	case strings.HasSuffix(lower, ".npy"):
		return formatNpy, nil
	default:
		return 0, fmt.Errorf("unrecognised volume extension in %q (want .nii, .nii.gz or .npy)", path)
	}
}

// Loader reads volumes and fields. The zero value logs to slog.Default().
type Loader struct {
	Logger *slog.Logger
}

func (l Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Load reads a 3D scalar volume with Loader{}.
func Load(path string) (*models.Volume, [3]float64, error) {
	return Loader{}.Load(path)
}

// LoadField reads a displacement field with Loader{}.
func LoadField(path string) (*models.Field, error) {
	return Loader{}.LoadField(path)
}

// Load reads a 3D scalar volume and returns it with its voxel size.
// Trailing singleton dimensions are dropped; of a 4D series only the first
// frame is kept.
func (l Loader) Load(path string) (*models.Volume, [3]float64, error) {
	dims, data, aff, spacing, err := readAny(path)
	if err != nil {
		return nil, spacing, err
	}

	dims = squeeze(dims)
	switch {
	case len(dims) > 4:
		return nil, spacing, &regerr.GeometryError{
			Op:     "load",
			Reason: fmt.Sprintf("%s has %d dimensions, at most 4 are supported", path, len(dims)),
		}
	case len(dims) < 3:
		return nil, spacing, &regerr.GeometryError{
			Op:     "load",
			Reason: fmt.Sprintf("%s has %d dimensions, need 3", path, len(dims)),
		}
	case len(dims) == 4 && dims[3] > MaxChannels:
		return nil, spacing, &regerr.GeometryError{
			Op:     "load",
			Reason: fmt.Sprintf("%s has shape %v, a fourth axis longer than %d is a fourth spatial dimension", path, dims, MaxChannels),
		}
	case len(dims) == 4:
		l.logger().Warn("volume has more than one frame, keeping the first", "path", path, "frames", dims[3])
		dims = dims[:3]
		data = data[:dims[0]*dims[1]*dims[2]]
	}

	v := &models.Volume{
		Data:   data,
		Shape:  [3]int{dims[0], dims[1], dims[2]},
		Affine: aff,
	}
	if _, err := affine.Invert(aff); err != nil {
		return nil, spacing, fmt.Errorf("%s: %w", path, err)
	}
	return v, spacing, nil
}

// LoadField reads a (X, Y, Z, 3) vector field.
func (l Loader) LoadField(path string) (*models.Field, error) {
	dims, data, aff, _, err := readAny(path)
	if err != nil {
		return nil, err
	}
	// (X, Y, Z, 1, 3) is how some tools store vector intents
	if len(dims) == 5 && dims[3] == 1 {
		dims = []int{dims[0], dims[1], dims[2], dims[4]}
	}
	dims = squeezeAfter(dims, 4)
	if len(dims) != 4 || dims[3] != models.FieldChannels {
		return nil, &regerr.GeometryError{
			Op:     "load field",
			Reason: fmt.Sprintf("%s has shape %v, want (X, Y, Z, 3)", path, dims),
		}
	}

	shape := [3]int{dims[0], dims[1], dims[2]}
	return &models.Field{
		Data:   planarToInterleaved(data, models.NumVoxels(shape), models.FieldChannels),
		Shape:  shape,
		Affine: aff,
	}, nil
}

// Save writes v. Parent directories are created as needed.
func Save(v *models.Volume, path string, dtype DType) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("cannot save %s: %w", path, err)
	}
	return writeAny(path, v.Data, v.Shape[:], v.Affine, dtype)
}

// SaveField writes f as a (X, Y, Z, 3) float32 array.
func SaveField(f *models.Field, path string) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("cannot save %s: %w", path, err)
	}
	dims := []int{f.Shape[0], f.Shape[1], f.Shape[2], models.FieldChannels}
	data := interleavedToPlanar(f.Data, models.NumVoxels(f.Shape), models.FieldChannels)
	return writeAny(path, data, dims, f.Affine, Float32)
}

func readAny(path string) (dims []int, data []float64, aff affine.Transform, spacing [3]float64, err error) {
	ft, err := detectFormat(path)
	if err != nil {
		return nil, nil, aff, spacing, err
	}

	if ft == formatNpy {
		arr, err := ReadNpyFile(path)
		if err != nil {
			return nil, nil, aff, spacing, err
		}
		return arr.Shape, arr.Data, affine.Identity(), [3]float64{1, 1, 1}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, aff, spacing, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if ft == formatNiftiGz {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, aff, spacing, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	img, err := decode(r)
	if err != nil {
		return nil, nil, aff, spacing, fmt.Errorf("%s: %w", path, err)
	}
	for i := 0; i < 3; i++ {
		spacing[i] = pixdim(img.header, i+1)
	}
	return img.dims, img.data, img.affine, spacing, nil
}

func writeAny(path string, data []float64, dims []int, aff affine.Transform, dtype DType) error {
	ft, err := detectFormat(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if ft == formatNpy {
		return WriteNpyFile(path, &Array{Data: data, Shape: dims}, dtype)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if ft == formatNiftiGz {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err := encode(w, data, dims, aff, dtype); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to compress %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// squeeze drops trailing singleton dimensions beyond the third.
func squeeze(dims []int) []int {
	return squeezeAfter(dims, 3)
}

func squeezeAfter(dims []int, keep int) []int {
	for len(dims) > keep && dims[len(dims)-1] == 1 {
		dims = dims[:len(dims)-1]
	}
	return dims
}

// planarToInterleaved converts channel-slowest data (the file order of a
// (X, Y, Z, C) array) to channel-fastest data.
func planarToInterleaved(data []float64, n, channels int) []float64 {
	out := make([]float64, len(data))
	for c := 0; c < channels; c++ {
		for idx := 0; idx < n; idx++ {
			out[idx*channels+c] = data[c*n+idx]
		}
	}
	return out
}

func interleavedToPlanar(data []float64, n, channels int) []float64 {
	out := make([]float64, len(data))
	for c := 0; c < channels; c++ {
		for idx := 0; idx < n; idx++ {
			out[c*n+idx] = data[idx*channels+c]
		}
	}
	return out
}

// PosteriorsToArray lays out posteriors as a (X, Y, Z, C) column-major array.
func PosteriorsToArray(p *models.Posteriors) *Array {
	n := models.NumVoxels(p.Shape)
	return &Array{
		Data:  interleavedToPlanar(p.Data, n, p.Channels()),
		Shape: []int{p.Shape[0], p.Shape[1], p.Shape[2], p.Channels()},
	}
}

// ArrayToPosteriors is the inverse of PosteriorsToArray. The channel count
// must match the label vocabulary.
func ArrayToPosteriors(arr *Array, labels []int, aff affine.Transform) (*models.Posteriors, error) {
	dims := squeezeAfter(arr.Shape, 4)
	if len(dims) == 5 && dims[0] == 1 {
		// leading batch axis
		dims = dims[1:]
	}
	if len(dims) != 4 || dims[3] != len(labels) {
		return nil, &regerr.GeometryError{
			Op:     "posteriors",
			Reason: fmt.Sprintf("array shape %v does not match %d labels", arr.Shape, len(labels)),
		}
	}
	shape := [3]int{dims[0], dims[1], dims[2]}
	return &models.Posteriors{
		Data:   planarToInterleaved(arr.Data, models.NumVoxels(shape), len(labels)),
		Shape:  shape,
		Labels: labels,
		Affine: aff,
	}, nil
}

// ArrayToField converts a (X, Y, Z, 3) array into a field.
func ArrayToField(arr *Array, aff affine.Transform) (*models.Field, error) {
	dims := squeezeAfter(arr.Shape, 4)
	if len(dims) == 5 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 4 || dims[3] != models.FieldChannels {
		return nil, &regerr.GeometryError{
			Op:     "field",
			Reason: fmt.Sprintf("array shape %v is not (X, Y, Z, 3)", arr.Shape),
		}
	}
	shape := [3]int{dims[0], dims[1], dims[2]}
	return &models.Field{
		Data:   planarToInterleaved(arr.Data, models.NumVoxels(shape), models.FieldChannels),
		Shape:  shape,
		Affine: aff,
	}, nil
}

// VolumeToArray lays out a volume as a (X, Y, Z) column-major array.
func VolumeToArray(v *models.Volume) *Array {
	return &Array{Data: v.Data, Shape: []int{v.Shape[0], v.Shape[1], v.Shape[2]}}
}
