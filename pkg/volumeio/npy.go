package volumeio

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/kshedden/gonpy"
)

// Array is an n-dimensional array in x-fastest (column-major) order, the
// order used by every volume in this module.
type Array struct {
	Data  []float64
	Shape []int
}

// ReadNpy decodes a .npy stream into column-major order, transposing
// row-major files.
func ReadNpy(r io.Reader) (*Array, error) {
	rdr, err := gonpy.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header: %w", err)
	}

	data, err := npyFloats(rdr)
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), rdr.Shape...)
	if !rdr.ColumnMajor {
		data = rowToColumnMajor(data, shape)
	}
	return &Array{Data: data, Shape: shape}, nil
}

// ReadNpyFile is ReadNpy on a file.
func ReadNpyFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	arr, err := ReadNpy(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return arr, nil
}

// WriteNpyFile writes a column-major array as a Fortran-ordered .npy file.
func WriteNpyFile(path string, arr *Array, dtype DType) error {
	wtr, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	wtr.Shape = append([]int(nil), arr.Shape...)
	wtr.ColumnMajor = true

	switch dtype {
	case Float32:
		buf := make([]float32, len(arr.Data))
		for i, v := range arr.Data {
			buf[i] = float32(v)
		}
		err = wtr.WriteFloat32(buf)
	case Float64:
		err = wtr.WriteFloat64(arr.Data)
	case Int32:
		buf := make([]int32, len(arr.Data))
		for i, v := range arr.Data {
			buf[i] = int32(v)
		}
		err = wtr.WriteInt32(buf)
	case Int16:
		buf := make([]int16, len(arr.Data))
		for i, v := range arr.Data {
			buf[i] = int16(v)
		}
		err = wtr.WriteInt16(buf)
	case Uint8:
		buf := make([]uint8, len(arr.Data))
		for i, v := range arr.Data {
			buf[i] = uint8(v)
		}
		err = wtr.WriteUint8(buf)
	default:
		return fmt.Errorf("unsupported output type %q", dtype)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func npyFloats(rdr *gonpy.NpyReader) ([]float64, error) {
	switch rdr.Dtype {
	case "f8":
		return rdr.GetFloat64()
	case "f4":
		return convert(rdr.GetFloat32())
	case "i8":
		return convert(rdr.GetInt64())
	case "i4":
		return convert(rdr.GetInt32())
	case "i2":
		return convert(rdr.GetInt16())
	case "i1":
		return convert(rdr.GetInt8())
	case "u8":
		return convert(rdr.GetUint64())
	case "u4":
		return convert(rdr.GetUint32())
	case "u2":
		return convert(rdr.GetUint16())
	case "u1":
		return convert(rdr.GetUint8())
	default:
		return nil, fmt.Errorf("unsupported npy dtype %q", rdr.Dtype)
	}
}

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32
}

func convert[T number](xs []T, err error) ([]float64, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to read npy data: %w", err)
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out, nil
}

// rowToColumnMajor reorders a C-ordered buffer of the given shape so that
// the first axis varies fastest.
func rowToColumnMajor(data []float64, shape []int) []float64 {
	if len(shape) < 2 {
		return data
	}
	out := make([]float64, len(data))
	idx := make([]int, len(shape))
	for src := range data {
		// idx holds the multi-index of src, last axis fastest
		dst, stride := 0, 1
		for a := range shape {
			dst += idx[a] * stride
			stride *= shape[a]
		}
		out[dst] = data[src]
		for a := len(shape) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < shape[a] {
				break
			}
			idx[a] = 0
		}
	}
	return out
}
