package volumeio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"brainreg/pkg/affine"
)

// Header is the on-disk NIfTI-1 header.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

const (
	headerSize = 348
	dataOffset = 352

	xformScanner = 1
	unitsMMSec   = 2 | 8
)

// NIfTI datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
	dtInt64   = 1024
	dtUint64  = 1280
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// image is a decoded NIfTI file: the voxel data in file order (x fastest,
// higher dimensions slowest), the meaningful dimensions and the affine.
type image struct {
	header Header
	dims   []int
	data   []float64
	affine affine.Transform
}

// readHeader decodes the header, detecting the byte order from sizeof_hdr.
func readHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("failed to read NIfTI header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return Header{}, nil, fmt.Errorf("not a NIfTI-1 file: bad header size")
		}
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("failed to decode NIfTI header: %w", err)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return Header{}, nil, fmt.Errorf("NIfTI dim[0] = %d is not in [1, 7]", h.Dim[0])
	}
	return h, order, nil
}

// decode reads a single-file NIfTI-1 stream.
func decode(r io.Reader) (*image, error) {
	h, order, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Magic != magicSingleFile {
		return nil, fmt.Errorf("only single-file NIfTI (n+1) is supported")
	}

	dims := make([]int, h.Dim[0])
	n := 1
	for i := range dims {
		dims[i] = int(h.Dim[i+1])
		if dims[i] <= 0 {
			return nil, fmt.Errorf("NIfTI dim[%d] = %d is not positive", i+1, dims[i])
		}
		n *= dims[i]
	}

	offset := int64(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("failed to skip to voxel data: %w", err)
	}

	data, err := readVoxels(r, order, h.Datatype, n)
	if err != nil {
		return nil, err
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && !math.IsNaN(inter) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &image{header: h, dims: dims, data: data, affine: headerAffine(h)}, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error
	switch datatype {
	case dtUint8:
		buf := make([]uint8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtInt8:
		buf := make([]int8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtInt16:
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtUint16:
		buf := make([]uint16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtInt32:
		buf := make([]int32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtUint32:
		buf := make([]uint32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtInt64:
		buf := make([]int64, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtUint64:
		buf := make([]uint64, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtFloat32:
		buf := make([]float32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtFloat64:
		err = binary.Read(r, order, out)
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	return out, nil
}

// headerAffine picks sform, then qform, then the pixdim diagonal.
func headerAffine(h Header) affine.Transform {
	if h.SformCode > 0 {
		t := affine.Identity()
		for c := 0; c < 4; c++ {
			t[0][c] = float64(h.SrowX[c])
			t[1][c] = float64(h.SrowY[c])
			t[2][c] = float64(h.SrowZ[c])
		}
		return t
	}

	dx, dy, dz := pixdim(h, 1), pixdim(h, 2), pixdim(h, 3)
	if h.QformCode > 0 {
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		t := quaternToMatrix(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD))
		for r := 0; r < 3; r++ {
			t[r][0] *= dx
			t[r][1] *= dy
			t[r][2] *= dz * qfac
		}
		t[0][3] = float64(h.QoffsetX)
		t[1][3] = float64(h.QoffsetY)
		t[2][3] = float64(h.QoffsetZ)
		return t
	}

	t := affine.Identity()
	t[0][0], t[1][1], t[2][2] = dx, dy, dz
	return t
}

func pixdim(h Header, i int) float64 {
	if d := float64(h.Pixdim[i]); d > 0 {
		return d
	}
	return 1
}

func quaternToMatrix(b, c, d float64) affine.Transform {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// b, c, d describe a 180 degree rotation; renormalise
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	t := affine.Identity()
	t[0][0] = a*a + b*b - c*c - d*d
	t[0][1] = 2 * (b*c - a*d)
	t[0][2] = 2 * (b*d + a*c)
	t[1][0] = 2 * (b*c + a*d)
	t[1][1] = a*a + c*c - b*b - d*d
	t[1][2] = 2 * (c*d - a*b)
	t[2][0] = 2 * (b*d - a*c)
	t[2][1] = 2 * (c*d + a*b)
	t[2][2] = a*a + d*d - c*c - b*b
	return t
}

// matrixToQuatern extracts the rotation quaternion (b, c, d) and qfac from
// the linear block of t. Shear is ignored; the sform keeps the exact matrix.
func matrixToQuatern(t affine.Transform) (b, c, d, qfac float64) {
	var r [3][3]float64
	for col := 0; col < 3; col++ {
		norm := math.Sqrt(t[0][col]*t[0][col] + t[1][col]*t[1][col] + t[2][col]*t[2][col])
		if norm == 0 {
			norm = 1
		}
		for row := 0; row < 3; row++ {
			r[row][col] = t[row][col] / norm
		}
	}

	qfac = 1
	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	if det < 0 {
		qfac = -1
		r[0][2], r[1][2], r[2][2] = -r[0][2], -r[1][2], -r[2][2]
	}

	var a float64
	if trace := r[0][0] + r[1][1] + r[2][2] + 1; trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
	} else {
		xd := 1 + r[0][0] - (r[1][1] + r[2][2])
		yd := 1 + r[1][1] - (r[0][0] + r[2][2])
		zd := 1 + r[2][2] - (r[0][0] + r[1][1])
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r[0][1] + r[1][0]) / b
			d = 0.25 * (r[0][2] + r[2][0]) / b
			a = 0.25 * (r[2][1] - r[1][2]) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r[0][1] + r[1][0]) / c
			d = 0.25 * (r[1][2] + r[2][1]) / c
			a = 0.25 * (r[0][2] - r[2][0]) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r[0][2] + r[2][0]) / d
			c = 0.25 * (r[1][2] + r[2][1]) / d
			a = 0.25 * (r[1][0] - r[0][1]) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}

// encode writes a single-file NIfTI-1 stream with both sform and qform set
// from aff. data is in file order for dims.
func encode(w io.Writer, data []float64, dims []int, aff affine.Transform, dtype DType) error {
	code, bitpix, err := dtype.niftiCode()
	if err != nil {
		return err
	}
	if len(dims) < 1 || len(dims) > 7 {
		return fmt.Errorf("cannot write %d dimensions to NIfTI", len(dims))
	}

	var h Header
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Dim[0] = int16(len(dims))
	for i := 1; i < 8; i++ {
		h.Dim[i] = 1
	}
	for i, n := range dims {
		if n > math.MaxInt16 {
			return fmt.Errorf("dimension %d of size %d does not fit a NIfTI-1 header", i, n)
		}
		h.Dim[i+1] = int16(n)
	}
	h.Datatype = code
	h.Bitpix = bitpix
	h.VoxOffset = dataOffset
	h.SclSlope = 1
	h.XyztUnits = unitsMMSec

	b, c, d, qfac := matrixToQuatern(aff)
	sizes := affine.VoxelSizes(aff)
	h.Pixdim[0] = float32(qfac)
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(sizes[i])
	}
	for i := 4; i < 8; i++ {
		h.Pixdim[i] = 1
	}
	h.QformCode = xformScanner
	h.SformCode = xformScanner
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(aff[0][3]), float32(aff[1][3]), float32(aff[2][3])
	for col := 0; col < 4; col++ {
		h.SrowX[col] = float32(aff[0][col])
		h.SrowY[col] = float32(aff[1][col])
		h.SrowZ[col] = float32(aff[2][col])
	}
	h.Magic = magicSingleFile

	order := binary.LittleEndian
	if err := binary.Write(w, order, &h); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	return writeVoxels(w, order, data, dtype)
}

func writeVoxels(w io.Writer, order binary.ByteOrder, data []float64, dtype DType) error {
	var buf any
	switch dtype {
	case Uint8:
		out := make([]uint8, len(data))
		for i, v := range data {
			out[i] = uint8(math.Round(math.Min(math.Max(v, 0), math.MaxUint8)))
		}
		buf = out
	case Int16:
		out := make([]int16, len(data))
		for i, v := range data {
			out[i] = int16(math.Round(math.Min(math.Max(v, math.MinInt16), math.MaxInt16)))
		}
		buf = out
	case Int32:
		out := make([]int32, len(data))
		for i, v := range data {
			out[i] = int32(math.Round(math.Min(math.Max(v, math.MinInt32), math.MaxInt32)))
		}
		buf = out
	case Float32:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		buf = out
	case Float64:
		buf = data
	default:
		return fmt.Errorf("unsupported output type %q", dtype)
	}
	if err := binary.Write(w, order, buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}
