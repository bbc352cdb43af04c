// Package gguf reads the metadata and tensor directory of GGUF model files.
package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	maxStringLen = 1 << 20
	maxArrayLen  = 1 << 24
	maxDims      = 8
)

// LoadFile parses the header of the GGUF file at path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	file, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("gguf %s: %w", path, err)
	}
	return file, nil
}

// Read parses a GGUF header, metadata and tensor directory from r. Reading
// stops before the tensor data.
func Read(r io.Reader) (*File, error) {
	d := &decoder{r: r}

	if magic := d.u32(); d.err == nil && magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: magic}
	}
	version := d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if version < 2 || version > GGUFVersion {
		return nil, ErrUnsupportedVersion{Version: version}
	}
	tensorCount := d.u64()
	kvCount := d.u64()
	if d.err != nil {
		return nil, d.err
	}

	file := &File{Version: version, KV: make(map[string]interface{}, min(kvCount, 1024))}
	for i := uint64(0); i < kvCount; i++ {
		key := d.str()
		typ := ValueType(d.u32())
		val := d.value(typ)
		if d.err != nil {
			return nil, fmt.Errorf("metadata %d: %w", i, d.err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < tensorCount; i++ {
		name := d.str()
		n := d.u32()
		if d.err == nil && n > maxDims {
			return nil, fmt.Errorf("tensor %q has %d dimensions", name, n)
		}
		dims := make([]uint64, n)
		for j := range dims {
			dims[j] = d.u64()
		}
		t := &TensorInfo{Name: name, Dimensions: dims, Type: GGMLType(d.u32()), Offset: d.u64()}
		if d.err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, d.err)
		}
		file.Tensors = append(file.Tensors, t)
	}
	return file, nil
}

// decoder reads little-endian values and keeps the first error.
type decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
	}
	return d.buf[:n]
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

func (d *decoder) str() string {
	n := d.u64()
	if d.err != nil {
		return ""
	}
	if n > maxStringLen {
		d.err = fmt.Errorf("string length %d exceeds %d", n, maxStringLen)
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = io.ErrUnexpectedEOF
		return ""
	}
	return string(b)
}

func (d *decoder) value(typ ValueType) interface{} {
	switch typ {
	case ValueTypeUint8:
		return d.u8()
	case ValueTypeInt8:
		return int8(d.u8())
	case ValueTypeUint16:
		return d.u16()
	case ValueTypeInt16:
		return int16(d.u16())
	case ValueTypeUint32:
		return d.u32()
	case ValueTypeInt32:
		return int32(d.u32())
	case ValueTypeFloat32:
		return math.Float32frombits(d.u32())
	case ValueTypeBool:
		return d.u8() != 0
	case ValueTypeString:
		return d.str()
	case ValueTypeUint64:
		return d.u64()
	case ValueTypeInt64:
		return int64(d.u64())
	case ValueTypeFloat64:
		return math.Float64frombits(d.u64())
	case ValueTypeArray:
		elem := ValueType(d.u32())
		n := d.u64()
		if d.err != nil {
			return nil
		}
		if n > maxArrayLen {
			d.err = fmt.Errorf("array length %d exceeds %d", n, maxArrayLen)
			return nil
		}
		arr := make([]interface{}, 0, min(n, 1024))
		for i := uint64(0); i < n && d.err == nil; i++ {
			arr = append(arr, d.value(elem))
		}
		return arr
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}
