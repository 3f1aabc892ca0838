package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/x448/float16"
)

const defaultAlignment = 32

// Load maps a GGUF file into memory and parses header, metadata and tensor
// directory. Tensor data stays in the mapping; nothing is copied until a
// caller asks for a tensor's values.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	file := &File{
		KV:    make(map[string]interface{}),
		data:  m,
		unmap: m.Unmap,
	}
	if err := file.parse(); err != nil {
		_ = m.Unmap()
		return nil, err
	}
	return file, nil
}

func (f *File) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	f.data = nil
	return err
}

func (f *File) parse() error {
	data := f.data
	if len(data) < 24 {
		return io.ErrUnexpectedEOF
	}

	r := &cursor{data: data}
	f.Header.Magic = r.u32()
	if f.Header.Magic != Magic {
		return ErrInvalidMagic{Magic: f.Header.Magic}
	}
	f.Header.Version = r.u32()
	if f.Header.Version < 2 || f.Header.Version > Version {
		return ErrUnsupportedVersion{Version: f.Header.Version}
	}
	f.Header.TensorCount = r.u64()
	f.Header.KVCount = r.u64()

	for i := uint64(0); i < f.Header.KVCount; i++ {
		key := r.str()
		val, err := r.value(MetadataValueType(r.u32()))
		if err != nil {
			return err
		}
		f.KV[key] = val
	}

	for i := uint64(0); i < f.Header.TensorCount; i++ {
		t := &TensorInfo{Name: r.str()}
		nDims := r.u32()
		for d := uint32(0); d < nDims; d++ {
			t.Dimensions = append(t.Dimensions, r.u64())
		}
		t.Type = TensorType(r.u32())
		t.Offset = r.u64()
		if t.SizeBytes() == 0 {
			return ErrUnsupportedTensorType{Name: t.Name, Type: t.Type}
		}
		f.Tensors = append(f.Tensors, t)
	}
	if r.err != nil {
		return r.err
	}

	align := uint64(defaultAlignment)
	if v, ok := f.KV["general.alignment"]; ok {
		if a, ok := v.(uint32); ok && a > 0 {
			align = uint64(a)
		}
	}
	f.DataOffset = (r.off + align - 1) / align * align

	for _, t := range f.Tensors {
		start := f.DataOffset + t.Offset
		end := start + t.SizeBytes()
		if end > uint64(len(data)) {
			return fmt.Errorf("tensor %s: data out of bounds (%d > %d)", t.Name, end, len(data))
		}
		t.Data = data[start:end]
	}
	return nil
}

// TensorByName returns the named tensor, or nil.
func (f *File) TensorByName(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Float32Data decodes a tensor's values to float32, converting from fp16
// storage when needed.
func (f *File) Float32Data(t *TensorInfo) ([]float32, error) {
	n := int(t.NumElements())
	out := make([]float32, n)
	switch t.Type {
	case TypeF32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case TypeF16:
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
	default:
		return nil, ErrUnsupportedTensorType{Name: t.Name, Type: t.Type}
	}
	return out, nil
}

// String returns a string metadata value, or def.
func (f *File) String(key, def string) string {
	if v, ok := f.KV[key].(string); ok {
		return v
	}
	return def
}

// Uint32 returns an integer metadata value, widening as needed, or def.
func (f *File) Uint32(key string, def uint32) uint32 {
	switch v := f.KV[key].(type) {
	case uint32:
		return v
	case uint64:
		return uint32(v)
	case int32:
		return uint32(v)
	}
	return def
}

// cursor walks the mapped bytes; the first out-of-bounds read latches err
// and turns the rest of the parse into no-ops.
type cursor struct {
	data []byte
	off  uint64
	err  error
}

func (c *cursor) take(n uint64) []byte {
	if c.err != nil {
		return nil
	}
	if n > uint64(len(c.data))-c.off {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *cursor) u64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (c *cursor) str() string {
	n := c.u64()
	b := c.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (c *cursor) value(t MetadataValueType) (interface{}, error) {
	switch t {
	case MetadataUint8:
		b := c.take(1)
		if b == nil {
			return nil, c.err
		}
		return b[0], nil
	case MetadataInt8:
		b := c.take(1)
		if b == nil {
			return nil, c.err
		}
		return int8(b[0]), nil
	case MetadataUint16:
		b := c.take(2)
		if b == nil {
			return nil, c.err
		}
		return binary.LittleEndian.Uint16(b), nil
	case MetadataInt16:
		b := c.take(2)
		if b == nil {
			return nil, c.err
		}
		return int16(binary.LittleEndian.Uint16(b)), nil
	case MetadataUint32:
		return c.u32(), c.err
	case MetadataInt32:
		return int32(c.u32()), c.err
	case MetadataFloat32:
		return math.Float32frombits(c.u32()), c.err
	case MetadataBool:
		b := c.take(1)
		if b == nil {
			return nil, c.err
		}
		return b[0] != 0, nil
	case MetadataString:
		return c.str(), c.err
	case MetadataUint64:
		return c.u64(), c.err
	case MetadataInt64:
		return int64(c.u64()), c.err
	case MetadataFloat64:
		return math.Float64frombits(c.u64()), c.err
	case MetadataArray:
		elemType := MetadataValueType(c.u32())
		n := c.u64()
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.value(elemType)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unknown metadata value type %d", t)
	}
}
