package gguf

import "fmt"

const (
	Magic   = 0x46554747 // "GGUF"
	Version = 3
)

type TensorType uint32

const (
	TypeF32 TensorType = 0
	TypeF16 TensorType = 1
)

func (t TensorType) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(t))
	}
}

type MetadataValueType uint32

const (
	MetadataUint8   MetadataValueType = 0
	MetadataInt8    MetadataValueType = 1
	MetadataUint16  MetadataValueType = 2
	MetadataInt16   MetadataValueType = 3
	MetadataUint32  MetadataValueType = 4
	MetadataInt32   MetadataValueType = 5
	MetadataFloat32 MetadataValueType = 6
	MetadataBool    MetadataValueType = 7
	MetadataString  MetadataValueType = 8
	MetadataArray   MetadataValueType = 9
	MetadataUint64  MetadataValueType = 10
	MetadataInt64   MetadataValueType = 11
	MetadataFloat64 MetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne per dimension, innermost first
	Type       TensorType
	Offset     uint64 // relative to data start
	Data       []byte // slice into the mmap'd file
}

func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

func (t *TensorInfo) SizeBytes() uint64 {
	switch t.Type {
	case TypeF32:
		return t.NumElements() * 4
	case TypeF16:
		return t.NumElements() * 2
	default:
		return 0
	}
}

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type File struct {
	Header     Header
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	DataOffset uint64

	data  []byte // the raw mmap'd bytes
	unmap func() error
}

// Error types
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type ErrUnsupportedTensorType struct {
	Name string
	Type TensorType
}

func (e ErrUnsupportedTensorType) Error() string {
	return fmt.Sprintf("tensor %s: unsupported type %s (base weights must be F32 or F16)", e.Name, e.Type)
}
