package nf4

import (
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

// scaleGroup is the number of block scales sharing one float32 group scale
// when double quantization is on.
const scaleGroup = 256

// Matrix is a frozen weight matrix in 4-bit normalized-float encoding.
// It is immutable after Quantize: nothing in the training path writes to it,
// which is what makes concurrent dequantization by any number of readers safe
// without locks.
type Matrix struct {
	rows, cols int
	blockSize  int
	compute    config.ComputeDtype

	// packed holds two 4-bit codes per byte, low nibble first.
	packed []uint8

	// validTail is the number of real values in the final block; the rest is
	// zero padding when rows*cols is not divisible by blockSize.
	validTail int

	// One of the two scale encodings is populated.
	scales []float16.Float16 // plain: one fp16 absmax scale per block

	// Double quantization: block scales themselves stored as mean-shifted
	// int8 against one fp32 scale per group of scaleGroup blocks.
	dq           bool
	qScales      []int8
	qGroupScales []float32
	qScaleMean   float32
}

func (m *Matrix) Rows() int                        { return m.rows }
func (m *Matrix) Cols() int                        { return m.cols }
func (m *Matrix) BlockSize() int                   { return m.blockSize }
func (m *Matrix) DoubleQuant() bool                { return m.dq }
func (m *Matrix) ComputeDtype() config.ComputeDtype { return m.compute }
func (m *Matrix) NumElements() int                 { return m.rows * m.cols }

func (m *Matrix) numBlocks() int {
	return (m.NumElements() + m.blockSize - 1) / m.blockSize
}

// PackedCodes returns the stored 4-bit codes. The slice aliases the frozen
// store; callers must not write through it.
func (m *Matrix) PackedCodes() []uint8 { return m.packed }

// SizeBytes is the footprint of codes plus scale metadata.
func (m *Matrix) SizeBytes() int {
	n := len(m.packed)
	if m.dq {
		n += len(m.qScales) + 4*len(m.qGroupScales) + 4
	} else {
		n += 2 * len(m.scales)
	}
	return n
}

// scaleAt reconstructs the absmax scale of block b, undoing the second
// quantization level when present.
func (m *Matrix) scaleAt(b int) float32 {
	if !m.dq {
		return m.scales[b].Float32()
	}
	g := b / scaleGroup
	return float32(m.qScales[b])/127.0*m.qGroupScales[g] + m.qScaleMean
}

// codeAt returns the 4-bit code of element i.
func (m *Matrix) codeAt(i int) uint8 {
	byteVal := m.packed[i/2]
	if i%2 == 0 {
		return byteVal & 0x0F
	}
	return byteVal >> 4
}
