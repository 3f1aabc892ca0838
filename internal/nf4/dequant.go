package nf4

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Dequantize reconstructs the dense matrix into dst at the compute dtype.
// dst is caller-owned scratch: reconstructions are transient by contract and
// must not be cached anywhere, so peak overhead stays at one dense matrix per
// in-flight matmul regardless of model size.
func (m *Matrix) Dequantize(dst []float32) error {
	total := m.NumElements()
	if len(dst) != total {
		return &tensor.ShapeError{Op: "dequantize", Want: [2]int{m.rows, m.cols}, Got: [2]int{len(dst), 1}}
	}

	bs := m.blockSize
	nBlocks := m.numBlocks()
	for b := 0; b < nBlocks; b++ {
		scale := m.scaleAt(b)
		lo := b * bs
		hi := lo + bs
		if b == nBlocks-1 {
			hi = lo + m.validTail
		}
		i := lo
		// Whole bytes, two codes at a time.
		for ; i+1 < hi; i += 2 {
			byteVal := m.packed[i/2]
			dst[i] = codebook[byteVal&0x0F] * scale
			dst[i+1] = codebook[byteVal>>4] * scale
		}
		for ; i < hi; i++ {
			dst[i] = codebook[m.codeAt(i)] * scale
		}
	}

	RoundCompute(dst, m.compute)
	metrics.DequantCallsTotal.Inc()
	return nil
}

// DequantizeMatrix allocates and fills a dense tensor. Only the merge path
// uses this; the hot path dequantizes into pooled scratch.
func (m *Matrix) DequantizeMatrix() (*tensor.Matrix, error) {
	t := tensor.NewMatrix(m.rows, m.cols)
	if err := m.Dequantize(t.Data); err != nil {
		return nil, err
	}
	return t, nil
}

// RoundCompute rounds every value through the reduced-precision compute
// dtype, so pure-Go float32 arithmetic observes the same representable set
// an fp16/bf16 accelerator would.
func RoundCompute(buf []float32, dt config.ComputeDtype) {
	switch dt {
	case config.ComputeFP16:
		for i, v := range buf {
			buf[i] = float16.Fromfloat32(v).Float32()
		}
	case config.ComputeBF16:
		copy(buf, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(buf)))
	}
}
