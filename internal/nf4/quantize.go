package nf4

import (
	"fmt"
	"time"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Quantize encodes a dense rows x cols matrix into the 4-bit normalized-float
// representation. Each block of cfg.BlockSize values stores one absmax scale;
// with cfg.DoubleQuant the scales are quantized a second time across blocks.
// The input is never mutated. A size not divisible by the block size pads the
// final block and records its valid length, unless cfg.DisallowPad is set, in
// which case quantization fails with a configuration error.
func Quantize(values []float32, rows, cols int, cfg config.Quant) (*Matrix, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	total := rows * cols
	if total <= 0 {
		return nil, &config.FieldError{Field: "shape", Reason: fmt.Sprintf("got %dx%d (must be positive)", rows, cols)}
	}
	if len(values) != total {
		return nil, &config.FieldError{Field: "shape", Reason: fmt.Sprintf("have %d values for a %dx%d matrix", len(values), rows, cols)}
	}

	bs := cfg.BlockSize
	tail := total % bs
	if tail != 0 && cfg.DisallowPad {
		return nil, &config.FieldError{
			Field:  "block_size",
			Reason: fmt.Sprintf("matrix size %d not divisible by block size %d and padding is disallowed", total, bs),
		}
	}
	if tail == 0 {
		tail = bs
	}

	start := time.Now()
	nBlocks := (total + bs - 1) / bs
	padded := nBlocks * bs

	m := &Matrix{
		rows:      rows,
		cols:      cols,
		blockSize: bs,
		compute:   cfg.ComputeDtype,
		packed:    make([]uint8, padded/2),
		validTail: tail,
		dq:        cfg.DoubleQuant,
	}

	rawScales := make([]float32, nBlocks)
	for b := 0; b < nBlocks; b++ {
		lo := b * bs
		hi := lo + bs
		if hi > total {
			hi = total
		}
		var amax float32
		for _, v := range values[lo:hi] {
			if v < 0 {
				v = -v
			}
			if v > amax {
				amax = v
			}
		}
		rawScales[b] = amax
	}

	// Encode scales first so codes are chosen against the scale the decoder
	// will actually see. The fp16 (or int8 double-quant) rounding of the
	// scale is part of the scheme, not an afterthought.
	if cfg.DoubleQuant {
		m.encodeScalesDQ(rawScales)
	} else {
		m.scales = make([]float16.Float16, nBlocks)
		for b, s := range rawScales {
			m.scales[b] = float16.Fromfloat32(s)
		}
	}

	for b := 0; b < nBlocks; b++ {
		scale := m.scaleAt(b)
		lo := b * bs
		hi := lo + bs
		if hi > total {
			hi = total
		}
		for i := lo; i < hi; i++ {
			var code uint8 = 7 // the exact-zero level
			if scale > 0 {
				code = nearestCode(values[i] / scale)
			}
			if i%2 == 0 {
				m.packed[i/2] |= code
			} else {
				m.packed[i/2] |= code << 4
			}
		}
		// Padding keeps code 0; it never leaves the final block because
		// dequantization stops at validTail.
	}

	metrics.QuantizedBytes.Add(float64(m.SizeBytes()))
	metrics.QuantizeDuration.WithLabelValues(fmt.Sprintf("%dx%d", rows, cols)).Observe(time.Since(start).Seconds())
	return m, nil
}

// encodeScalesDQ applies the second quantization level: scales are shifted by
// their mean and stored as int8 against one fp32 absmax per group of 256.
func (m *Matrix) encodeScalesDQ(raw []float32) {
	var mean float32
	for _, s := range raw {
		mean += s
	}
	mean /= float32(len(raw))
	m.qScaleMean = mean

	nGroups := (len(raw) + scaleGroup - 1) / scaleGroup
	m.qScales = make([]int8, len(raw))
	m.qGroupScales = make([]float32, nGroups)

	for g := 0; g < nGroups; g++ {
		lo := g * scaleGroup
		hi := lo + scaleGroup
		if hi > len(raw) {
			hi = len(raw)
		}
		var amax float32
		for _, s := range raw[lo:hi] {
			d := s - mean
			if d < 0 {
				d = -d
			}
			if d > amax {
				amax = d
			}
		}
		m.qGroupScales[g] = amax
		if amax == 0 {
			continue
		}
		for i := lo; i < hi; i++ {
			q := (raw[i] - mean) / amax * 127.0
			if q >= 0 {
				q += 0.5
			} else {
				q -= 0.5
			}
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			m.qScales[i] = int8(q)
		}
	}
}
