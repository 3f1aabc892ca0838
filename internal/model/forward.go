package model

import (
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// State carries one forward pass. With checkpointing on, only block inputs
// are retained; everything inside a block is recomputed during Backward.
type State struct {
	B, L int // batch rows, sequence length
	N    int // B*L flattened positions

	BlockIn []*tensor.Matrix // checkpoint: input to each block
	Final   *tensor.Matrix   // input to the output head
	Logits  *tensor.Matrix   // [N, vocab]

	step     int
	training bool
}

// Forward runs the composed frozen+adapter graph over a batch of equal-length
// token sequences. The interface matches the ungated base model; adapters and
// dequantization are internal dispatch.
func (m *Model) Forward(tokens [][]int, training bool, step int) (*State, error) {
	x, st, err := m.embed(tokens)
	if err != nil {
		return nil, err
	}
	st.step = step
	st.training = training

	for i, blk := range m.Blocks {
		if training && m.checkpointing {
			st.BlockIn[i] = x
		}
		y, err := m.blockForward(blk, x, training, step)
		if err != nil {
			return nil, err
		}
		if m.placement.Boundary(i) {
			y.Data = m.placement.Transfer(y.Data, m.placement.DeviceFor(i), m.placement.DeviceFor(i+1))
		}
		x = y
	}

	st.Final = x
	logits := tensor.NewMatrix(st.N, m.Arch.Vocab)
	ord := 2 * len(m.Blocks)
	if err := m.applyLayer(m.Output, ord, logits, x, training, step); err != nil {
		return nil, err
	}
	st.Logits = logits
	return st, nil
}

// embed turns token ids into the [N, dim] input matrix. Ragged batches and
// out-of-range ids are shape errors, recoverable at batch granularity.
func (m *Model) embed(tokens [][]int) (*tensor.Matrix, *State, error) {
	if len(tokens) == 0 || len(tokens[0]) == 0 {
		return nil, nil, &tensor.ShapeError{Op: "embed", Want: [2]int{1, 1}, Got: [2]int{len(tokens), 0}}
	}
	b, l := len(tokens), len(tokens[0])
	for _, row := range tokens {
		if len(row) != l {
			return nil, nil, &tensor.ShapeError{Op: "embed", Want: [2]int{b, l}, Got: [2]int{b, len(row)}}
		}
	}
	n := b * l
	x := tensor.NewMatrix(n, m.Arch.Dim)
	for i, row := range tokens {
		for j, id := range row {
			if id < 0 || id >= m.Arch.Vocab {
				return nil, nil, &tensor.ShapeError{Op: "embed", Want: [2]int{m.Arch.Vocab, 1}, Got: [2]int{id, 1}}
			}
			copy(x.Row(i*l+j), m.TokEmb.Row(id))
		}
	}
	st := &State{
		B:       b,
		L:       l,
		N:       n,
		BlockIn: make([]*tensor.Matrix, len(m.Blocks)),
	}
	return x, st, nil
}

// blockForward computes x + down(silu(up(x))).
func (m *Model) blockForward(blk *Block, x *tensor.Matrix, training bool, step int) (*tensor.Matrix, error) {
	u := tensor.NewMatrix(x.Rows, m.Arch.Hidden)
	if err := m.applyLayer(blk.Up, 2*blk.Index, u, x, training, step); err != nil {
		return nil, err
	}
	tensor.SiLU(u)

	d := tensor.NewMatrix(x.Rows, m.Arch.Dim)
	if err := m.applyLayer(blk.Down, 2*blk.Index+1, d, u, training, step); err != nil {
		return nil, err
	}

	y := x.Clone()
	if err := tensor.Add(y, d); err != nil {
		return nil, err
	}
	return y, nil
}

// applyLayer runs dst = x @ W (+bias) (+adapter). The frozen weight is
// reconstructed into device-accounted scratch for exactly the duration of
// the multiply.
func (m *Model) applyLayer(l *Layer, ord int, dst, x *tensor.Matrix, training bool, step int) error {
	w, release, err := l.weight()
	if err != nil {
		return err
	}
	err = tensor.MatMul(dst, x, w)
	release()
	if err != nil {
		return err
	}
	if l.Bias != nil {
		if err := tensor.AddBiasRow(dst, l.Bias.Data); err != nil {
			return err
		}
	}
	if l.Adapter != nil {
		mask := m.maskFor(l, ord, x.Rows, training, step)
		return l.Adapter.Forward(dst, x, mask)
	}
	return nil
}

// weight hands out the dense form of the layer: the merged matrix when one
// exists, otherwise a transient dequantized reconstruction whose bytes are
// charged to the owning device until release.
func (l *Layer) weight() (*tensor.Matrix, func(), error) {
	if l.Dense != nil {
		return l.Dense, func() {}, nil
	}
	bytes := int64(l.In*l.Out) * 4
	if err := l.dev.Alloc(bytes); err != nil {
		return nil, nil, err
	}
	w := tensor.NewMatrix(l.In, l.Out)
	if err := l.Frozen.Dequantize(w.Data); err != nil {
		l.dev.Free(bytes)
		return nil, nil, err
	}
	return w, func() { l.dev.Free(bytes) }, nil
}

// maskFor rebuilds the dropout mask for a layer deterministically from
// (seed, step, layer ordinal), so the backward recomputation sees the exact
// mask the forward pass used.
func (m *Model) maskFor(l *Layer, ord, rows int, training bool, step int) []float32 {
	if !training || l.Adapter == nil || l.Adapter.Dropout == 0 || m.adapterCfg == nil {
		return nil
	}
	rng := rand.New(rand.NewSource(mixSeed(m.adapterCfg.Seed, step, ord)))
	return l.Adapter.MakeMask(rows, rng)
}

// mixSeed is a splitmix64 finalizer over (seed, step, ord).
func mixSeed(seed int64, step, ord int) int64 {
	z := uint64(seed) + 0x9E3779B97F4A7C15*uint64(step+1) + 0xBF58476D1CE4E5B9*uint64(ord+1)
	z ^= z >> 30
	z *= 0xBF58476D1CE4E5B9
	z ^= z >> 27
	z *= 0x94D049BB133111EB
	z ^= z >> 31
	return int64(z)
}
