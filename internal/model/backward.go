package model

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Backward propagates dlogits through the graph, accumulating gradients into
// adapter parameters (and trainable biases) only. Frozen matrices contribute
// to the input gradient via their dequantized form but never receive one
// themselves. Block internals are recomputed from the checkpointed inputs.
func (m *Model) Backward(st *State, dlogits *tensor.Matrix) error {
	if !st.training {
		return fmt.Errorf("model: backward on a gradient-free forward state")
	}
	if dlogits.Rows != st.N || dlogits.Cols != m.Arch.Vocab {
		return &tensor.ShapeError{Op: "backward", Want: [2]int{st.N, m.Arch.Vocab}, Got: [2]int{dlogits.Rows, dlogits.Cols}}
	}

	// Output head.
	dx := tensor.NewMatrix(st.N, m.Arch.Dim)
	ord := 2 * len(m.Blocks)
	if err := m.layerBackward(m.Output, ord, st.Final, dlogits, dx, st.step); err != nil {
		return err
	}

	for i := len(m.Blocks) - 1; i >= 0; i-- {
		if m.placement.Boundary(i) {
			dx.Data = m.placement.Transfer(dx.Data, m.placement.DeviceFor(i+1), m.placement.DeviceFor(i))
		}
		xin := st.BlockIn[i]
		if xin == nil {
			return fmt.Errorf("model: missing checkpoint for block %d", i)
		}
		var err error
		dx, err = m.blockBackward(m.Blocks[i], xin, dx, st.step)
		if err != nil {
			return err
		}
	}
	// The embedding is frozen; the gradient stops here.
	return nil
}

// blockBackward recomputes the block's activations from its checkpointed
// input, then returns the gradient with respect to that input.
func (m *Model) blockBackward(blk *Block, xin, dout *tensor.Matrix, step int) (*tensor.Matrix, error) {
	// Recompute u = up(xin) and h = silu(u) with the forward-pass masks.
	u := tensor.NewMatrix(xin.Rows, m.Arch.Hidden)
	if err := m.applyLayer(blk.Up, 2*blk.Index, u, xin, true, step); err != nil {
		return nil, err
	}
	h := u.Clone()
	tensor.SiLU(h)

	// Branch gradient through down: dh = dout @ W_down^T (+ adapter path).
	dh := tensor.NewMatrix(xin.Rows, m.Arch.Hidden)
	if err := m.layerBackward(blk.Down, 2*blk.Index+1, h, dout, dh, step); err != nil {
		return nil, err
	}

	// Through the activation: du = dh * silu'(u).
	du := tensor.NewMatrix(xin.Rows, m.Arch.Hidden)
	if err := tensor.SiLUBackward(du, dh, u); err != nil {
		return nil, err
	}

	// Skip connection carries dout straight through; the up layer adds its
	// branch contribution on top.
	dxin := dout.Clone()
	if err := m.layerBackward(blk.Up, 2*blk.Index, xin, du, dxin, step); err != nil {
		return nil, err
	}
	return dxin, nil
}

// layerBackward accumulates dx += dy @ W^T plus the adapter's input-side
// contribution, and parameter gradients for the adapter pair and trainable
// bias. x is the layer's forward input.
func (m *Model) layerBackward(l *Layer, ord int, x, dy, dx *tensor.Matrix, step int) error {
	if dx != nil {
		w, release, err := l.weight()
		if err != nil {
			return err
		}
		tmp := tensor.NewMatrix(dy.Rows, l.In)
		err = tensor.MatMulTransB(tmp, dy, w)
		release()
		if err != nil {
			return err
		}
		if err := tensor.Add(dx, tmp); err != nil {
			return err
		}
	}

	if l.Bias != nil && l.Bias.Trainable() {
		for i := 0; i < dy.Rows; i++ {
			r := dy.Row(i)
			for j, g := range r {
				l.Bias.Grad[j] += g
			}
		}
	}

	if l.Adapter != nil {
		mask := m.maskFor(l, ord, x.Rows, true, step)
		return l.Adapter.Backward(x, dy, dx, mask)
	}
	return nil
}

// ZeroGrad clears gradients on every trainable parameter.
func (m *Model) ZeroGrad() {
	for _, p := range m.TrainableParams() {
		p.ZeroGrad()
	}
}
