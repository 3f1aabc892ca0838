package adapter

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Pair is a trainable low-rank correction to one frozen weight matrix:
// y += scaling * (drop(x) @ Down) @ Up. Down is [in, r], Up is [r, out].
// Up starts at zero so an injected pair is numerically invisible until the
// first optimizer step.
type Pair struct {
	Down    *tensor.Matrix
	Up      *tensor.Matrix
	Rank    int
	Scaling float32
	Dropout float32
}

func New(in, out, rank int, scaling, dropout float32, rng *rand.Rand) *Pair {
	p := &Pair{
		Down:    tensor.NewTrainable(in, rank),
		Up:      tensor.NewTrainable(rank, out),
		Rank:    rank,
		Scaling: scaling,
		Dropout: dropout,
	}
	p.Down.FillNormal(rng, float32(1.0/math.Sqrt(float64(in))))
	return p
}

func (p *Pair) InFeatures() int  { return p.Down.Rows }
func (p *Pair) OutFeatures() int { return p.Up.Cols }

func (p *Pair) NumParams() int {
	return p.Down.NumElements() + p.Up.NumElements()
}

func (p *Pair) Params() []*tensor.Matrix {
	return []*tensor.Matrix{p.Down, p.Up}
}

func (p *Pair) ZeroGrad() {
	p.Down.ZeroGrad()
	p.Up.ZeroGrad()
}

// MakeMask builds an inverted-dropout mask for a [rows, in] input, or nil
// when dropout is off or the pass is gradient-free. The caller owns the mask
// and must hand the same one to Forward and Backward of a step; activation
// recomputation depends on the rng being re-seeded identically.
func (p *Pair) MakeMask(rows int, rng *rand.Rand) []float32 {
	if p.Dropout == 0 || rng == nil {
		return nil
	}
	keep := 1 - p.Dropout
	inv := 1 / keep
	mask := make([]float32, rows*p.Down.Rows)
	for i := range mask {
		if rng.Float64() < float64(keep) {
			mask[i] = inv
		}
	}
	return mask
}

// Forward adds the adapter correction to dst. Dropout applies to the adapter
// input only; the frozen path never sees the mask.
func (p *Pair) Forward(dst, x *tensor.Matrix, mask []float32) error {
	if x.Cols != p.Down.Rows {
		return &tensor.ShapeError{Op: "adapter_forward", Want: [2]int{x.Rows, p.Down.Rows}, Got: [2]int{x.Rows, x.Cols}}
	}
	xd := p.dropInput(x, mask)
	h := tensor.NewMatrix(x.Rows, p.Rank)
	if err := tensor.MatMul(h, xd, p.Down); err != nil {
		return err
	}
	y := tensor.NewMatrix(x.Rows, p.Up.Cols)
	if err := tensor.MatMul(y, h, p.Up); err != nil {
		return err
	}
	return tensor.AXPY(p.Scaling, dst, y)
}

// Backward accumulates parameter gradients for dy at input x and, when dx is
// non-nil, adds the adapter's input-gradient contribution to it.
func (p *Pair) Backward(x, dy, dx *tensor.Matrix, mask []float32) error {
	if x.Cols != p.Down.Rows || dy.Cols != p.Up.Cols || x.Rows != dy.Rows {
		return &tensor.ShapeError{Op: "adapter_backward", Want: [2]int{x.Rows, p.Down.Rows}, Got: [2]int{dy.Rows, dy.Cols}}
	}
	xd := p.dropInput(x, mask)

	h := tensor.NewMatrix(x.Rows, p.Rank)
	if err := tensor.MatMul(h, xd, p.Down); err != nil {
		return err
	}

	// Fold the scaling into dy once; everything downstream is linear.
	sdy := tensor.NewMatrix(dy.Rows, dy.Cols)
	for i, v := range dy.Data {
		sdy.Data[i] = p.Scaling * v
	}

	// dUp += h^T @ sdy
	if err := tensor.AccumTransAMatMul(p.Up.Grad, h, sdy); err != nil {
		return err
	}

	// dh = sdy @ Up^T
	dh := tensor.NewMatrix(dy.Rows, p.Rank)
	if err := tensor.MatMulTransB(dh, sdy, p.Up); err != nil {
		return err
	}

	// dDown += xd^T @ dh
	if err := tensor.AccumTransAMatMul(p.Down.Grad, xd, dh); err != nil {
		return err
	}

	if dx != nil {
		dxd := tensor.NewMatrix(x.Rows, x.Cols)
		if err := tensor.MatMulTransB(dxd, dh, p.Down); err != nil {
			return err
		}
		if mask != nil {
			for i := range dxd.Data {
				dxd.Data[i] *= mask[i]
			}
		}
		if err := tensor.Add(dx, dxd); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pair) dropInput(x *tensor.Matrix, mask []float32) *tensor.Matrix {
	if mask == nil {
		return x
	}
	xd := tensor.NewMatrix(x.Rows, x.Cols)
	for i, v := range x.Data {
		xd.Data[i] = v * mask[i]
	}
	return xd
}
