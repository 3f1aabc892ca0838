package train

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// AdamW holds first/second moment state for exactly the trainable tensors it
// was built over. Frozen base weights never enter the optimizer, so a step
// cannot touch them.
type AdamW struct {
	params []*tensor.Matrix
	m      [][]float32
	v      [][]float32

	beta1 float64
	beta2 float64
	eps   float64
	decay float64
	t     int
}

func NewAdamW(params []*tensor.Matrix, cfg config.Train) *AdamW {
	o := &AdamW{
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
		beta1:  float64(cfg.AdamBeta1),
		beta2:  float64(cfg.AdamBeta2),
		eps:    float64(cfg.AdamEpsilon),
		decay:  float64(cfg.WeightDecay),
	}
	for i, p := range params {
		o.m[i] = make([]float32, len(p.Data))
		o.v[i] = make([]float32, len(p.Data))
	}
	return o
}

// Step applies one decoupled-weight-decay Adam update at the given learning
// rate and zeroes nothing: the caller owns gradient lifetime.
func (o *AdamW) Step(lr float64) {
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g64 := range p.Grad {
			g := float64(g64)
			mj := o.beta1*float64(m[j]) + (1-o.beta1)*g
			vj := o.beta2*float64(v[j]) + (1-o.beta2)*g*g
			m[j] = float32(mj)
			v[j] = float32(vj)

			update := (mj / bc1) / (math.Sqrt(vj/bc2) + o.eps)
			w := float64(p.Data[j])
			w -= lr * (update + o.decay*w)
			p.Data[j] = float32(w)
		}
	}
}

// ClipGradNorm scales all gradients so their global L2 norm does not exceed
// max, and returns the pre-clip norm.
func ClipGradNorm(params []*tensor.Matrix, max float32) float32 {
	var sum float64
	for _, p := range params {
		sum += p.GradNormSq()
	}
	norm := float32(math.Sqrt(sum))
	if max > 0 && norm > max {
		scale := max / norm
		for _, p := range params {
			for j := range p.Grad {
				p.Grad[j] *= scale
			}
		}
	}
	return norm
}
