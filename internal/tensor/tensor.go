package tensor

import (
	"math"
	"math/rand"
)

// Matrix is a dense row-major float32 matrix. Grad is allocated only for
// trainable parameters; frozen tensors keep it nil so they can never
// accumulate a gradient.
type Matrix struct {
	Rows, Cols int
	Data       []float32
	Grad       []float32
}

func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float32, rows*cols),
	}
}

// NewTrainable allocates a matrix with a gradient buffer.
func NewTrainable(rows, cols int) *Matrix {
	m := NewMatrix(rows, cols)
	m.Grad = make([]float32, rows*cols)
	return m
}

// FromSlice wraps data as a rows x cols matrix without copying.
func FromSlice(rows, cols int, data []float32) (*Matrix, error) {
	if len(data) != rows*cols {
		return nil, &ShapeError{Op: "from_slice", Want: [2]int{rows, cols}, Got: [2]int{len(data), 1}}
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

func (m *Matrix) At(i, j int) float32     { return m.Data[i*m.Cols+j] }
func (m *Matrix) Set(i, j int, v float32) { m.Data[i*m.Cols+j] = v }

// Row returns a view of row i.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

func (m *Matrix) NumElements() int { return m.Rows * m.Cols }

func (m *Matrix) Trainable() bool { return m.Grad != nil }

func (m *Matrix) ZeroGrad() {
	for i := range m.Grad {
		m.Grad[i] = 0
	}
}

// Clone copies data (not grad).
func (m *Matrix) Clone() *Matrix {
	c := NewMatrix(m.Rows, m.Cols)
	copy(c.Data, m.Data)
	return c
}

// FillNormal fills with N(0, std) values from rng. Used for adapter
// down-projection init.
func (m *Matrix) FillNormal(rng *rand.Rand, std float32) {
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// GradNormSq returns the squared L2 norm of the gradient buffer.
func (m *Matrix) GradNormSq() float64 {
	var s float64
	for _, g := range m.Grad {
		s += float64(g) * float64(g)
	}
	return s
}

// MaxAbs returns max |v| over the data.
func (m *Matrix) MaxAbs() float32 {
	var amax float32
	for _, v := range m.Data {
		if v < 0 {
			v = -v
		}
		if v > amax {
			amax = v
		}
	}
	return amax
}

// CountNonFinite reports NaN and Inf counts, for instability accounting.
func (m *Matrix) CountNonFinite() (nans, infs int) {
	for _, v := range m.Data {
		f := float64(v)
		if math.IsNaN(f) {
			nans++
		} else if math.IsInf(f, 0) {
			infs++
		}
	}
	return
}
