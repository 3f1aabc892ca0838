package tensor

import (
	"math"
	"runtime"
	"sync"
)

// Row count below which matmuls stay single-threaded; goroutine fan-out
// costs more than it saves on tiny batches.
const parallelThreshold = 8

func parallelRows(rows int, fn func(lo, hi int)) {
	workers := runtime.NumCPU()
	if rows < parallelThreshold || workers <= 1 {
		fn(0, rows)
		return
	}
	if workers > rows {
		workers = rows
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += chunk {
		hi := lo + chunk
		if hi > rows {
			hi = rows
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// MatMul computes dst = a @ b where a is [M,K] and b is [K,N].
func MatMul(dst, a, b *Matrix) error {
	if a.Cols != b.Rows {
		return &ShapeError{Op: "matmul", Want: [2]int{a.Cols, b.Cols}, Got: [2]int{b.Rows, b.Cols}}
	}
	if dst.Rows != a.Rows || dst.Cols != b.Cols {
		return &ShapeError{Op: "matmul", Want: [2]int{a.Rows, b.Cols}, Got: [2]int{dst.Rows, dst.Cols}}
	}
	m, k, n := a.Rows, a.Cols, b.Cols
	parallelRows(m, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			ar := a.Data[i*k : (i+1)*k]
			dr := dst.Data[i*n : (i+1)*n]
			for j := range dr {
				dr[j] = 0
			}
			for l := 0; l < k; l++ {
				av := ar[l]
				if av == 0 {
					continue
				}
				br := b.Data[l*n : (l+1)*n]
				for j := 0; j < n; j++ {
					dr[j] += av * br[j]
				}
			}
		}
	})
	return nil
}

// MatMulTransB computes dst = a @ b^T where a is [M,K] and b is [N,K].
func MatMulTransB(dst, a, b *Matrix) error {
	if a.Cols != b.Cols {
		return &ShapeError{Op: "matmul_trans_b", Want: [2]int{b.Rows, a.Cols}, Got: [2]int{b.Rows, b.Cols}}
	}
	if dst.Rows != a.Rows || dst.Cols != b.Rows {
		return &ShapeError{Op: "matmul_trans_b", Want: [2]int{a.Rows, b.Rows}, Got: [2]int{dst.Rows, dst.Cols}}
	}
	m, k, n := a.Rows, a.Cols, b.Rows
	parallelRows(m, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			ar := a.Data[i*k : (i+1)*k]
			for j := 0; j < n; j++ {
				br := b.Data[j*k : (j+1)*k]
				var sum float32
				for l := 0; l < k; l++ {
					sum += ar[l] * br[l]
				}
				dst.Data[i*n+j] = sum
			}
		}
	})
	return nil
}

// AccumTransAMatMul accumulates grad += a^T @ b into a raw gradient buffer,
// where a is [M,K], b is [M,N] and grad is [K,N]. Used for parameter
// gradients, hence accumulate rather than overwrite.
func AccumTransAMatMul(grad []float32, a, b *Matrix) error {
	if a.Rows != b.Rows {
		return &ShapeError{Op: "accum_trans_a", Want: [2]int{a.Rows, b.Cols}, Got: [2]int{b.Rows, b.Cols}}
	}
	k, n := a.Cols, b.Cols
	if len(grad) != k*n {
		return &ShapeError{Op: "accum_trans_a", Want: [2]int{k, n}, Got: [2]int{len(grad), 1}}
	}
	for i := 0; i < a.Rows; i++ {
		ar := a.Data[i*k : (i+1)*k]
		br := b.Data[i*n : (i+1)*n]
		for l := 0; l < k; l++ {
			av := ar[l]
			if av == 0 {
				continue
			}
			gr := grad[l*n : (l+1)*n]
			for j := 0; j < n; j++ {
				gr[j] += av * br[j]
			}
		}
	}
	return nil
}

// Add computes dst += src element-wise.
func Add(dst, src *Matrix) error {
	if dst.Rows != src.Rows || dst.Cols != src.Cols {
		return &ShapeError{Op: "add", Want: [2]int{dst.Rows, dst.Cols}, Got: [2]int{src.Rows, src.Cols}}
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// AXPY computes dst += alpha * src element-wise.
func AXPY(alpha float32, dst, src *Matrix) error {
	if dst.Rows != src.Rows || dst.Cols != src.Cols {
		return &ShapeError{Op: "axpy", Want: [2]int{dst.Rows, dst.Cols}, Got: [2]int{src.Rows, src.Cols}}
	}
	for i, v := range src.Data {
		dst.Data[i] += alpha * v
	}
	return nil
}

// AddBiasRow adds bias to every row of m.
func AddBiasRow(m *Matrix, bias []float32) error {
	if len(bias) != m.Cols {
		return &ShapeError{Op: "add_bias", Want: [2]int{1, m.Cols}, Got: [2]int{1, len(bias)}}
	}
	for i := 0; i < m.Rows; i++ {
		r := m.Row(i)
		for j, b := range bias {
			r[j] += b
		}
	}
	return nil
}

// SiLU applies x*sigmoid(x) in place.
func SiLU(m *Matrix) {
	for i, v := range m.Data {
		m.Data[i] = v * sigmoid(v)
	}
}

// SiLUBackward computes dpre = dpost * silu'(pre) element-wise, where pre is
// the pre-activation input. Writes into dst, which may alias dpost.
func SiLUBackward(dst, dpost, pre *Matrix) error {
	if dst.NumElements() != pre.NumElements() || dpost.NumElements() != pre.NumElements() {
		return &ShapeError{Op: "silu_backward", Want: [2]int{pre.Rows, pre.Cols}, Got: [2]int{dpost.Rows, dpost.Cols}}
	}
	for i, x := range pre.Data {
		s := sigmoid(x)
		// d/dx x*sigmoid(x) = s * (1 + x*(1-s))
		dst.Data[i] = dpost.Data[i] * s * (1 + x*(1-s))
	}
	return nil
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}
