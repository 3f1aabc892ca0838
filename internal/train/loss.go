package train

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// IgnoreIndex marks target positions excluded from the loss.
const IgnoreIndex = -100

// CrossEntropy computes mean next-token negative log-likelihood over logits
// [N, vocab] and, when wantGrad is set, the matching logit gradient
// (softmax minus one-hot, scaled by 1/counted).
func CrossEntropy(logits *tensor.Matrix, targets []int, wantGrad bool) (float64, *tensor.Matrix, error) {
	if len(targets) != logits.Rows {
		return 0, nil, &tensor.ShapeError{Op: "cross-entropy", Want: [2]int{logits.Rows, 1}, Got: [2]int{len(targets), 1}}
	}

	var dlogits *tensor.Matrix
	if wantGrad {
		dlogits = tensor.NewMatrix(logits.Rows, logits.Cols)
	}

	counted := 0
	for _, t := range targets {
		if t == IgnoreIndex {
			continue
		}
		if t < 0 || t >= logits.Cols {
			return 0, nil, &tensor.ShapeError{Op: "cross-entropy", Want: [2]int{logits.Cols, 1}, Got: [2]int{t, 1}}
		}
		counted++
	}
	if counted == 0 {
		return 0, nil, &tensor.ShapeError{Op: "cross-entropy", Want: [2]int{1, 1}, Got: [2]int{0, 1}}
	}

	var total float64
	inv := 1 / float64(counted)
	for i, t := range targets {
		if t == IgnoreIndex {
			continue
		}
		row := logits.Row(i)

		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxv))
		}
		logZ := math.Log(sum) + float64(maxv)
		total += logZ - float64(row[t])

		if dlogits != nil {
			drow := dlogits.Row(i)
			for j, v := range row {
				p := math.Exp(float64(v-maxv)) / sum
				drow[j] = float32(p * inv)
			}
			drow[t] -= float32(inv)
		}
	}

	loss := total * inv
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		kind := "nan"
		if math.IsInf(loss, 0) {
			kind = "inf"
		}
		metrics.NumericalInstability.WithLabelValues("logits", kind).Inc()
	}
	return loss, dlogits, nil
}

// ShiftTargets builds the flattened next-token target vector for a batch of
// equal-length sequences whose inputs are seq[:l-1]. The final position of
// each sequence has no successor inside the inputs, so every input position
// has a target.
func ShiftTargets(batch [][]int) (inputs [][]int, targets []int) {
	if len(batch) == 0 {
		return nil, nil
	}
	l := len(batch[0])
	inputs = make([][]int, len(batch))
	targets = make([]int, 0, len(batch)*(l-1))
	for i, seq := range batch {
		inputs[i] = seq[:l-1]
		targets = append(targets, seq[1:]...)
	}
	return inputs, targets
}
