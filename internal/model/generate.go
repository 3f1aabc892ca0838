package model

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

type candidate struct {
	id   int
	prob float32
}

// Generate samples continuations of prompt, one slice per requested return
// sequence. Positions are independent in this graph, so when the forward
// cache is enabled only the newest token is pushed through the stack; after
// Prepare (training mode) the cache is off and the full sequence is
// recomputed each step.
func (m *Model) Generate(prompt []int, cfg config.Generate) ([][]int, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	out := make([][]int, 0, cfg.NumReturn)
	for s := 0; s < cfg.NumReturn; s++ {
		seq, err := m.generateOne(prompt, cfg, rng)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, nil
}

func (m *Model) generateOne(prompt []int, cfg config.Generate, rng *rand.Rand) ([]int, error) {
	seq := make([]int, len(prompt))
	copy(seq, prompt)

	for n := 0; n < cfg.MaxNewTokens; n++ {
		window := seq
		if m.cacheEnabled && len(seq) > 1 {
			window = seq[len(seq)-1:]
		}
		st, err := m.Forward([][]int{window}, false, 0)
		if err != nil {
			return nil, err
		}
		logits := make([]float32, m.Arch.Vocab)
		copy(logits, st.Logits.Row(st.N-1))

		next := m.sample(logits, seq, cfg, rng)
		seq = append(seq, next)
		if cfg.EOSTokenID >= 0 && next == cfg.EOSTokenID {
			break
		}
	}
	return seq, nil
}

func (m *Model) sample(logits []float32, history []int, cfg config.Generate, rng *rand.Rand) int {
	if cfg.RepPenalty > 1 {
		applyRepetitionPenalty(logits, history, cfg.RepPenalty)
	}
	if cfg.Temperature == 0 {
		return argMax(logits)
	}

	probs := softmaxWithTemperature(logits, cfg.Temperature)

	candidates := make([]candidate, 0, len(probs))
	for id, p := range probs {
		if p > 0 {
			candidates = append(candidates, candidate{id: id, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	candidates = applyTopP(candidates, cfg.TopP)

	var total float32
	for _, c := range candidates {
		total += c.prob
	}
	r := rng.Float32() * total
	var cum float32
	for _, c := range candidates {
		cum += c.prob
		if r <= cum {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

// applyRepetitionPenalty divides positive logits (and multiplies negative
// ones) for tokens already emitted.
func applyRepetitionPenalty(logits []float32, history []int, penalty float32) {
	for _, id := range history {
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

func softmaxWithTemperature(logits []float32, temp float32) []float32 {
	probs := make([]float32, len(logits))
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64((v - maxLogit) / temp))
		probs[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return probs
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// applyTopP keeps the smallest prefix of sorted candidates whose cumulative
// probability reaches p.
func applyTopP(cands []candidate, p float32) []candidate {
	if p >= 1 || len(cands) == 0 {
		return cands
	}
	var cum float32
	for i, c := range cands {
		cum += c.prob
		if cum >= p {
			return cands[:i+1]
		}
	}
	return cands
}

func argMax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
