package dataset

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

// Dataset is an in-memory collection of token-id sequences. Sequences keep
// whatever length they arrived with; batching does not pad.
type Dataset struct {
	Sequences [][]int
}

// Len is the number of sequences.
func (d *Dataset) Len() int { return len(d.Sequences) }

// Tokens is the total token count across all sequences.
func (d *Dataset) Tokens() int {
	n := 0
	for _, s := range d.Sequences {
		n += len(s)
	}
	return n
}

// Split carves off the last frac of the sequences as a held-out set.
func (d *Dataset) Split(frac float64) (train, eval *Dataset, err error) {
	if frac < 0 || frac >= 1 {
		return nil, nil, &config.FieldError{Field: "eval_split", Reason: fmt.Sprintf("got %v (must be in [0, 1))", frac)}
	}
	cut := len(d.Sequences) - int(float64(len(d.Sequences))*frac)
	if cut < 1 {
		cut = 1
	}
	return &Dataset{Sequences: d.Sequences[:cut]}, &Dataset{Sequences: d.Sequences[cut:]}, nil
}

// Batcher walks a dataset in fixed-size batches with a per-epoch shuffle.
// The order is a pure function of seed and epoch so interrupted runs can
// reproduce it.
type Batcher struct {
	ds    *Dataset
	size  int
	seed  int64
	order []int
	pos   int
}

func NewBatcher(ds *Dataset, size int, seed int64) *Batcher {
	b := &Batcher{ds: ds, size: size, seed: seed, order: make([]int, ds.Len())}
	for i := range b.order {
		b.order[i] = i
	}
	return b
}

// Shuffle reorders the dataset for the given epoch and rewinds the batcher.
func (b *Batcher) Shuffle(epoch int) {
	rng := rand.New(rand.NewSource(b.seed + int64(epoch)))
	rng.Shuffle(len(b.order), func(i, j int) {
		b.order[i], b.order[j] = b.order[j], b.order[i]
	})
	b.pos = 0
}

// Rewind restarts iteration without reshuffling.
func (b *Batcher) Rewind() { b.pos = 0 }

// Next returns the next batch of sequences, or ok=false at the end of the
// epoch. The final batch may be short.
func (b *Batcher) Next() (batch [][]int, ok bool) {
	if b.pos >= len(b.order) {
		return nil, false
	}
	end := b.pos + b.size
	if end > len(b.order) {
		end = len(b.order)
	}
	batch = make([][]int, 0, end-b.pos)
	for _, idx := range b.order[b.pos:end] {
		batch = append(batch, b.ds.Sequences[idx])
	}
	b.pos = end
	return batch, true
}

// Steps is the number of batches in one epoch.
func (b *Batcher) Steps() int {
	if b.size <= 0 {
		return 0
	}
	return (len(b.order) + b.size - 1) / b.size
}
