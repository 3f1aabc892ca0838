package model

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ggufSource adapts a mapped GGUF file to the WeightSource seam.
type ggufSource struct {
	f *gguf.File
}

func (s ggufSource) Has(name string) bool {
	return s.f.TensorByName(name) != nil
}

func (s ggufSource) Tensor(name string, rows, cols int) ([]float32, error) {
	t := s.f.TensorByName(name)
	if t == nil {
		return nil, &config.FieldError{Field: "model", Reason: fmt.Sprintf("base file has no tensor %q", name)}
	}
	if int(t.NumElements()) != rows*cols {
		return nil, &tensor.ShapeError{Op: "load " + name, Want: [2]int{rows, cols}, Got: [2]int{int(t.NumElements()), 1}}
	}
	return s.f.Float32Data(t)
}

// LoadGGUF builds the frozen base model from a dense-weight GGUF file,
// quantizing every matmul weight to 4-bit as it loads. Device placement is
// resolved here across however many devices the caller configured.
func LoadGGUF(path string, quant config.Quant, devices []*device.Device) (*Model, error) {
	f, err := gguf.Load(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	arch := Arch{
		Vocab:  int(f.Uint32("bodkin.vocab_size", 0)),
		Dim:    int(f.Uint32("bodkin.embedding_length", 0)),
		Hidden: int(f.Uint32("bodkin.feed_forward_length", 0)),
		Blocks: int(f.Uint32("bodkin.block_count", 0)),
		Quant:  quant,
	}
	if emb := f.TensorByName("token_embd"); emb != nil && arch.Vocab == 0 && len(emb.Dimensions) == 2 {
		// Dimensions are innermost-first: [dim, vocab].
		arch.Dim = int(emb.Dimensions[0])
		arch.Vocab = int(emb.Dimensions[1])
	}
	arch.ID = Identifier(f.String("general.name", "base"), arch)

	return New(arch, ggufSource{f: f}, devices)
}

// Identifier derives the base-model identity recorded in adapter artifacts:
// a mismatch in any structural dimension must make loading an adapter
// against the wrong base fail fast.
func Identifier(name string, a Arch) string {
	return fmt.Sprintf("%s-b%d-d%d-h%d-v%d", name, a.Blocks, a.Dim, a.Hidden, a.Vocab)
}
