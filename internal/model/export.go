package model

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// ExportMerged writes the model as a dense float32 GGUF file. Every target
// layer must already be merged; untargeted layers are dequantized as-is so
// the export is a standalone base anyone can load without adapter files.
func ExportMerged(m *Model, name, path string) error {
	if len(m.Bindings()) != 0 {
		return &config.FieldError{Field: "export", Reason: "model still has live adapters; merge before exporting"}
	}

	kv := map[string]interface{}{
		"general.name":             name,
		"general.architecture":     "bodkin",
		"bodkin.vocab_size":        uint32(m.Arch.Vocab),
		"bodkin.embedding_length":  uint32(m.Arch.Dim),
		"bodkin.feed_forward_length": uint32(m.Arch.Hidden),
		"bodkin.block_count":       uint32(m.Arch.Blocks),
	}

	tensors := []gguf.TensorSpec{{
		Name:       "token_embd",
		Dimensions: []uint64{uint64(m.TokEmb.Cols), uint64(m.TokEmb.Rows)},
		Data:       m.TokEmb.Data,
	}}
	for _, l := range m.Layers() {
		data, err := denseData(l)
		if err != nil {
			return err
		}
		tensors = append(tensors, gguf.TensorSpec{
			Name:       l.Name,
			Dimensions: []uint64{uint64(l.Out), uint64(l.In)},
			Data:       data,
		})
		if l.Bias != nil {
			tensors = append(tensors, gguf.TensorSpec{
				Name:       l.Name + ".bias",
				Dimensions: []uint64{uint64(l.Out)},
				Data:       l.Bias.Data,
			})
		}
	}

	if err := gguf.Write(path, kv, tensors); err != nil {
		return err
	}
	logger.Log.Info("merged model exported", "path", path, "tensors", len(tensors))
	return nil
}

func denseData(l *Layer) ([]float32, error) {
	if l.Dense != nil {
		return l.Dense.Data, nil
	}
	if l.Frozen == nil {
		return nil, &config.FieldError{Field: "export", Reason: fmt.Sprintf("layer %s has no weights", l.Name)}
	}
	w, err := l.Frozen.DequantizeMatrix()
	if err != nil {
		return nil, err
	}
	return w.Data, nil
}
