package model

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// MergeLayer folds the layer's adapter into a dense full-precision weight:
// W' = dequant(frozen) + scaling * down @ up. The merge is one-way: the
// 4-bit form and the adapter are dropped, and the layer can no longer be
// trained or re-merged.
func (m *Model) MergeLayer(name string) error {
	l := m.LayerByName(name)
	if l == nil {
		return fmt.Errorf("model: merge: no layer named %q", name)
	}
	if l.Merged() {
		return fmt.Errorf("model: merge: layer %q already merged", name)
	}
	if l.Adapter == nil {
		return fmt.Errorf("model: merge: layer %q has no adapter", name)
	}

	dense, err := l.Frozen.DequantizeMatrix()
	if err != nil {
		return err
	}

	delta := tensor.NewMatrix(l.In, l.Out)
	if err := tensor.MatMul(delta, l.Adapter.Down, l.Adapter.Up); err != nil {
		return err
	}
	if err := tensor.AXPY(l.Adapter.Scaling, dense, delta); err != nil {
		return err
	}

	if err := l.dev.Alloc(int64(dense.NumElements() * 4)); err != nil {
		return err
	}
	l.dev.Free(int64(l.Frozen.SizeBytes() + l.Adapter.NumParams()*4))

	l.Dense = dense
	l.Frozen = nil
	l.Adapter = nil

	// Drop the binding so the optimizer never sees the folded pair again.
	kept := m.bindings[:0]
	for _, b := range m.bindings {
		if b.Layer != l {
			kept = append(kept, b)
		}
	}
	m.bindings = kept

	logger.Log.Info("adapter merged", "layer", name)
	return nil
}

// MergeAll folds every remaining binding, for inference-only export.
func (m *Model) MergeAll() error {
	names := make([]string, 0, len(m.bindings))
	for _, b := range m.bindings {
		names = append(names, b.Layer.Name)
	}
	for _, n := range names {
		if err := m.MergeLayer(n); err != nil {
			return err
		}
	}
	return nil
}
