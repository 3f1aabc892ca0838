package model

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/adapter"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/nf4"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Arch describes the base model: a causal LM built from a token embedding,
// a stack of position-wise residual FFN blocks and an output head. All
// matmul weights are held 4-bit; the embedding stays dense because lookups
// never multiply.
type Arch struct {
	ID     string // base-model identifier recorded in adapter artifacts
	Vocab  int
	Dim    int
	Hidden int
	Blocks int
	Quant  config.Quant
}

func (a *Arch) Validate() error {
	if a.Vocab <= 0 {
		return &config.FieldError{Field: "vocab", Reason: fmt.Sprintf("got %d (must be positive)", a.Vocab)}
	}
	if a.Dim <= 0 {
		return &config.FieldError{Field: "dim", Reason: fmt.Sprintf("got %d (must be positive)", a.Dim)}
	}
	if a.Hidden <= 0 {
		return &config.FieldError{Field: "hidden", Reason: fmt.Sprintf("got %d (must be positive)", a.Hidden)}
	}
	if a.Blocks <= 0 {
		return &config.FieldError{Field: "blocks", Reason: fmt.Sprintf("got %d (must be positive)", a.Blocks)}
	}
	if a.ID == "" {
		return &config.FieldError{Field: "id", Reason: "empty base-model identifier"}
	}
	return a.Quant.Validate()
}

// Layer is one frozen weight matrix plus its optional bias and optional
// injected adapter. Exactly one of frozen/dense is set: frozen before a
// merge, dense after.
type Layer struct {
	Name string
	In   int
	Out  int

	Frozen  *nf4.Matrix
	Dense   *tensor.Matrix
	Bias    *tensor.Matrix // [1, Out], nil when the base has no bias
	Adapter *adapter.Pair

	dev *device.Device
}

// Merged reports whether an adapter has been folded into this layer.
func (l *Layer) Merged() bool { return l.Dense != nil }

// BaseParams is the frozen parameter count of the layer.
func (l *Layer) BaseParams() int {
	n := l.In * l.Out
	if l.Bias != nil {
		n += l.Out
	}
	return n
}

// Block is one residual unit: x + down(silu(up(x))) applied per position.
type Block struct {
	Index int
	Up    *Layer
	Down  *Layer
}

// Model composes the frozen quantized base with injected adapters behind one
// forward/backward surface. The frozen matrices are shared read-only; the
// bindings own the only mutable state.
type Model struct {
	Arch Arch

	TokEmb *tensor.Matrix // [vocab, dim], frozen
	Blocks []*Block
	Output *Layer // dim -> vocab

	placement *device.Placement
	devices   []*device.Device

	bindings []Binding

	// Set by Prepare: training recomputes block activations on the backward
	// pass and the generation position cache stays off.
	checkpointing bool
	cacheEnabled  bool

	adapterCfg *config.Adapter
}

// Binding ties one target layer to its injected adapter pair.
type Binding struct {
	Layer *Layer
	Pair  *adapter.Pair
}

// WeightSource supplies dense base weights by canonical tensor name.
type WeightSource interface {
	Tensor(name string, rows, cols int) ([]float32, error)
}

// OptionalTensors is implemented by weight sources that can report whether a
// named tensor exists. Sources implementing it get their per-layer bias
// vectors ("<layer>.bias") picked up at load; sources that don't are treated
// as bias-free.
type OptionalTensors interface {
	Has(name string) bool
}

// New builds the frozen base: every matmul weight is quantized to 4-bit at
// load time and owned exclusively by the model, blocks are placed across the
// given devices in contiguous groups.
func New(arch Arch, src WeightSource, devices []*device.Device) (*Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		devices = []*device.Device{device.New(0, 0)}
	}

	placement, err := device.Plan(arch.Blocks, devices)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Arch:         arch,
		placement:    placement,
		devices:      devices,
		cacheEnabled: true,
	}

	embData, err := src.Tensor("token_embd", arch.Vocab, arch.Dim)
	if err != nil {
		return nil, err
	}
	m.TokEmb, err = tensor.FromSlice(arch.Vocab, arch.Dim, embData)
	if err != nil {
		return nil, err
	}

	for i := 0; i < arch.Blocks; i++ {
		dev := placement.DeviceFor(i)
		up, err := m.loadLayer(src, fmt.Sprintf("blk.%d.ffn_up", i), arch.Dim, arch.Hidden, dev)
		if err != nil {
			return nil, err
		}
		down, err := m.loadLayer(src, fmt.Sprintf("blk.%d.ffn_down", i), arch.Hidden, arch.Dim, dev)
		if err != nil {
			return nil, err
		}
		m.Blocks = append(m.Blocks, &Block{Index: i, Up: up, Down: down})
	}

	// Output head lives with the last block's device.
	lastDev := placement.DeviceFor(arch.Blocks - 1)
	m.Output, err = m.loadLayer(src, "output", arch.Dim, arch.Vocab, lastDev)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("base model loaded",
		"id", arch.ID, "blocks", arch.Blocks,
		"dim", arch.Dim, "hidden", arch.Hidden, "vocab", arch.Vocab)
	return m, nil
}

func (m *Model) loadLayer(src WeightSource, name string, in, out int, dev *device.Device) (*Layer, error) {
	data, err := src.Tensor(name, in, out)
	if err != nil {
		return nil, err
	}
	q, err := nf4.Quantize(data, in, out, m.Arch.Quant)
	if err != nil {
		return nil, fmt.Errorf("quantize %s: %w", name, err)
	}
	if err := dev.Alloc(int64(q.SizeBytes())); err != nil {
		return nil, err
	}
	if err := logQuantError(name, data, in, out, q); err != nil {
		return nil, err
	}
	l := &Layer{Name: name, In: in, Out: out, Frozen: q, dev: dev}

	// Bias vectors stay dense; the policy decides at injection whether they
	// train.
	if ot, ok := src.(OptionalTensors); ok && ot.Has(name+".bias") {
		bd, err := src.Tensor(name+".bias", 1, out)
		if err != nil {
			return nil, err
		}
		if err := dev.Alloc(int64(out) * 4); err != nil {
			return nil, err
		}
		l.Bias, err = tensor.FromSlice(1, out, bd)
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}

// logQuantError reconstructs a freshly quantized matrix once and reports the
// worst-case absolute and relative round-trip error against the dense source.
func logQuantError(name string, data []float32, in, out int, q *nf4.Matrix) error {
	recon := tensor.NewMatrix(in, out)
	if err := q.Dequantize(recon.Data); err != nil {
		return err
	}
	orig := &tensor.Matrix{Rows: in, Cols: out, Data: data}
	amax := orig.MaxAbs()
	for i := range recon.Data {
		recon.Data[i] -= data[i]
	}
	maxErr := recon.MaxAbs()
	var rel float32
	if amax > 0 {
		rel = maxErr / amax
	}
	logger.Log.Debug("weight quantized",
		"tensor", name, "max_abs_err", maxErr, "max_rel_err", rel)
	return nil
}

// Layers returns every matmul layer in graph order.
func (m *Model) Layers() []*Layer {
	out := make([]*Layer, 0, 2*len(m.Blocks)+1)
	for _, b := range m.Blocks {
		out = append(out, b.Up, b.Down)
	}
	out = append(out, m.Output)
	return out
}

// LayerByName resolves a full layer name, or nil.
func (m *Model) LayerByName(name string) *Layer {
	for _, l := range m.Layers() {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// Bindings returns the injected adapter bindings.
func (m *Model) Bindings() []Binding { return m.bindings }

// SetCache toggles the generation position cache. Training turns it off;
// callers may also disable it to force full-prompt recomputation.
func (m *Model) SetCache(on bool) { m.cacheEnabled = on }

// Devices returns the accelerator set the model is placed on.
func (m *Model) Devices() []*device.Device { return m.devices }

// moduleName is the last dot-segment of a layer name; target sets match on
// it the way adapter configs name modules ("ffn_up"), or on the full path.
func moduleName(layerName string) string {
	if i := strings.LastIndexByte(layerName, '.'); i >= 0 {
		return layerName[i+1:]
	}
	return layerName
}

// TotalParams counts frozen base parameters plus adapters.
func (m *Model) TotalParams() int {
	n := m.TokEmb.NumElements()
	for _, l := range m.Layers() {
		n += l.BaseParams()
		if l.Adapter != nil {
			n += l.Adapter.NumParams()
		}
	}
	return n
}

// TrainableParams returns exactly the parameters the optimizer may touch:
// adapter pairs plus biases the policy marked trainable. Frozen tensors have
// no gradient buffers, so nothing else can ever accumulate gradient.
func (m *Model) TrainableParams() []*tensor.Matrix {
	var params []*tensor.Matrix
	for _, b := range m.bindings {
		params = append(params, b.Pair.Params()...)
	}
	for _, l := range m.Layers() {
		if l.Bias != nil && l.Bias.Trainable() {
			params = append(params, l.Bias)
		}
	}
	return params
}

// TrainableParamCount is the element count over TrainableParams.
func (m *Model) TrainableParamCount() int {
	n := 0
	for _, p := range m.TrainableParams() {
		n += p.NumElements()
	}
	return n
}
