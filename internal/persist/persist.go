package persist

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

const (
	ConfigName  = "adapter_config.json"
	WeightsName = "adapter_model.bodkin"

	weightsMagic   = 0x414B4442 // "BDKA"
	weightsVersion = 1
)

// AdapterConfig is the JSON descriptor written next to the adapter weights.
// BaseModel pins the artifact to the exact base it was trained against.
type AdapterConfig struct {
	BaseModel     string   `json:"base_model"`
	Rank          int      `json:"rank"`
	Alpha         float32  `json:"alpha"`
	Dropout       float32  `json:"dropout"`
	TargetModules []string `json:"target_modules"`
	Bias          string   `json:"bias"`
	Seed          int64    `json:"seed"`
}

// MismatchError is returned when an adapter artifact does not belong to the
// base model it is being loaded into.
type MismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("persist: adapter %s mismatch: artifact has %q, base has %q", e.Field, e.Want, e.Got)
}

// Save writes the adapter artifact for m into dir: a JSON descriptor plus a
// binary weight bundle holding every adapter pair and, depending on the bias
// policy, the trainable biases. Frozen base weights are never written.
func Save(dir string, m *model.Model, cfg config.Adapter) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ac := AdapterConfig{
		BaseModel:     m.Arch.ID,
		Rank:          cfg.Rank,
		Alpha:         cfg.Alpha,
		Dropout:       cfg.Dropout,
		TargetModules: cfg.TargetModules,
		Bias:          cfg.Bias.String(),
		Seed:          cfg.Seed,
	}
	raw, err := json.MarshalIndent(ac, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigName), raw, 0o644); err != nil {
		return err
	}

	entries := collect(m)
	if err := writeWeights(filepath.Join(dir, WeightsName), entries); err != nil {
		return err
	}
	logger.Log.Info("adapter artifact saved", "dir", dir, "tensors", len(entries))
	return nil
}

// Load reads an adapter artifact from dir and injects it into m. The base
// model recorded in the artifact must match m exactly; on mismatch nothing
// is injected.
func Load(dir string, m *model.Model) (*config.Adapter, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigName))
	if err != nil {
		return nil, err
	}
	var ac AdapterConfig
	if err := json.Unmarshal(raw, &ac); err != nil {
		return nil, err
	}
	if ac.BaseModel != m.Arch.ID {
		return nil, &MismatchError{Field: "base model", Want: ac.BaseModel, Got: m.Arch.ID}
	}

	bias, err := config.ParseBiasPolicy(ac.Bias)
	if err != nil {
		return nil, err
	}
	cfg := config.Adapter{
		Rank:          ac.Rank,
		Alpha:         ac.Alpha,
		Dropout:       ac.Dropout,
		TargetModules: ac.TargetModules,
		Bias:          bias,
		Seed:          ac.Seed,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := m.Inject(cfg); err != nil {
		return nil, err
	}

	entries, err := readWeights(filepath.Join(dir, WeightsName))
	if err != nil {
		return nil, err
	}
	if err := apply(m, entries); err != nil {
		return nil, err
	}
	logger.Log.Info("adapter artifact loaded", "dir", dir, "base", ac.BaseModel)
	return &cfg, nil
}

type entry struct {
	Name string
	Rows int
	Cols int
	Data []float32
}

func collect(m *model.Model) []entry {
	var out []entry
	for _, b := range m.Bindings() {
		out = append(out,
			entry{b.Layer.Name + ".adapter_down", b.Pair.Down.Rows, b.Pair.Down.Cols, b.Pair.Down.Data},
			entry{b.Layer.Name + ".adapter_up", b.Pair.Up.Rows, b.Pair.Up.Cols, b.Pair.Up.Data},
		)
	}
	for _, l := range m.Layers() {
		if l.Bias != nil && l.Bias.Trainable() {
			out = append(out, entry{l.Name + ".bias", l.Bias.Rows, l.Bias.Cols, l.Bias.Data})
		}
	}
	return out
}

func apply(m *model.Model, entries []entry) error {
	byName := make(map[string]*tensor.Matrix)
	for _, b := range m.Bindings() {
		byName[b.Layer.Name+".adapter_down"] = b.Pair.Down
		byName[b.Layer.Name+".adapter_up"] = b.Pair.Up
	}
	for _, l := range m.Layers() {
		if l.Bias != nil && l.Bias.Trainable() {
			byName[l.Name+".bias"] = l.Bias
		}
	}
	for _, e := range entries {
		dst, ok := byName[e.Name]
		if !ok {
			return &MismatchError{Field: "tensor set", Want: e.Name, Got: "no such trainable tensor"}
		}
		if dst.Rows != e.Rows || dst.Cols != e.Cols {
			return &tensor.ShapeError{Op: "load " + e.Name, Want: [2]int{dst.Rows, dst.Cols}, Got: [2]int{e.Rows, e.Cols}}
		}
		copy(dst.Data, e.Data)
		delete(byName, e.Name)
	}
	if len(byName) != 0 {
		for name := range byName {
			return &MismatchError{Field: "tensor set", Want: "nothing", Got: "artifact missing " + name}
		}
	}
	return nil
}

func writeWeights(path string, entries []entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], weightsMagic)
	binary.LittleEndian.PutUint32(hdr[4:], weightsVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(entries)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, e := range entries {
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(e.Name)))
		if _, err := w.Write(hdr[:4]); err != nil {
			return err
		}
		if _, err := w.WriteString(e.Name); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(hdr[0:], uint32(e.Rows))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(e.Cols))
		if _, err := w.Write(hdr[:8]); err != nil {
			return err
		}
		var buf [4]byte
		for _, v := range e.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func readWeights(path string) ([]entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 12 {
		return nil, &MismatchError{Field: "weights file", Want: "header", Got: "truncated file"}
	}
	if binary.LittleEndian.Uint32(raw[0:]) != weightsMagic {
		return nil, &MismatchError{Field: "weights file", Want: "BDKA magic", Got: fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(raw[0:]))}
	}
	if v := binary.LittleEndian.Uint32(raw[4:]); v != weightsVersion {
		return nil, &MismatchError{Field: "weights version", Want: fmt.Sprint(weightsVersion), Got: fmt.Sprint(v)}
	}
	count := int(binary.LittleEndian.Uint32(raw[8:]))
	off := 12

	take := func(n int) ([]byte, error) {
		if off+n > len(raw) {
			return nil, &MismatchError{Field: "weights file", Want: fmt.Sprintf("%d more bytes", n), Got: "truncated file"}
		}
		b := raw[off : off+n]
		off += n
		return b, nil
	}

	entries := make([]entry, 0, count)
	for i := 0; i < count; i++ {
		b, err := take(4)
		if err != nil {
			return nil, err
		}
		nameLen := int(binary.LittleEndian.Uint32(b))
		if b, err = take(nameLen); err != nil {
			return nil, err
		}
		name := string(b)
		if b, err = take(8); err != nil {
			return nil, err
		}
		rows := binary.LittleEndian.Uint32(b[0:])
		cols := binary.LittleEndian.Uint32(b[4:])
		elems := uint64(rows) * uint64(cols)
		if elems > uint64(len(raw)-off)/4 {
			return nil, &MismatchError{Field: "weights file", Want: fmt.Sprintf("%d elements for %s", elems, name), Got: "truncated file"}
		}
		if b, err = take(int(elems) * 4); err != nil {
			return nil, err
		}
		data := make([]float32, elems)
		for j := range data {
			data[j] = math.Float32frombits(binary.LittleEndian.Uint32(b[j*4:]))
		}
		entries = append(entries, entry{Name: name, Rows: int(rows), Cols: int(cols), Data: data})
	}
	return entries, nil
}
