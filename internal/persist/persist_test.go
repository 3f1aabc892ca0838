package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/model"
)

type memSource struct {
	seed int64
}

func (s memSource) Tensor(name string, rows, cols int) ([]float32, error) {
	h := s.seed
	for _, c := range name {
		h = h*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(h))
	out := make([]float32, rows*cols)
	for i := range out {
		out[i] = float32(rng.NormFloat64()) * 0.05
	}
	return out, nil
}

// biasedSource is memSource plus a bias vector for every matmul layer.
type biasedSource struct {
	memSource
}

func (s biasedSource) Has(name string) bool {
	return strings.HasSuffix(name, ".bias")
}

func newModel(t *testing.T, id string) *model.Model {
	t.Helper()
	return newModelFrom(t, id, memSource{seed: 42})
}

func newModelFrom(t *testing.T, id string, src model.WeightSource) *model.Model {
	t.Helper()
	m, err := model.New(model.Arch{
		ID:     id,
		Vocab:  32,
		Dim:    16,
		Hidden: 24,
		Blocks: 2,
		Quant:  config.Quant{Bits: 4, BlockSize: 16, ComputeDtype: config.ComputeFP16},
	}, src, []*device.Device{device.New(0, 0)})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func adapterCfg() config.Adapter {
	return config.Adapter{
		Rank:          2,
		Alpha:         4,
		Dropout:       0,
		TargetModules: []string{"ffn_up", "ffn_down"},
		Bias:          config.BiasNone,
		Seed:          7,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	src := newModel(t, "base-a")
	cfg := adapterCfg()
	if err := src.Inject(cfg); err != nil {
		t.Fatalf("inject: %v", err)
	}
	// Mutate the adapters so the round trip carries real values.
	rng := rand.New(rand.NewSource(3))
	for _, b := range src.Bindings() {
		b.Pair.Up.FillNormal(rng, 0.2)
		b.Pair.Down.FillNormal(rng, 0.2)
	}
	if err := Save(dir, src, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigName)); err != nil {
		t.Fatalf("missing %s: %v", ConfigName, err)
	}
	if _, err := os.Stat(filepath.Join(dir, WeightsName)); err != nil {
		t.Fatalf("missing %s: %v", WeightsName, err)
	}

	dst := newModel(t, "base-a")
	loaded, err := Load(dir, dst)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Rank != cfg.Rank || loaded.Alpha != cfg.Alpha {
		t.Errorf("loaded config: got r=%d alpha=%v", loaded.Rank, loaded.Alpha)
	}

	sb, db := src.Bindings(), dst.Bindings()
	if len(sb) != len(db) {
		t.Fatalf("binding count: %d vs %d", len(sb), len(db))
	}
	for i := range sb {
		for j, v := range sb[i].Pair.Down.Data {
			if db[i].Pair.Down.Data[j] != v {
				t.Fatalf("binding %d down[%d] differs", i, j)
			}
		}
		for j, v := range sb[i].Pair.Up.Data {
			if db[i].Pair.Up.Data[j] != v {
				t.Fatalf("binding %d up[%d] differs", i, j)
			}
		}
	}
}

func TestLoadRejectsWrongBase(t *testing.T) {
	dir := t.TempDir()

	src := newModel(t, "base-a")
	cfg := adapterCfg()
	if err := src.Inject(cfg); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := Save(dir, src, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	other := newModel(t, "base-b")
	_, err := Load(dir, other)
	var mm *MismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("expected *MismatchError, got %v", err)
	}
	if len(other.Bindings()) != 0 {
		t.Error("failed load must not inject anything")
	}
}

func TestLoadRejectsCorruptWeights(t *testing.T) {
	dir := t.TempDir()

	src := newModel(t, "base-a")
	cfg := adapterCfg()
	if err := src.Inject(cfg); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := Save(dir, src, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Truncate the weight bundle mid-tensor.
	path := filepath.Join(dir, WeightsName)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw[:len(raw)/2], 0o644); err != nil {
		t.Fatal(err)
	}

	dst := newModel(t, "base-a")
	if _, err := Load(dir, dst); err == nil {
		t.Fatal("expected error for truncated weights")
	}
}

// Header-declared shapes near the uint32 maximum must error out of the
// bounds check, not overflow the byte count and slice out of range.
func TestReadWeightsRejectsOversizedShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.bodkin")
	buf := make([]byte, 25)
	binary.LittleEndian.PutUint32(buf[0:], weightsMagic)
	binary.LittleEndian.PutUint32(buf[4:], weightsVersion)
	binary.LittleEndian.PutUint32(buf[8:], 1)  // entry count
	binary.LittleEndian.PutUint32(buf[12:], 1) // name length
	buf[16] = 'b'
	binary.LittleEndian.PutUint32(buf[17:], ^uint32(0)) // rows
	binary.LittleEndian.PutUint32(buf[21:], ^uint32(0)) // cols
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := readWeights(path)
	var mm *MismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("expected *MismatchError, got %v", err)
	}
}

func TestBiasPolicyRoundTrip(t *testing.T) {
	dir := t.TempDir()

	src := newModelFrom(t, "base-a", biasedSource{memSource{seed: 42}})
	cfg := adapterCfg()
	cfg.Bias = config.BiasAll
	if err := src.Inject(cfg); err != nil {
		t.Fatalf("inject: %v", err)
	}
	// Move the trained biases off their base values so the round trip is
	// observable.
	rng := rand.New(rand.NewSource(11))
	var biased int
	for _, l := range src.Layers() {
		if l.Bias != nil && l.Bias.Trainable() {
			l.Bias.FillNormal(rng, 0.3)
			biased++
		}
	}
	if biased == 0 {
		t.Fatal("model has no trainable biases to persist")
	}
	if err := Save(dir, src, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The descriptor stores the policy by name, not by enum value.
	raw, err := os.ReadFile(filepath.Join(dir, ConfigName))
	if err != nil {
		t.Fatal(err)
	}
	var ac AdapterConfig
	if err := json.Unmarshal(raw, &ac); err != nil {
		t.Fatal(err)
	}
	if ac.Bias != "all" {
		t.Errorf("serialized bias policy: got %q, want \"all\"", ac.Bias)
	}

	dst := newModelFrom(t, "base-a", biasedSource{memSource{seed: 42}})
	loaded, err := Load(dir, dst)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Bias != config.BiasAll {
		t.Errorf("loaded bias policy: got %v, want BiasAll", loaded.Bias)
	}
	for _, l := range dst.Layers() {
		want := src.LayerByName(l.Name).Bias
		for j, v := range want.Data {
			if l.Bias.Data[j] != v {
				t.Fatalf("layer %s bias[%d] differs after round trip", l.Name, j)
			}
		}
	}
}
