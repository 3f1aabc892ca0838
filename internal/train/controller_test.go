package train

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/dataset"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/persist"
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

func testArch() model.Arch {
	return model.Arch{
		ID:     "train-test-base",
		Vocab:  32,
		Dim:    16,
		Hidden: 24,
		Blocks: 2,
		Quant:  config.Quant{Bits: 4, BlockSize: 16, ComputeDtype: config.ComputeFP16},
	}
}

func newTunedModel(t *testing.T, devices ...*device.Device) (*model.Model, config.Adapter) {
	t.Helper()
	if len(devices) == 0 {
		devices = []*device.Device{device.New(0, 0)}
	}
	m, err := model.New(testArch(), memSource{seed: 42}, devices)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	cfg := config.Adapter{
		Rank:          2,
		Alpha:         4,
		Dropout:       0,
		TargetModules: []string{"ffn_up", "ffn_down"},
		Bias:          config.BiasNone,
		Seed:          7,
	}
	if err := m.Inject(cfg); err != nil {
		t.Fatalf("inject: %v", err)
	}
	return m, cfg
}

func tokenDataset(n, length int, seed int64) *dataset.Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &dataset.Dataset{}
	for i := 0; i < n; i++ {
		seq := make([]int, length)
		for j := range seq {
			seq[j] = rng.Intn(32)
		}
		ds.Sequences = append(ds.Sequences, seq)
	}
	return ds
}

func testTrainCfg(dir string) config.Train {
	cfg := config.DefaultTrain()
	cfg.TrainBatchSize = 2
	cfg.EvalBatchSize = 2
	cfg.Epochs = 1
	cfg.WarmupSteps = 2
	cfg.LogInterval = 100
	cfg.EvalInterval = 0
	cfg.SaveStrategy = config.CheckpointNone
	cfg.SaveInterval = 0
	cfg.OutputDir = dir
	cfg.Seed = 1
	return cfg
}

func TestControllerRunCompletes(t *testing.T) {
	m, acfg := newTunedModel(t)
	train := tokenDataset(8, 6, 1)
	dir := t.TempDir()

	ctrl, err := NewController(m, testTrainCfg(dir), acfg, train, nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// 8 sequences, batch 2, 1 epoch.
	if ctrl.Step() != 4 {
		t.Errorf("steps: got %d, want 4", ctrl.Step())
	}
	if ctrl.CurrentPhase() != PhaseIdle {
		t.Errorf("phase after run: %v", ctrl.CurrentPhase())
	}

	// A completed run always leaves a final artifact.
	if _, err := os.Stat(filepath.Join(dir, "final", persist.ConfigName)); err != nil {
		t.Errorf("missing final artifact: %v", err)
	}
}

// Back-to-back evaluations must walk the full held-out set each time and
// agree exactly: no parameters move between them and the order is fixed.
func TestEvaluateRepeatable(t *testing.T) {
	m, acfg := newTunedModel(t)
	train := tokenDataset(8, 6, 1)
	eval := tokenDataset(4, 6, 2)

	ctrl, err := NewController(m, testTrainCfg(t.TempDir()), acfg, train, eval)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	a, err := ctrl.Evaluate()
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	b, err := ctrl.Evaluate()
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if a != b {
		t.Errorf("evaluation not repeatable: %v vs %v", a, b)
	}
}

func TestControllerMaxStepsCap(t *testing.T) {
	m, acfg := newTunedModel(t)
	train := tokenDataset(20, 6, 2)

	cfg := testTrainCfg(t.TempDir())
	cfg.MaxSteps = 3
	ctrl, err := NewController(m, cfg, acfg, train, nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctrl.Step() != 3 {
		t.Errorf("steps: got %d, want 3", ctrl.Step())
	}
}

func TestControllerPeriodicCheckpoints(t *testing.T) {
	m, acfg := newTunedModel(t)
	train := tokenDataset(8, 6, 3)
	dir := t.TempDir()

	cfg := testTrainCfg(dir)
	cfg.SaveStrategy = config.CheckpointPeriodic
	cfg.SaveInterval = 2
	ctrl, err := NewController(m, cfg, acfg, train, nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, name := range []string{"checkpoint-2", "checkpoint-4"} {
		if _, err := os.Stat(filepath.Join(dir, name, persist.WeightsName)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestControllerBestCheckpoint(t *testing.T) {
	m, acfg := newTunedModel(t)
	train := tokenDataset(8, 6, 4)
	eval := tokenDataset(4, 6, 5)
	dir := t.TempDir()

	cfg := testTrainCfg(dir)
	cfg.SaveStrategy = config.CheckpointBest
	cfg.SaveInterval = 1
	cfg.EvalInterval = 2
	ctrl, err := NewController(m, cfg, acfg, train, eval)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "checkpoint-best", persist.WeightsName)); err != nil {
		t.Errorf("missing best checkpoint: %v", err)
	}
}

// Batches that cannot form valid inputs are skipped, not fatal.
func TestControllerSkipsMalformedBatch(t *testing.T) {
	m, acfg := newTunedModel(t)
	train := tokenDataset(4, 6, 6)
	// One sequence with an out-of-vocabulary id and one too short to train on.
	train.Sequences = append(train.Sequences, []int{1, 2, 999, 3, 4, 5}, []int{1})

	cfg := testTrainCfg(t.TempDir())
	cfg.TrainBatchSize = 1
	ctrl, err := NewController(m, cfg, acfg, train, nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run should survive bad batches: %v", err)
	}
	// 6 batches of 1: four good, one out-of-range, one too short.
	if ctrl.Step() != 4 {
		t.Errorf("steps: got %d, want 4", ctrl.Step())
	}
}

func TestControllerAbortsOnMemoryExhaustion(t *testing.T) {
	// Size a device so the model loads and adapters inject, but the transient
	// dequantization scratch of the first forward no longer fits.
	probe, err := model.New(testArch(), memSource{seed: 42}, []*device.Device{device.New(0, 0)})
	if err != nil {
		t.Fatalf("probe model: %v", err)
	}
	acfg := config.Adapter{
		Rank:          2,
		Alpha:         4,
		TargetModules: []string{"ffn_up", "ffn_down"},
		Seed:          7,
	}
	if err := probe.Inject(acfg); err != nil {
		t.Fatalf("probe inject: %v", err)
	}
	static := int64(0)
	for _, l := range probe.Layers() {
		static += int64(l.Frozen.SizeBytes())
	}
	adapters := int64(probe.TrainableParamCount() * 4)

	// 256 spare bytes: enough for nothing, certainly not a dequantized layer.
	dev := device.New(0, static+adapters+256)

	m, err := model.New(testArch(), memSource{seed: 42}, []*device.Device{dev})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	if err := m.Inject(acfg); err != nil {
		t.Fatalf("inject: %v", err)
	}

	cfg := testTrainCfg(t.TempDir())
	ctrl, err := NewController(m, cfg, acfg, tokenDataset(4, 6, 7), nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	err = ctrl.Run(context.Background())
	var oom *device.ErrOutOfMemory
	if !errors.As(err, &oom) {
		t.Fatalf("expected *ErrOutOfMemory to abort the run, got %v", err)
	}
}

func TestControllerRequiresTrainableParams(t *testing.T) {
	m, err := model.New(testArch(), memSource{seed: 42}, []*device.Device{device.New(0, 0)})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	if _, err := NewController(m, testTrainCfg(t.TempDir()), config.DefaultAdapter(), tokenDataset(2, 4, 8), nil); err == nil {
		t.Fatal("controller must refuse a model with nothing to train")
	}
}

func TestControllerHonorsContext(t *testing.T) {
	m, acfg := newTunedModel(t)
	ctrl, err := NewController(m, testTrainCfg(t.TempDir()), acfg, tokenDataset(50, 6, 9), nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
