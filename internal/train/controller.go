package train

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/dataset"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/persist"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Phase is the controller's position in the step cycle. Transitions are
// linear within a step; Evaluate and Checkpoint are entered from the end of
// a step and return to Idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseForward
	PhaseBackward
	PhaseOptimizerStep
	PhaseEvaluate
	PhaseCheckpoint
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseForward:
		return "forward"
	case PhaseBackward:
		return "backward"
	case PhaseOptimizerStep:
		return "optimizer_step"
	case PhaseEvaluate:
		return "evaluate"
	case PhaseCheckpoint:
		return "checkpoint"
	}
	return "unknown"
}

// Controller drives the fine-tuning loop: batches in, adapter updates out.
// It owns the optimizer and schedule; the model owns all parameter state.
type Controller struct {
	RunID string

	model      *model.Model
	cfg        config.Train
	adapterCfg config.Adapter

	trainSet    *dataset.Dataset
	evalSet     *dataset.Dataset
	evalBatcher *dataset.Batcher

	opt      *AdamW
	schedule Schedule

	phase    Phase
	step     int
	bestEval float64
}

func NewController(m *model.Model, cfg config.Train, adapterCfg config.Adapter, trainSet, evalSet *dataset.Dataset) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := m.TrainableParams()
	if len(params) == 0 {
		return nil, &config.FieldError{Field: "adapter", Reason: "model has no trainable parameters; inject adapters before training"}
	}

	batcher := dataset.NewBatcher(trainSet, cfg.TrainBatchSize, cfg.Seed)
	total := cfg.MaxSteps
	if total <= 0 {
		total = cfg.Epochs * batcher.Steps()
	}
	var evalBatcher *dataset.Batcher
	if evalSet != nil {
		evalBatcher = dataset.NewBatcher(evalSet, cfg.EvalBatchSize, cfg.Seed)
	}

	return &Controller{
		model:       m,
		cfg:         cfg,
		adapterCfg:  adapterCfg,
		trainSet:    trainSet,
		evalSet:     evalSet,
		evalBatcher: evalBatcher,
		opt:         NewAdamW(params, cfg),
		schedule: Schedule{
			Base:   float64(cfg.LearningRate),
			Min:    float64(cfg.MinLR),
			Warmup: cfg.WarmupSteps,
			Total:  total,
		},
		bestEval: -1,
	}, nil
}

// Phase reports where the controller currently is in the step cycle.
func (c *Controller) CurrentPhase() Phase { return c.phase }

// Step is the number of optimizer steps taken so far.
func (c *Controller) Step() int { return c.step }

// Run executes the configured number of epochs (or MaxSteps, whichever ends
// first). A malformed batch is skipped and reported; device memory
// exhaustion aborts the run.
func (c *Controller) Run(ctx context.Context) error {
	batcher := dataset.NewBatcher(c.trainSet, c.cfg.TrainBatchSize, c.cfg.Seed)
	logger.Log.Info("training started",
		"run_id", c.RunID,
		"sequences", c.trainSet.Len(),
		"steps_per_epoch", batcher.Steps(),
		"epochs", c.cfg.Epochs,
		"trainable_params", c.model.TrainableParamCount())

	for epoch := 0; epoch < c.cfg.Epochs; epoch++ {
		batcher.Shuffle(epoch)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, ok := batcher.Next()
			if !ok {
				break
			}
			if c.cfg.MaxSteps > 0 && c.step >= c.cfg.MaxSteps {
				return c.finish()
			}
			if err := c.trainStep(batch); err != nil {
				var oom *device.ErrOutOfMemory
				if errors.As(err, &oom) {
					logger.Log.Error("device memory exhausted, aborting run", "error", err, "step", c.step)
					return err
				}
				var shape *tensor.ShapeError
				if errors.As(err, &shape) {
					metrics.SkippedBatchesTotal.Inc()
					logger.Log.Warn("skipping malformed batch", "error", err, "step", c.step)
					continue
				}
				return err
			}
		}
	}
	return c.finish()
}

func (c *Controller) trainStep(batch [][]int) error {
	start := time.Now()
	inputs, targets, nTokens := normalize(batch)
	if len(inputs) == 0 {
		return &tensor.ShapeError{Op: "batch", Want: [2]int{1, 2}, Got: [2]int{len(batch), 1}}
	}

	c.phase = PhaseForward
	fwStart := time.Now()
	st, err := c.model.Forward(inputs, true, c.step)
	if err != nil {
		c.phase = PhaseIdle
		return err
	}
	loss, dlogits, err := CrossEntropy(st.Logits, targets, true)
	if err != nil {
		c.phase = PhaseIdle
		return err
	}
	metrics.PhaseDuration.WithLabelValues("forward").Observe(time.Since(fwStart).Seconds())

	c.phase = PhaseBackward
	bwStart := time.Now()
	c.model.ZeroGrad()
	if err := c.model.Backward(st, dlogits); err != nil {
		c.phase = PhaseIdle
		return err
	}
	metrics.PhaseDuration.WithLabelValues("backward").Observe(time.Since(bwStart).Seconds())

	c.phase = PhaseOptimizerStep
	optStart := time.Now()
	norm := ClipGradNorm(c.opt.params, c.cfg.GradClipNorm)
	lr := c.schedule.At(c.step)
	c.opt.Step(lr)
	metrics.PhaseDuration.WithLabelValues("optimizer_step").Observe(time.Since(optStart).Seconds())

	c.step++
	metrics.TrainStepsTotal.Inc()
	metrics.TrainLoss.Set(loss)
	metrics.LearningRate.Set(lr)
	metrics.AdapterGradNorm.Observe(float64(norm))
	metrics.TokensTotal.Add(float64(nTokens))
	metrics.StepDuration.Observe(time.Since(start).Seconds())

	if c.cfg.LogInterval > 0 && c.step%c.cfg.LogInterval == 0 {
		stats := device.ComputeActivationStats(st.Logits.Data)
		if stats.NaNs > 0 {
			metrics.NumericalInstability.WithLabelValues("logits", "nan").Add(float64(stats.NaNs))
		}
		if stats.Infs > 0 {
			metrics.NumericalInstability.WithLabelValues("logits", "inf").Add(float64(stats.Infs))
		}
		var badParams int
		for _, p := range c.opt.params {
			nans, infs := p.CountNonFinite()
			badParams += nans + infs
		}
		if badParams > 0 {
			metrics.NumericalInstability.WithLabelValues("adapter", "nan").Add(float64(badParams))
			logger.Log.Warn("non-finite adapter parameters", "step", c.step, "count", badParams)
		}
		logger.Log.Info("train step",
			"step", c.step, "loss", loss, "lr", lr, "grad_norm", norm,
			"logit_rms", stats.RMS, "logit_max", stats.Max)
	}

	if c.cfg.EvalInterval > 0 && c.step%c.cfg.EvalInterval == 0 && c.evalSet != nil && c.evalSet.Len() > 0 {
		if err := c.evaluateAndMaybeCheckpoint(); err != nil {
			return err
		}
	}
	if c.cfg.SaveStrategy == config.CheckpointPeriodic && c.cfg.SaveInterval > 0 && c.step%c.cfg.SaveInterval == 0 {
		if err := c.checkpoint(fmt.Sprintf("checkpoint-%d", c.step), "periodic"); err != nil {
			return err
		}
	}

	c.phase = PhaseIdle
	return nil
}

// Evaluate runs the held-out set without gradients and returns mean loss.
func (c *Controller) Evaluate() (float64, error) {
	c.phase = PhaseEvaluate
	defer func() { c.phase = PhaseIdle }()
	start := time.Now()

	// The eval order never reshuffles; every pass walks the held-out set in
	// the same sequence so losses are comparable across evaluations.
	c.evalBatcher.Rewind()
	var total float64
	var batches int
	for {
		batch, ok := c.evalBatcher.Next()
		if !ok {
			break
		}
		inputs, targets, _ := normalize(batch)
		if len(inputs) == 0 {
			continue
		}
		st, err := c.model.Forward(inputs, false, c.step)
		if err != nil {
			var shape *tensor.ShapeError
			if errors.As(err, &shape) {
				metrics.SkippedBatchesTotal.Inc()
				continue
			}
			return 0, err
		}
		loss, _, err := CrossEntropy(st.Logits, targets, false)
		if err != nil {
			return 0, err
		}
		total += loss
		batches++
	}
	if batches == 0 {
		return 0, &tensor.ShapeError{Op: "evaluate", Want: [2]int{1, 1}, Got: [2]int{0, 1}}
	}

	mean := total / float64(batches)
	metrics.EvalLoss.Set(mean)
	metrics.PhaseDuration.WithLabelValues("evaluate").Observe(time.Since(start).Seconds())
	logger.Log.Info("evaluation", "step", c.step, "eval_loss", mean)
	return mean, nil
}

func (c *Controller) evaluateAndMaybeCheckpoint() error {
	mean, err := c.Evaluate()
	if err != nil {
		return err
	}
	if c.cfg.SaveStrategy == config.CheckpointBest && (c.bestEval < 0 || mean < c.bestEval) {
		c.bestEval = mean
		return c.checkpoint("checkpoint-best", "best")
	}
	return nil
}

func (c *Controller) checkpoint(name, trigger string) error {
	c.phase = PhaseCheckpoint
	defer func() { c.phase = PhaseIdle }()
	start := time.Now()

	dir := filepath.Join(c.cfg.OutputDir, name)
	if err := persist.Save(dir, c.model, c.adapterCfg); err != nil {
		return err
	}
	metrics.CheckpointsTotal.WithLabelValues(trigger).Inc()
	metrics.PhaseDuration.WithLabelValues("checkpoint").Observe(time.Since(start).Seconds())
	return nil
}

// finish writes the final adapter artifact regardless of strategy so a
// completed run always leaves a loadable result.
func (c *Controller) finish() error {
	if c.cfg.OutputDir != "" {
		if err := c.checkpoint("final", "final"); err != nil {
			return err
		}
	}
	logger.Log.Info("training finished", "steps", c.step)
	return nil
}

// normalize trims a possibly ragged batch to its shortest usable length so
// every sequence forwards as equal-length rows. Sequences shorter than two
// tokens cannot produce a next-token target and are dropped.
func normalize(batch [][]int) (inputs [][]int, targets []int, nTokens int) {
	minLen := 0
	kept := batch[:0:0]
	for _, seq := range batch {
		if len(seq) < 2 {
			continue
		}
		if minLen == 0 || len(seq) < minLen {
			minLen = len(seq)
		}
		kept = append(kept, seq)
	}
	if len(kept) == 0 {
		return nil, nil, 0
	}
	trimmed := make([][]int, len(kept))
	for i, seq := range kept {
		trimmed[i] = seq[:minLen]
	}
	inputs, targets = ShiftTargets(trimmed)
	return inputs, targets, len(kept) * (minLen - 1)
}
