package config

import (
	"fmt"
	"strings"
)

// ComputeDtype selects the reduced-precision mode used for dequantized
// weights and activations during training.
type ComputeDtype int

const (
	ComputeFP16 ComputeDtype = iota
	ComputeBF16
)

func (d ComputeDtype) String() string {
	switch d {
	case ComputeFP16:
		return "fp16"
	case ComputeBF16:
		return "bf16"
	default:
		return fmt.Sprintf("compute_dtype(%d)", int(d))
	}
}

// ParseComputeDtype maps a CLI/JSON string to a ComputeDtype.
func ParseComputeDtype(s string) (ComputeDtype, error) {
	switch strings.ToLower(s) {
	case "fp16", "float16", "f16":
		return ComputeFP16, nil
	case "bf16", "bfloat16":
		return ComputeBF16, nil
	}
	return 0, &FieldError{Field: "compute_dtype", Reason: fmt.Sprintf("unknown mode %q (want fp16 or bf16)", s)}
}

// BiasPolicy controls which bias vectors stay trainable after injection.
type BiasPolicy int

const (
	BiasNone BiasPolicy = iota
	BiasAll
	BiasAdapterOnly
)

func (p BiasPolicy) String() string {
	switch p {
	case BiasAll:
		return "all"
	case BiasAdapterOnly:
		return "adapter_only"
	}
	return "none"
}

func ParseBiasPolicy(s string) (BiasPolicy, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return BiasNone, nil
	case "all":
		return BiasAll, nil
	case "adapter", "adapter_only", "lora_only":
		return BiasAdapterOnly, nil
	}
	return 0, &FieldError{Field: "bias", Reason: fmt.Sprintf("unknown policy %q (want none, all or adapter_only)", s)}
}

// Quant configures the 4-bit normalized-float encoding of frozen weights.
type Quant struct {
	Bits         int          `json:"bits"`
	BlockSize    int          `json:"block_size"`
	DoubleQuant  bool         `json:"double_quant"`
	ComputeDtype ComputeDtype `json:"-"`
	DisallowPad  bool         `json:"disallow_pad"`
}

func DefaultQuant() Quant {
	return Quant{
		Bits:         4,
		BlockSize:    64,
		DoubleQuant:  true,
		ComputeDtype: ComputeBF16,
	}
}

func (q *Quant) Validate() error {
	if q.Bits != 4 {
		return &FieldError{Field: "bits", Reason: fmt.Sprintf("got %d, only 4-bit nf4 is supported", q.Bits)}
	}
	if q.BlockSize <= 0 {
		return &FieldError{Field: "block_size", Reason: fmt.Sprintf("got %d (must be positive)", q.BlockSize)}
	}
	if q.BlockSize%2 != 0 {
		return &FieldError{Field: "block_size", Reason: fmt.Sprintf("got %d (must be even, codes pack two per byte)", q.BlockSize)}
	}
	return nil
}

// Adapter configures low-rank adapter injection.
type Adapter struct {
	Rank          int      `json:"r"`
	Alpha         float32  `json:"alpha"`
	Dropout       float32  `json:"dropout"`
	TargetModules []string `json:"target_modules"`
	Bias          BiasPolicy `json:"-"`
	Seed          int64    `json:"seed"`
}

func DefaultAdapter() Adapter {
	return Adapter{
		Rank:          8,
		Alpha:         16,
		Dropout:       0.05,
		TargetModules: []string{"ffn_up", "ffn_down"},
		Bias:          BiasNone,
	}
}

// Scaling is the factor applied to the adapter product, alpha/r as in LoRA.
func (a *Adapter) Scaling() float32 {
	return a.Alpha / float32(a.Rank)
}

func (a *Adapter) Validate() error {
	if a.Rank <= 0 {
		return &FieldError{Field: "r", Reason: fmt.Sprintf("got %d (must be positive)", a.Rank)}
	}
	if a.Alpha <= 0 {
		return &FieldError{Field: "alpha", Reason: fmt.Sprintf("got %g (must be positive)", a.Alpha)}
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return &FieldError{Field: "dropout", Reason: fmt.Sprintf("got %g (must be in [0,1))", a.Dropout)}
	}
	if len(a.TargetModules) == 0 {
		return &FieldError{Field: "target_modules", Reason: "empty (must name at least one layer)"}
	}
	for _, t := range a.TargetModules {
		if strings.TrimSpace(t) == "" {
			return &FieldError{Field: "target_modules", Reason: "contains an empty name"}
		}
	}
	return nil
}

// CheckpointStrategy selects when adapter checkpoints are written during a run.
type CheckpointStrategy int

const (
	CheckpointNone CheckpointStrategy = iota
	CheckpointPeriodic
	CheckpointBest
)

func ParseCheckpointStrategy(s string) (CheckpointStrategy, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CheckpointNone, nil
	case "periodic", "steps":
		return CheckpointPeriodic, nil
	case "best", "best_only":
		return CheckpointBest, nil
	}
	return 0, &FieldError{Field: "save_strategy", Reason: fmt.Sprintf("unknown strategy %q", s)}
}

// Train configures the training loop controller.
type Train struct {
	TrainBatchSize int     `json:"per_device_train_batch_size"`
	EvalBatchSize  int     `json:"per_device_eval_batch_size"`
	Epochs         int     `json:"epochs"`
	MaxSteps       int     `json:"max_steps"`
	LearningRate   float32 `json:"learning_rate"`
	MinLR          float32 `json:"min_lr"`
	WarmupSteps    int     `json:"warmup_steps"`
	WeightDecay    float32 `json:"weight_decay"`
	GradClipNorm   float32 `json:"grad_clip_norm"`
	AdamBeta1      float32 `json:"adam_beta1"`
	AdamBeta2      float32 `json:"adam_beta2"`
	AdamEpsilon    float32 `json:"adam_epsilon"`
	LogInterval    int     `json:"log_interval"`
	EvalInterval   int     `json:"eval_interval"`
	SaveInterval   int     `json:"save_interval"`
	SaveStrategy   CheckpointStrategy `json:"-"`
	OutputDir      string  `json:"output_dir"`
	Seed           int64   `json:"seed"`
}

func DefaultTrain() Train {
	return Train{
		TrainBatchSize: 16,
		EvalBatchSize:  16,
		Epochs:         3,
		LearningRate:   2e-4,
		MinLR:          1e-5,
		WarmupSteps:    100,
		WeightDecay:    0.01,
		GradClipNorm:   1.0,
		AdamBeta1:      0.9,
		AdamBeta2:      0.999,
		AdamEpsilon:    1e-8,
		LogInterval:    10,
		EvalInterval:   200,
		SaveInterval:   500,
		SaveStrategy:   CheckpointPeriodic,
		OutputDir:      "out",
	}
}

func (t *Train) Validate() error {
	if t.TrainBatchSize <= 0 {
		return &FieldError{Field: "per_device_train_batch_size", Reason: fmt.Sprintf("got %d (must be positive)", t.TrainBatchSize)}
	}
	if t.EvalBatchSize <= 0 {
		return &FieldError{Field: "per_device_eval_batch_size", Reason: fmt.Sprintf("got %d (must be positive)", t.EvalBatchSize)}
	}
	if t.Epochs <= 0 && t.MaxSteps <= 0 {
		return &FieldError{Field: "epochs", Reason: "epochs and max_steps are both unset"}
	}
	if t.LearningRate <= 0 {
		return &FieldError{Field: "learning_rate", Reason: fmt.Sprintf("got %g (must be positive)", t.LearningRate)}
	}
	if t.WarmupSteps < 0 {
		return &FieldError{Field: "warmup_steps", Reason: fmt.Sprintf("got %d (must be non-negative)", t.WarmupSteps)}
	}
	if t.LogInterval <= 0 {
		return &FieldError{Field: "log_interval", Reason: fmt.Sprintf("got %d (must be positive)", t.LogInterval)}
	}
	if t.EvalInterval < 0 {
		return &FieldError{Field: "eval_interval", Reason: fmt.Sprintf("got %d (must be non-negative)", t.EvalInterval)}
	}
	if t.SaveStrategy != CheckpointNone && t.SaveInterval <= 0 {
		return &FieldError{Field: "save_interval", Reason: fmt.Sprintf("got %d (must be positive when saving is enabled)", t.SaveInterval)}
	}
	if t.SaveStrategy != CheckpointNone && t.OutputDir == "" {
		return &FieldError{Field: "output_dir", Reason: "empty (required when saving is enabled)"}
	}
	return nil
}

// Generate configures the post-training sampling smoke path.
type Generate struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float32 `json:"temperature"`
	TopP         float32 `json:"top_p"`
	RepPenalty   float32 `json:"repetition_penalty"`
	NumReturn    int     `json:"num_return_sequences"`
	EOSTokenID   int     `json:"eos_token_id"`
	PadTokenID   int     `json:"pad_token_id"`
	Seed         int64   `json:"seed"`
}

func DefaultGenerate() Generate {
	return Generate{
		MaxNewTokens: 64,
		Temperature:  0.8,
		TopP:         0.95,
		RepPenalty:   1.1,
		NumReturn:    1,
		EOSTokenID:   -1,
		PadTokenID:   0,
	}
}

func (g *Generate) Validate() error {
	if g.MaxNewTokens <= 0 {
		return &FieldError{Field: "max_new_tokens", Reason: fmt.Sprintf("got %d (must be positive)", g.MaxNewTokens)}
	}
	if g.Temperature < 0 {
		return &FieldError{Field: "temperature", Reason: fmt.Sprintf("got %g (must be non-negative)", g.Temperature)}
	}
	if g.TopP <= 0 || g.TopP > 1 {
		return &FieldError{Field: "top_p", Reason: fmt.Sprintf("got %g (must be in (0,1])", g.TopP)}
	}
	if g.RepPenalty < 1 {
		return &FieldError{Field: "repetition_penalty", Reason: fmt.Sprintf("got %g (must be >= 1)", g.RepPenalty)}
	}
	if g.NumReturn <= 0 {
		return &FieldError{Field: "num_return_sequences", Reason: fmt.Sprintf("got %d (must be positive)", g.NumReturn)}
	}
	return nil
}
