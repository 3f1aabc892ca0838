package model

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/adapter"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Inject attaches an adapter pair to every layer whose module or full name
// appears in the target set, then prepares the graph for training. The
// target mapping is resolved and validated once, here: a target that matches
// no layer is a configuration error, never a silent no-op.
func (m *Model) Inject(cfg config.Adapter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(m.bindings) > 0 {
		return &config.FieldError{Field: "target_modules", Reason: "adapters already injected"}
	}

	// Resolve the configured names against the graph up front.
	matched := make(map[string][]*Layer)
	for _, l := range m.Layers() {
		if l.Merged() {
			continue
		}
		for _, t := range cfg.TargetModules {
			if l.Name == t || moduleName(l.Name) == t {
				matched[t] = append(matched[t], l)
			}
		}
	}
	for _, t := range cfg.TargetModules {
		if len(matched[t]) == 0 {
			return &config.FieldError{
				Field:  "target_modules",
				Reason: fmt.Sprintf("no layer matches %q", t),
			}
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	scaling := cfg.Scaling()
	seen := make(map[*Layer]bool)
	for _, t := range cfg.TargetModules {
		for _, l := range matched[t] {
			if seen[l] {
				continue
			}
			seen[l] = true
			pair := adapter.New(l.In, l.Out, cfg.Rank, scaling, cfg.Dropout, rng)
			if err := l.dev.Alloc(int64(pair.NumParams() * 4)); err != nil {
				return err
			}
			l.Adapter = pair
			m.bindings = append(m.bindings, Binding{Layer: l, Pair: pair})
		}
	}

	m.applyBiasPolicy(cfg.Bias)
	m.adapterCfg = &cfg
	m.prepare()

	total := m.TotalParams()
	trainable := m.TrainableParamCount()
	logger.Log.Info("adapters injected",
		"layers", len(m.bindings), "r", cfg.Rank,
		"trainable_params", trainable, "total_params", total,
		"trainable_pct", fmt.Sprintf("%.4f", 100*float64(trainable)/float64(total)))
	return nil
}

// applyBiasPolicy grants gradient buffers to the bias vectors the policy
// keeps trainable. Everything else stays grad-less and therefore frozen.
func (m *Model) applyBiasPolicy(policy config.BiasPolicy) {
	for _, l := range m.Layers() {
		if l.Bias == nil {
			continue
		}
		train := false
		switch policy {
		case config.BiasAll:
			train = true
		case config.BiasAdapterOnly:
			train = l.Adapter != nil
		}
		if train && !l.Bias.Trainable() {
			l.Bias.Grad = make([]float32, l.Bias.NumElements())
		}
	}
}

// prepare puts the graph into its training configuration: trainable
// parameters are held at float32 regardless of the compute dtype (adapters
// are created that way; rounding them each step would starve small updates),
// block activations are recomputed on the backward pass instead of retained,
// and the generation position cache is disabled because cached forward state
// is stale across recomputation.
func (m *Model) prepare() {
	m.checkpointing = true
	m.cacheEnabled = false
}

// AdapterConfig returns the injection configuration, nil before injection.
func (m *Model) AdapterConfig() *config.Adapter { return m.adapterCfg }
