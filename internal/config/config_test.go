package config

import (
	"errors"
	"testing"
)

func TestDefaults(t *testing.T) {
	q := DefaultQuant()
	if err := q.Validate(); err != nil {
		t.Errorf("default quant config invalid: %v", err)
	}
	a := DefaultAdapter()
	if err := a.Validate(); err != nil {
		t.Errorf("default adapter config invalid: %v", err)
	}
	tr := DefaultTrain()
	if err := tr.Validate(); err != nil {
		t.Errorf("default train config invalid: %v", err)
	}
	g := DefaultGenerate()
	if err := g.Validate(); err != nil {
		t.Errorf("default generate config invalid: %v", err)
	}
}

func TestAdapterScaling(t *testing.T) {
	a := Adapter{Rank: 8, Alpha: 16}
	if s := a.Scaling(); s != 2 {
		t.Errorf("scaling: got %v, want alpha/r = 2", s)
	}
}

func TestValidateNamesField(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField string
	}{
		{"quant bits", func() error { q := DefaultQuant(); q.Bits = 8; return q.Validate() }(), "bits"},
		{"quant odd block", func() error { q := DefaultQuant(); q.BlockSize = 63; return q.Validate() }(), "block_size"},
		{"adapter rank", func() error { a := DefaultAdapter(); a.Rank = 0; return a.Validate() }(), "r"},
		{"adapter dropout", func() error { a := DefaultAdapter(); a.Dropout = 1; return a.Validate() }(), "dropout"},
		{"adapter targets", func() error { a := DefaultAdapter(); a.TargetModules = nil; return a.Validate() }(), "target_modules"},
		{"train batch", func() error { tr := DefaultTrain(); tr.TrainBatchSize = 0; return tr.Validate() }(), "per_device_train_batch_size"},
		{"train lr", func() error { tr := DefaultTrain(); tr.LearningRate = 0; return tr.Validate() }(), "learning_rate"},
		{"train output dir", func() error { tr := DefaultTrain(); tr.OutputDir = ""; return tr.Validate() }(), "output_dir"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err == nil {
				t.Fatal("expected a validation error")
			}
			var fe *FieldError
			if !errors.As(tc.err, &fe) {
				t.Fatalf("expected *FieldError, got %T", tc.err)
			}
			if fe.Field != tc.wantField {
				t.Errorf("field: got %q, want %q", fe.Field, tc.wantField)
			}
		})
	}
}

func TestParsers(t *testing.T) {
	if d, err := ParseComputeDtype("bf16"); err != nil || d != ComputeBF16 {
		t.Errorf("parse bf16: %v, %v", d, err)
	}
	if _, err := ParseComputeDtype("fp8"); err == nil {
		t.Error("expected error for fp8")
	}
	if b, err := ParseBiasPolicy("adapter_only"); err != nil || b != BiasAdapterOnly {
		t.Errorf("parse adapter_only: %v, %v", b, err)
	}
	if s, err := ParseCheckpointStrategy("best"); err != nil || s != CheckpointBest {
		t.Errorf("parse best: %v, %v", s, err)
	}
	if _, err := ParseCheckpointStrategy("hourly"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestBiasPolicyStringParseRoundTrip(t *testing.T) {
	for _, p := range []BiasPolicy{BiasNone, BiasAll, BiasAdapterOnly} {
		got, err := ParseBiasPolicy(p.String())
		if err != nil {
			t.Fatalf("parse %q: %v", p.String(), err)
		}
		if got != p {
			t.Errorf("round trip: %v -> %q -> %v", p, p.String(), got)
		}
	}
	if _, err := ParseBiasPolicy("sometimes"); err == nil {
		t.Error("unknown policy must fail to parse")
	}
}
