package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrainStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_steps_total",
		Help: "The total number of completed optimizer steps",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "train_loss",
		Help: "Training loss of the most recent step",
	})

	EvalLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eval_loss",
		Help: "Aggregate loss of the most recent evaluation pass",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "train_step_duration_seconds",
		Help: "Duration of full forward/backward/update steps",
	})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "train_phase_duration_seconds",
		Help:    "Histogram of per-phase durations within a step",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "train_learning_rate",
		Help: "Learning rate applied at the most recent step",
	})

	AdapterGradNorm = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adapter_grad_norm",
		Help:    "Global gradient norm over adapter parameters, pre-clip",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100},
	})

	SkippedBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_skipped_batches_total",
		Help: "Batches dropped for shape mismatches",
	})

	TokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_tokens_total",
		Help: "The total number of tokens consumed by training",
	})

	QuantizedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantized_weight_bytes",
		Help: "Bytes held by 4-bit packed weights plus scale metadata",
	})

	QuantizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantize_duration_seconds",
		Help:    "Histogram of per-tensor quantization times",
		Buckets: prometheus.DefBuckets,
	}, []string{"tensor"})

	DequantCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dequant_calls_total",
		Help: "Transient weight reconstructions performed",
	})

	DeviceMemoryUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_used_bytes",
		Help: "Current bytes accounted to each device",
	}, []string{"device"})

	DeviceTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_transfers_total",
		Help: "Synchronous activation transfers between devices",
	}, []string{"from", "to"})

	DeviceTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_transfer_bytes_total",
		Help: "Bytes moved across device boundaries",
	}, []string{"from", "to"})

	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_checkpoints_total",
		Help: "Adapter checkpoints written, by trigger",
	}, []string{"trigger"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})
)
