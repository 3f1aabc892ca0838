package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/dataset"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/ollama"
	"github.com/23skdu/longbow-bodkin/internal/train"
)

var (
	modelPath = flag.String("model", "", "Path to dense GGUF base model")
	dataPath  = flag.String("data", "", "Path to Arrow IPC token dataset")

	flightHost = flag.String("flight-host", "", "Arrow Flight server to fetch the dataset from instead of -data")
	flightPort = flag.Int("flight-port", dataset.DefaultFlightPort, "Arrow Flight server port")
	flightName = flag.String("flight-dataset", "", "Dataset name on the Flight server")

	outputDir = flag.String("output", "out", "Directory for adapter checkpoints")
	evalSplit = flag.Float64("eval-split", 0.05, "Fraction of sequences held out for evaluation")

	rank    = flag.Int("rank", 8, "Adapter rank")
	alpha   = flag.Float64("alpha", 16, "Adapter scaling numerator")
	dropout = flag.Float64("dropout", 0.05, "Adapter input dropout probability")
	targets = flag.String("targets", "ffn_up,ffn_down", "Comma-separated module names to adapt")
	bias    = flag.String("bias", "none", "Bias policy: none, all or adapter_only")

	blockSize    = flag.Int("quant-block", 64, "Quantization block size")
	doubleQuant  = flag.Bool("double-quant", true, "Quantize the per-block scales as well")
	computeDtype = flag.String("compute-dtype", "fp16", "Dequantization target dtype: fp16 or bf16")

	batchSize    = flag.Int("batch-size", 4, "Training batch size")
	evalBatch    = flag.Int("eval-batch-size", 8, "Evaluation batch size")
	epochs       = flag.Int("epochs", 3, "Training epochs")
	maxSteps     = flag.Int("max-steps", 0, "Hard step cap, 0 for no cap")
	lr           = flag.Float64("lr", 2e-4, "Peak learning rate")
	minLR        = flag.Float64("min-lr", 2e-5, "Final learning rate after cosine decay")
	warmup       = flag.Int("warmup", 100, "Warmup steps")
	weightDecay  = flag.Float64("weight-decay", 0.01, "Decoupled weight decay")
	clipNorm     = flag.Float64("clip-norm", 1.0, "Gradient clipping threshold, 0 disables")
	logInterval  = flag.Int("log-interval", 10, "Steps between progress logs")
	evalInterval = flag.Int("eval-interval", 200, "Steps between evaluations, 0 disables")
	saveInterval = flag.Int("save-interval", 500, "Steps between periodic checkpoints")
	saveStrategy = flag.String("save-strategy", "periodic", "Checkpoint strategy: none, periodic or best")
	seed         = flag.Int64("seed", 42, "Seed for shuffling, init and dropout")

	numDevices = flag.Int("devices", 1, "Number of logical accelerator devices")
	deviceMem  = flag.Int64("device-mem", 8<<30, "Byte budget per device")

	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()

	runID := uuid.NewString()
	logger.Setup(*logLevel, *logFormat, runID)

	if *modelPath == "" {
		fatal(errors.New("-model flag is required"))
	}
	if *dataPath == "" && *flightHost == "" {
		fatal(errors.New("one of -data or -flight-host is required"))
	}
	if *flightHost != "" && *flightName == "" {
		fatal(errors.New("-flight-dataset is required with -flight-host"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	quantCfg, adapterCfg, trainCfg, err := buildConfigs()
	if err != nil {
		fatal(err)
	}

	devices := make([]*device.Device, *numDevices)
	for i := range devices {
		devices[i] = device.New(i, *deviceMem)
	}

	basePath, err := ollama.ResolveOrPath(*modelPath)
	if err != nil {
		fatal(err)
	}
	m, err := model.LoadGGUF(basePath, quantCfg, devices)
	if err != nil {
		fatal(err)
	}
	if err := m.Inject(adapterCfg); err != nil {
		fatal(err)
	}

	ds, err := loadDataset(ctx)
	if err != nil {
		fatal(err)
	}
	trainSet, evalSet, err := ds.Split(*evalSplit)
	if err != nil {
		fatal(err)
	}

	ctrl, err := train.NewController(m, trainCfg, adapterCfg, trainSet, evalSet)
	if err != nil {
		fatal(err)
	}
	ctrl.RunID = runID

	mon := monitoring.NewServer(func() monitoring.Status {
		st := monitoring.Status{
			RunID:     runID,
			Phase:     ctrl.CurrentPhase().String(),
			Step:      ctrl.Step(),
			BaseModel: m.Arch.ID,
		}
		for _, d := range m.Devices() {
			st.Devices = append(st.Devices, monitoring.DeviceStatus{Name: d.Name(), UsedBytes: d.Used()})
		}
		return st
	})
	go func() {
		if err := mon.Start(*metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Warn("monitoring server stopped", "error", err)
		}
	}()
	defer mon.Stop(context.Background())

	if err := ctrl.Run(ctx); err != nil {
		fatal(err)
	}
}

func buildConfigs() (config.Quant, config.Adapter, config.Train, error) {
	dtype, err := config.ParseComputeDtype(*computeDtype)
	if err != nil {
		return config.Quant{}, config.Adapter{}, config.Train{}, err
	}
	biasPolicy, err := config.ParseBiasPolicy(*bias)
	if err != nil {
		return config.Quant{}, config.Adapter{}, config.Train{}, err
	}
	strategy, err := config.ParseCheckpointStrategy(*saveStrategy)
	if err != nil {
		return config.Quant{}, config.Adapter{}, config.Train{}, err
	}

	quantCfg := config.DefaultQuant()
	quantCfg.BlockSize = *blockSize
	quantCfg.DoubleQuant = *doubleQuant
	quantCfg.ComputeDtype = dtype

	adapterCfg := config.Adapter{
		Rank:          *rank,
		Alpha:         float32(*alpha),
		Dropout:       float32(*dropout),
		TargetModules: strings.Split(*targets, ","),
		Bias:          biasPolicy,
		Seed:          *seed,
	}

	trainCfg := config.Train{
		TrainBatchSize: *batchSize,
		EvalBatchSize:  *evalBatch,
		Epochs:         *epochs,
		MaxSteps:       *maxSteps,
		LearningRate:   float32(*lr),
		MinLR:          float32(*minLR),
		WarmupSteps:    *warmup,
		WeightDecay:    float32(*weightDecay),
		GradClipNorm:   float32(*clipNorm),
		AdamBeta1:      0.9,
		AdamBeta2:      0.999,
		AdamEpsilon:    1e-8,
		LogInterval:    *logInterval,
		EvalInterval:   *evalInterval,
		SaveInterval:   *saveInterval,
		SaveStrategy:   strategy,
		OutputDir:      *outputDir,
		Seed:           *seed,
	}

	for _, v := range []interface{ Validate() error }{&quantCfg, &adapterCfg, &trainCfg} {
		if err := v.Validate(); err != nil {
			return config.Quant{}, config.Adapter{}, config.Train{}, err
		}
	}
	return quantCfg, adapterCfg, trainCfg, nil
}

func loadDataset(ctx context.Context) (*dataset.Dataset, error) {
	if *dataPath != "" {
		return dataset.LoadFile(*dataPath)
	}
	fc := dataset.NewFlightClient(*flightHost, *flightPort)
	if err := fc.Connect(ctx); err != nil {
		return nil, err
	}
	defer fc.Close()
	return fc.Fetch(ctx, *flightName)
}

func fatal(err error) {
	logger.Log.Error("fatal", "error", err)
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
