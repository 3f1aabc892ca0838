package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/ollama"
	"github.com/23skdu/longbow-bodkin/internal/persist"
)

var (
	modelPath  = flag.String("model", "", "Path to dense GGUF base model")
	adapterDir = flag.String("adapter", "", "Adapter artifact directory to merge")
	outPath    = flag.String("out", "merged.gguf", "Output path for the merged model")
	outName    = flag.String("name", "", "general.name for the export, defaults to the base name")

	blockSize    = flag.Int("quant-block", 64, "Quantization block size, must match training")
	doubleQuant  = flag.Bool("double-quant", true, "Scale quantization, must match training")
	computeDtype = flag.String("compute-dtype", "fp16", "Dequantization dtype, must match training")
	deviceMem    = flag.Int64("device-mem", 8<<30, "Byte budget for the single merge device")

	logLevel  = flag.String("log-level", "info", "Log level")
	logFormat = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat, "")

	if *modelPath == "" || *adapterDir == "" {
		fatal(errors.New("-model and -adapter flags are required"))
	}

	dtype, err := config.ParseComputeDtype(*computeDtype)
	if err != nil {
		fatal(err)
	}
	quantCfg := config.DefaultQuant()
	quantCfg.BlockSize = *blockSize
	quantCfg.DoubleQuant = *doubleQuant
	quantCfg.ComputeDtype = dtype
	if err := quantCfg.Validate(); err != nil {
		fatal(err)
	}

	basePath, err := ollama.ResolveOrPath(*modelPath)
	if err != nil {
		fatal(err)
	}
	m, err := model.LoadGGUF(basePath, quantCfg, []*device.Device{device.New(0, *deviceMem)})
	if err != nil {
		fatal(err)
	}

	if _, err := persist.Load(*adapterDir, m); err != nil {
		fatal(err)
	}
	if err := m.MergeAll(); err != nil {
		fatal(err)
	}

	name := *outName
	if name == "" {
		name = m.Arch.ID
	}
	if err := model.ExportMerged(m, name, *outPath); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	logger.Log.Error("fatal", "error", err)
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
