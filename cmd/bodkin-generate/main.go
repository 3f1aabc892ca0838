package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/ollama"
	"github.com/23skdu/longbow-bodkin/internal/persist"
)

var (
	modelPath  = flag.String("model", "", "Path to dense GGUF base model")
	adapterDir = flag.String("adapter", "", "Optional adapter artifact directory")
	prompt     = flag.String("prompt", "", "Comma-separated prompt token ids")

	maxNew      = flag.Int("n", 20, "Number of tokens to generate")
	temperature = flag.Float64("temperature", 0.8, "Sampling temperature, 0 for greedy")
	topP        = flag.Float64("top-p", 0.95, "Nucleus sampling mass")
	repPenalty  = flag.Float64("rep-penalty", 1.1, "Repetition penalty")
	numReturn   = flag.Int("num-return", 1, "Number of continuations to sample")
	eosToken    = flag.Int("eos", -1, "EOS token id, -1 for none")
	seed        = flag.Int64("seed", 0, "Sampling seed, 0 for nondeterministic")
	noCache     = flag.Bool("no-cache", false, "Recompute the full prompt every step")

	deviceMem = flag.Int64("device-mem", 8<<30, "Byte budget for the single device")
	logLevel  = flag.String("log-level", "warn", "Log level")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console", "")

	if *modelPath == "" || *prompt == "" {
		fatal(errors.New("-model and -prompt flags are required"))
	}
	tokens, err := parseTokens(*prompt)
	if err != nil {
		fatal(err)
	}

	basePath, err := ollama.ResolveOrPath(*modelPath)
	if err != nil {
		fatal(err)
	}
	m, err := model.LoadGGUF(basePath, config.DefaultQuant(), []*device.Device{device.New(0, *deviceMem)})
	if err != nil {
		fatal(err)
	}
	if *adapterDir != "" {
		if _, err := persist.Load(*adapterDir, m); err != nil {
			fatal(err)
		}
	}

	cfg := config.DefaultGenerate()
	cfg.MaxNewTokens = *maxNew
	cfg.Temperature = float32(*temperature)
	cfg.TopP = float32(*topP)
	cfg.RepPenalty = float32(*repPenalty)
	cfg.NumReturn = *numReturn
	cfg.EOSTokenID = *eosToken
	cfg.Seed = *seed
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	if *noCache {
		m.SetCache(false)
	}

	outs, err := m.Generate(tokens, cfg)
	if err != nil {
		fatal(err)
	}
	for _, seq := range outs {
		parts := make([]string, len(seq))
		for i, id := range seq {
			parts[i] = strconv.Itoa(id)
		}
		fmt.Println(strings.Join(parts, ","))
	}
}

func parseTokens(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("bad token id %q: %w", f, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func fatal(err error) {
	logger.Log.Error("fatal", "error", err)
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
