// Command predict classifies PNG or JPEG files with a local checkpoint,
// without starting the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"

	"github.com/Brownie44l1/digit-api/internal/config"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/service"
)

// result is one output line. The prediction is omitted when Error is set.
type result struct {
	File string `json:"file"`
	*model.Prediction
	Error string `json:"error,omitempty"`
}

func newResult(path string, pred model.Prediction, err error) result {
	if err != nil {
		return result{File: path, Error: err.Error()}
	}
	return result{File: path, Prediction: &pred}
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	modelPath := flag.String("model", "", "checkpoint path (default: MODEL_PATH)")
	invert := flag.Bool("invert", false, "invert images drawn dark-on-light")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		if err := cfg.ReadFile(*configPath); err != nil {
			config.Exitf("error: %v", err)
		}
	}
	if err := config.ParseEnv(&cfg); err != nil {
		config.Exitf("error: %v", err)
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if cfg.Model.Path == "" {
		config.Exitf("error: MODEL_PATH or -model is required")
	}
	if err := cfg.Dataset.Validate(); err != nil {
		config.Exitf("error: %v", err)
	}

	classifier, err := model.Load(cfg.Model.Path, model.Options{
		ImageSize:      cfg.Dataset.ImageSize,
		Mean:           cfg.Dataset.Mean,
		Std:            cfg.Dataset.Std,
		RuntimeLibrary: cfg.Model.RuntimeLibrary,
	})
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	defer classifier.Close()

	svc := service.New(
		preprocess.Normalizer{Size: cfg.Dataset.ImageSize, Mean: cfg.Dataset.Mean, Std: cfg.Dataset.Std},
		classifier, nil, service.Options{},
	)

	enc := json.NewEncoder(os.Stdout)
	failed := false
	for _, path := range flag.Args() {
		pred, err := classifyFile(context.Background(), svc, path, *invert)
		if err != nil {
			failed = true
		}
		if err := enc.Encode(newResult(path, pred, err)); err != nil {
			log.Fatalf("write result: %v", err)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func classifyFile(ctx context.Context, svc *service.Service, path string, invert bool) (model.Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Prediction{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return model.Prediction{}, fmt.Errorf("decode %s: %w", path, err)
	}
	gray := preprocess.Grayscale(img)
	if invert {
		gray = preprocess.Invert(gray)
	}
	return svc.Predict(ctx, gray)
}
