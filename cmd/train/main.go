// Command train fits the digit classifier on MNIST and writes the best
// checkpoint seen on the test split.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Brownie44l1/digit-api/internal/cnn"
	"github.com/Brownie44l1/digit-api/internal/config"
	"github.com/Brownie44l1/digit-api/internal/mnist"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/train"
	"github.com/klauspost/cpuid/v2"
)

func main() {
	defaults := train.DefaultOptions()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	dataDir := flag.String("data", "data/MNIST/raw", "directory holding the MNIST .gz files")
	out := flag.String("out", "", "checkpoint path (default: MODEL_PATH or models/mnist_cnn.ckpt)")
	resume := flag.Bool("resume", false, "continue from the checkpoint at -out")
	skipVerify := flag.Bool("skip-verify", false, "do not check dataset sha256 digests")
	limit := flag.Int("limit", 0, "use only the first N training images (0 = all)")
	epochs := flag.Int("epochs", defaults.Epochs, "number of epochs")
	batch := flag.Int("batch", defaults.BatchSize, "mini-batch size")
	lr := flag.Float64("lr", defaults.LearningRate, "learning rate")
	momentum := flag.Float64("momentum", defaults.Momentum, "SGD momentum")
	dropout := flag.Float64("dropout", defaults.Dropout, "dropout before the output layer")
	seed := flag.Int64("seed", defaults.Seed, "random seed")
	workers := flag.Int("workers", 0, "gradient workers (0 = logical cores)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		if err := cfg.ReadFile(*configPath); err != nil {
			config.Exitf("error: %v", err)
		}
	}
	if err := config.ParseEnv(&cfg); err != nil {
		config.Exitf("error: %v", err)
	}
	if err := cfg.Dataset.Validate(); err != nil {
		config.Exitf("error: %v", err)
	}

	path := *out
	if path == "" {
		path = cfg.Model.Path
	}
	if path == "" {
		path = filepath.Join("models", "mnist_cnn.ckpt")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("CPU: %s, %d logical cores, AVX2: %v", cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))

	loader := mnist.Loader{Dir: *dataDir, SkipVerify: *skipVerify}
	trainSet, err := loader.Load(mnist.Train)
	if err != nil {
		log.Fatalf("Failed to load training set: %v", err)
	}
	testSet, err := loader.Load(mnist.Test)
	if err != nil {
		log.Fatalf("Failed to load test set: %v", err)
	}
	if *limit > 0 && *limit < trainSet.Len() {
		trainSet.Images, trainSet.Labels = trainSet.Images[:*limit], trainSet.Labels[:*limit]
	}

	norm := preprocess.Normalizer{Size: cfg.Dataset.ImageSize, Mean: cfg.Dataset.Mean, Std: cfg.Dataset.Std}
	trainData, err := train.FromMNIST(trainSet, norm)
	if err != nil {
		log.Fatalf("Failed to prepare training set: %v", err)
	}
	testData, err := train.FromMNIST(testSet, norm)
	if err != nil {
		log.Fatalf("Failed to prepare test set: %v", err)
	}
	log.Printf("Loaded %d training and %d test images", len(trainData), len(testData))

	net, err := network(path, *resume, cfg.Dataset, *seed)
	if err != nil {
		log.Fatalf("Failed to build network: %v", err)
	}

	trainer, err := train.New(net, train.Options{
		Epochs:       *epochs,
		BatchSize:    *batch,
		LearningRate: *lr,
		Momentum:     *momentum,
		Dropout:      *dropout,
		Seed:         *seed,
		Workers:      *workers,
		LogInterval:  defaults.LogInterval,
	})
	if err != nil {
		log.Fatalf("Invalid training options: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Fatalf("Failed to create checkpoint directory: %v", err)
	}
	normalization := cnn.Normalization{ImageSize: norm.Size, Mean: norm.Mean, Std: norm.Std}
	results, err := trainer.Fit(ctx, trainData, testData, func(res train.EpochResult) error {
		return net.Checkpoint(normalization, res.Epoch, res.Accuracy).Save(path)
	})
	if err != nil {
		log.Fatalf("Training stopped: %v", err)
	}

	best := 0.0
	for _, r := range results {
		best = max(best, r.Accuracy)
	}
	log.Printf("Training complete. Best accuracy: %.2f%%, checkpoint: %s", best, path)
}

// network loads the checkpoint at path when resuming, otherwise builds a
// freshly initialized network.
func network(path string, resume bool, ds config.Dataset, seed int64) (*cnn.Network, error) {
	if resume {
		ckpt, err := cnn.LoadCheckpoint(path)
		switch {
		case err == nil:
			if ckpt.Normalization.ImageSize != ds.ImageSize || ckpt.Normalization.Mean != ds.Mean || ckpt.Normalization.Std != ds.Std {
				return nil, fmt.Errorf("checkpoint %s was trained with %+v, configured %+v", path, ckpt.Normalization, ds)
			}
			log.Printf("Resuming from %s (epoch %d, accuracy %.2f%%)", path, ckpt.Epoch, ckpt.Accuracy)
			return ckpt.Network()
		case errors.Is(err, fs.ErrNotExist):
			log.Printf("No checkpoint at %s, starting fresh", path)
		default:
			return nil, err
		}
	}
	arch := cnn.DefaultArch
	arch.InputSize = ds.ImageSize
	return cnn.New(arch, rand.New(rand.NewSource(seed)))
}
