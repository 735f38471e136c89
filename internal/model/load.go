package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/digit-api/internal/cnn"
)

// Options describes what the server expects from the checkpoint.
type Options struct {
	ImageSize int
	Mean      float64
	Std       float64

	// RuntimeLibrary is passed to the ONNX runtime.
	RuntimeLibrary string
}

// Load opens the checkpoint at path once. A ".onnx" file is served through
// the ONNX runtime using the sibling ".json" metadata when present; any
// other file is decoded as a native checkpoint.
func Load(path string, opts Options) (Classifier, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointMissing, path)
		}
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		meta, err := onnxMetadata(path, opts)
		if err != nil {
			return nil, err
		}
		return NewONNX(path, meta, opts.RuntimeLibrary)
	}

	ckpt, err := cnn.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	if err := opts.check(ckpt.Normalization.ImageSize, ckpt.Normalization.Mean, ckpt.Normalization.Std); err != nil {
		return nil, err
	}
	if ckpt.Arch.InputSize != opts.ImageSize {
		return nil, fmt.Errorf("%w: network input %d, image size %d", ErrCheckpointMismatch, ckpt.Arch.InputSize, opts.ImageSize)
	}
	net, err := ckpt.Network()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return NewNative(net, ckpt.Normalization), nil
}

func (o Options) check(size int, mean, std float64) error {
	const eps = 1e-9
	if size != o.ImageSize {
		return fmt.Errorf("%w: trained on %dpx images, configured for %dpx", ErrCheckpointMismatch, size, o.ImageSize)
	}
	if math.Abs(mean-o.Mean) > eps || math.Abs(std-o.Std) > eps {
		return fmt.Errorf("%w: trained with mean %v std %v, configured mean %v std %v", ErrCheckpointMismatch, mean, std, o.Mean, o.Std)
	}
	return nil
}

// MetadataPath is where the ONNX metadata sidecar for modelPath lives.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

func onnxMetadata(modelPath string, opts Options) (Metadata, error) {
	size := int64(opts.ImageSize)
	meta := Metadata{
		InputShape:  []int64{1, 1, size, size},
		OutputShape: []int64{1, 10},
		Classes:     digitClasses(),
		ImageSize:   opts.ImageSize,
		Mean:        opts.Mean,
		Std:         opts.Std,
	}

	metaFile, err := os.ReadFile(MetadataPath(modelPath))
	if errors.Is(err, fs.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := opts.check(meta.ImageSize, meta.Mean, meta.Std); err != nil {
		return Metadata{}, err
	}
	if meta.InputLen() != opts.ImageSize*opts.ImageSize {
		return Metadata{}, fmt.Errorf("%w: input shape %v", ErrCheckpointMismatch, meta.InputShape)
	}
	if len(meta.Classes) == 0 {
		return Metadata{}, fmt.Errorf("%w: metadata lists no classes", ErrCheckpointMismatch)
	}
	return meta, nil
}
