package model

import (
	"context"

	"github.com/Brownie44l1/digit-api/internal/cnn"
	"gorgonia.org/tensor"
)

// Native serves a network trained by this repository's trainer.
type Native struct {
	net  *cnn.Network
	meta Metadata
}

// NewNative wraps net. The network is never mutated afterwards.
func NewNative(net *cnn.Network, norm cnn.Normalization) *Native {
	a := net.Arch()
	return &Native{
		net: net,
		meta: Metadata{
			InputShape:  []int64{1, 1, int64(a.InputSize), int64(a.InputSize)},
			OutputShape: []int64{1, int64(a.Classes)},
			Classes:     digitClasses()[:min(a.Classes, 10)],
			ImageSize:   a.InputSize,
			Mean:        norm.Mean,
			Std:         norm.Std,
		},
	}
}

func (n *Native) Classify(ctx context.Context, input *tensor.Dense) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	data, err := inputData(input, n.meta)
	if err != nil {
		return Prediction{}, err
	}
	logits, err := n.net.Forward(data)
	if err != nil {
		return Prediction{}, err
	}
	return FromLogits(logits), nil
}

func (n *Native) Metadata() Metadata { return n.meta }

func (n *Native) Close() error { return nil }
