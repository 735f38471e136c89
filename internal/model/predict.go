package model

import (
	"fmt"

	"github.com/Brownie44l1/digit-api/internal/cnn"
	"gorgonia.org/tensor"
)

// FromLogits applies softmax and takes the arg-max class.
func FromLogits(logits []float32) Prediction {
	return FromProbabilities(cnn.Softmax(logits))
}

// FromProbabilities picks the most likely class. Ties go to the lower index.
func FromProbabilities(probs []float32) Prediction {
	p := Prediction{Probabilities: make([]float64, len(probs))}
	for i, v := range probs {
		p.Probabilities[i] = float64(v)
		if i == 0 || p.Probabilities[i] > p.Confidence {
			p.Digit = i
			p.Confidence = p.Probabilities[i]
		}
	}
	return p
}

func inputData(input *tensor.Dense, meta Metadata) ([]float32, error) {
	if input == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrInputShape)
	}
	if input.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("%w: dtype %v, want float32", ErrInputShape, input.Dtype())
	}
	want := make(tensor.Shape, len(meta.InputShape))
	for i, d := range meta.InputShape {
		want[i] = int(d)
	}
	if !input.Shape().Eq(want) {
		return nil, fmt.Errorf("%w: %v, want %v", ErrInputShape, input.Shape(), want)
	}
	if input.RequiresIterator() {
		input = input.Materialize().(*tensor.Dense)
	}
	return input.Float32s(), nil
}
