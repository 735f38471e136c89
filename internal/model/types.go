package model

import (
	"context"
	"errors"
	"strconv"

	"gorgonia.org/tensor"
)

var (
	// ErrCheckpointMissing means the configured checkpoint file does not exist.
	ErrCheckpointMissing = errors.New("checkpoint not found")
	// ErrCheckpointMismatch means the checkpoint was trained with different
	// input statistics or shape than the server is configured for.
	ErrCheckpointMismatch = errors.New("checkpoint does not match configuration")
	// ErrInputShape is returned when the tensor handed to Classify has the
	// wrong shape.
	ErrInputShape = errors.New("input tensor has wrong shape")
)

// Metadata describes a loaded model. For ONNX checkpoints it is read from
// the JSON file next to the model.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Mean        float64  `json:"mean"`
	Std         float64  `json:"std"`
	// Probabilities is set when the model already ends in a softmax.
	Probabilities bool `json:"probabilities,omitempty"`
}

// InputLen is the number of values in one input tensor.
func (m Metadata) InputLen() int {
	n := 1
	for _, d := range m.InputShape {
		n *= int(d)
	}
	return n
}

func digitClasses() []string {
	classes := make([]string, 10)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return classes
}

// Prediction is the outcome of classifying one image.
type Prediction struct {
	Digit         int       `json:"predicted_digit"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
}

// Classifier maps a normalized (1, 1, size, size) tensor to a Prediction.
// Implementations are safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, input *tensor.Dense) (Prediction, error)
	Metadata() Metadata
	Close() error
}
