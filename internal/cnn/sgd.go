package cnn

import (
	"fmt"
	"math/rand"
)

// NewGradient returns a zeroed buffer shaped like n's parameters.
func (n *Network) NewGradient() *Params {
	return newParams(n.arch)
}

// Zero resets every value to zero.
func (p *Params) Zero() { p.zero() }

// Add accumulates q into p. Both must share an Arch.
func (p *Params) Add(q *Params) { p.add(q) }

// Gradient runs one training example through the network and accumulates
// the cross-entropy gradient into grad. A positive dropout drops hidden
// units with that probability using rng.
func (n *Network) Gradient(input []float32, label int, dropout float64, rng *rand.Rand, grad *Params) (float64, error) {
	if len(input) != n.InputLen() {
		return 0, fmt.Errorf("input has %d values, want %d", len(input), n.InputLen())
	}
	if label < 0 || label >= n.arch.Classes {
		return 0, fmt.Errorf("label %d out of range", label)
	}

	var mask []float32
	if dropout > 0 {
		mask = make([]float32, n.arch.Hidden)
		keep := float32(1 / (1 - dropout))
		for i := range mask {
			if rng.Float64() >= dropout {
				mask[i] = keep
			}
		}
	}

	act := n.forward(input, mask)
	loss, dlogits := crossEntropy(act.logits, label)
	n.backward(act, dlogits, grad)
	return loss, nil
}

// Loss returns the cross-entropy of one example without dropout.
func (n *Network) Loss(input []float32, label int) (float64, error) {
	logits, err := n.Forward(input)
	if err != nil {
		return 0, err
	}
	if label < 0 || label >= n.arch.Classes {
		return 0, fmt.Errorf("label %d out of range", label)
	}
	loss, _ := crossEntropy(logits, label)
	return loss, nil
}

// SGD is stochastic gradient descent with classical momentum:
// v = momentum*v + g; w -= lr*v.
type SGD struct {
	LearningRate float64
	Momentum     float64

	velocity *Params
}

// Step applies grad, scaled by scale, to n's weights.
func (o *SGD) Step(n *Network, grad *Params, scale float32) {
	if o.velocity == nil {
		o.velocity = n.NewGradient()
	}
	lr, mu := float32(o.LearningRate), float32(o.Momentum)
	weights, vel, g := n.params.tensors(), o.velocity.tensors(), grad.tensors()
	for i := range weights {
		for j := range weights[i] {
			v := mu*vel[i][j] + scale*g[i][j]
			vel[i][j] = v
			weights[i][j] -= lr * v
		}
	}
}

// Clone returns a deep copy of n.
func (n *Network) Clone() *Network {
	p := newParams(n.arch)
	dst, src := p.tensors(), n.params.tensors()
	for i := range dst {
		copy(dst[i], src[i])
	}
	return &Network{arch: n.arch, params: p}
}
