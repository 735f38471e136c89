// Package cnn implements the digit classifier network in plain Go: two
// convolution + max-pool stages followed by two fully connected layers.
//
// Weight layouts follow the usual (out, in, kh, kw) convention so that a
// checkpoint exported from another framework maps one to one.
package cnn

import (
	"fmt"
	"math"
	"math/rand"
)

// Arch fixes every shape in the network. A checkpoint is only usable by a
// network built with the same Arch.
type Arch struct {
	InputSize int
	Conv1     int
	Conv2     int
	Kernel    int
	Hidden    int
	Classes   int
}

// DefaultArch is the MNIST network.
var DefaultArch = Arch{
	InputSize: 28,
	Conv1:     8,
	Conv2:     16,
	Kernel:    5,
	Hidden:    64,
	Classes:   10,
}

func (a Arch) Validate() error {
	switch {
	case a.InputSize <= 0 || a.InputSize%4 != 0:
		return fmt.Errorf("input size %d is not a positive multiple of 4", a.InputSize)
	case a.Conv1 <= 0 || a.Conv2 <= 0 || a.Hidden <= 0 || a.Classes <= 1:
		return fmt.Errorf("invalid layer widths %+v", a)
	case a.Kernel <= 0 || a.Kernel%2 == 0:
		return fmt.Errorf("kernel %d must be odd", a.Kernel)
	}
	return nil
}

func (a Arch) flat() int {
	s := a.InputSize / 4
	return a.Conv2 * s * s
}

// Params is the full weight set.
type Params struct {
	Conv1W, Conv1B []float32
	Conv2W, Conv2B []float32
	FC1W, FC1B     []float32
	FC2W, FC2B     []float32
}

func newParams(a Arch) *Params {
	k2 := a.Kernel * a.Kernel
	return &Params{
		Conv1W: make([]float32, a.Conv1*k2),
		Conv1B: make([]float32, a.Conv1),
		Conv2W: make([]float32, a.Conv2*a.Conv1*k2),
		Conv2B: make([]float32, a.Conv2),
		FC1W:   make([]float32, a.Hidden*a.flat()),
		FC1B:   make([]float32, a.Hidden),
		FC2W:   make([]float32, a.Classes*a.Hidden),
		FC2B:   make([]float32, a.Classes),
	}
}

// tensors lists the parameter slices in a fixed order.
func (p *Params) tensors() [][]float32 {
	return [][]float32{p.Conv1W, p.Conv1B, p.Conv2W, p.Conv2B, p.FC1W, p.FC1B, p.FC2W, p.FC2B}
}

func (p *Params) zero() {
	for _, t := range p.tensors() {
		clear(t)
	}
}

// add accumulates q into p.
func (p *Params) add(q *Params) {
	dst, src := p.tensors(), q.tensors()
	for i := range dst {
		for j, v := range src[i] {
			dst[i][j] += v
		}
	}
}

func (p *Params) matches(a Arch) error {
	want := newParams(a).tensors()
	for i, t := range p.tensors() {
		if len(t) != len(want[i]) {
			return fmt.Errorf("parameter tensor %d has %d values, want %d", i, len(t), len(want[i]))
		}
	}
	return nil
}

// Network holds immutable weights once built; Forward may be called from
// many goroutines at once.
type Network struct {
	arch   Arch
	params *Params
}

// New returns a network with weights drawn uniformly from
// [-1/sqrt(fan_in), 1/sqrt(fan_in)].
func New(a Arch, rng *rand.Rand) (*Network, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	p := newParams(a)
	k2 := a.Kernel * a.Kernel
	fill(rng, p.Conv1W, k2)
	fill(rng, p.Conv1B, k2)
	fill(rng, p.Conv2W, a.Conv1*k2)
	fill(rng, p.Conv2B, a.Conv1*k2)
	fill(rng, p.FC1W, a.flat())
	fill(rng, p.FC1B, a.flat())
	fill(rng, p.FC2W, a.Hidden)
	fill(rng, p.FC2B, a.Hidden)
	return &Network{arch: a, params: p}, nil
}

func fill(rng *rand.Rand, t []float32, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range t {
		t[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

func (n *Network) Arch() Arch { return n.arch }

// InputLen is the number of values Forward expects.
func (n *Network) InputLen() int { return n.arch.InputSize * n.arch.InputSize }

// Forward returns the class logits for one normalized image.
func (n *Network) Forward(input []float32) ([]float32, error) {
	if len(input) != n.InputLen() {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), n.InputLen())
	}
	return n.forward(input, nil).logits, nil
}

// activations keeps what backward needs from one forward pass.
type activations struct {
	input  []float32
	c1     []float32
	p1     []float32
	p1idx  []int
	c2     []float32
	p2     []float32
	p2idx  []int
	hidden []float32
	mask   []float32
	logits []float32
}

// forward runs the network. mask, when non-nil, is the inverted dropout
// scale applied to the hidden layer.
func (n *Network) forward(input []float32, mask []float32) *activations {
	a, p := n.arch, n.params
	s, half := a.InputSize, a.InputSize/2
	act := &activations{input: input, mask: mask}

	act.c1 = conv2d(input, 1, s, p.Conv1W, p.Conv1B, a.Conv1, a.Kernel)
	relu(act.c1)
	act.p1, act.p1idx = maxPool(act.c1, a.Conv1, s)

	act.c2 = conv2d(act.p1, a.Conv1, half, p.Conv2W, p.Conv2B, a.Conv2, a.Kernel)
	relu(act.c2)
	act.p2, act.p2idx = maxPool(act.c2, a.Conv2, half)

	act.hidden = dense(act.p2, p.FC1W, p.FC1B, a.Hidden)
	relu(act.hidden)
	if mask != nil {
		for i := range act.hidden {
			act.hidden[i] *= mask[i]
		}
	}
	act.logits = dense(act.hidden, p.FC2W, p.FC2B, a.Classes)
	return act
}

// backward accumulates into grad the gradient of the loss whose derivative
// with respect to the logits is dlogits.
func (n *Network) backward(act *activations, dlogits []float32, grad *Params) {
	a, p := n.arch, n.params
	s, half := a.InputSize, a.InputSize/2

	dhidden := make([]float32, a.Hidden)
	denseBackward(act.hidden, p.FC2W, a.Classes, dlogits, grad.FC2W, grad.FC2B, dhidden)
	reluBackward(act.hidden, dhidden)
	if act.mask != nil {
		for i := range dhidden {
			dhidden[i] *= act.mask[i]
		}
	}

	dp2 := make([]float32, len(act.p2))
	denseBackward(act.p2, p.FC1W, a.Hidden, dhidden, grad.FC1W, grad.FC1B, dp2)

	dc2 := make([]float32, len(act.c2))
	maxPoolBackward(dp2, act.p2idx, dc2)
	reluBackward(act.c2, dc2)

	dp1 := make([]float32, len(act.p1))
	conv2dBackward(act.p1, a.Conv1, half, p.Conv2W, a.Conv2, a.Kernel, dc2, grad.Conv2W, grad.Conv2B, dp1)

	dc1 := make([]float32, len(act.c1))
	maxPoolBackward(dp1, act.p1idx, dc1)
	reluBackward(act.c1, dc1)

	conv2dBackward(act.input, 1, s, p.Conv1W, a.Conv1, a.Kernel, dc1, grad.Conv1W, grad.Conv1B, nil)
}
