// Package train fits the digit network with mini-batch SGD and keeps the
// checkpoint with the best test accuracy seen so far.
package train

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"

	"github.com/Brownie44l1/digit-api/internal/cnn"
	"github.com/Brownie44l1/digit-api/internal/mnist"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

// Options control a training run. The defaults are batch 64, lr 0.01, momentum
// 0.9, ten epochs, no schedule.
type Options struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Momentum     float64
	Dropout      float64
	Seed         int64

	// Workers computes per-example gradients in parallel. Zero uses every
	// logical core.
	Workers int

	// LogInterval is the number of batches between progress lines.
	LogInterval int
	Logger      *log.Logger
}

func DefaultOptions() Options {
	return Options{
		Epochs:       10,
		BatchSize:    64,
		LearningRate: 0.01,
		Momentum:     0.9,
		Dropout:      0.25,
		Seed:         1,
		LogInterval:  100,
	}
}

func (o Options) validate() error {
	switch {
	case o.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", o.Epochs)
	case o.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	case o.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %v", o.LearningRate)
	case o.Momentum < 0 || o.Momentum >= 1:
		return fmt.Errorf("momentum must be in [0,1), got %v", o.Momentum)
	case o.Dropout < 0 || o.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0,1), got %v", o.Dropout)
	}
	return nil
}

// DefaultWorkers is the number of logical cores.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Example is one normalized image and its label.
type Example struct {
	Input []float32
	Label int
}

type Dataset []Example

// FromMNIST normalizes every image of set with norm.
func FromMNIST(set *mnist.Set, norm preprocess.Normalizer) (Dataset, error) {
	if set.Rows != norm.Size || set.Cols != norm.Size {
		return nil, fmt.Errorf("dataset images are %dx%d, normalizer expects %d", set.Cols, set.Rows, norm.Size)
	}
	ds := make(Dataset, set.Len())
	for i, img := range set.Images {
		ds[i] = Example{Input: norm.Scale(img), Label: int(set.Labels[i])}
	}
	return ds, nil
}

// EpochResult summarizes one epoch.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	TestLoss  float64
	Correct   int
	Total     int
	// Accuracy is a percentage.
	Accuracy float64
	Improved bool
}

// Trainer updates net in place.
type Trainer struct {
	net  *cnn.Network
	opts Options
	sgd  *cnn.SGD
	log  *log.Logger
}

func New(net *cnn.Network, opts Options) (*Trainer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Trainer{
		net:  net,
		opts: opts,
		sgd:  &cnn.SGD{LearningRate: opts.LearningRate, Momentum: opts.Momentum},
		log:  logger,
	}, nil
}

// Fit runs every epoch, evaluating on test after each one. onBest is called
// whenever test accuracy beats the best seen so far; it usually persists a
// checkpoint, overwriting the previous best.
func (t *Trainer) Fit(ctx context.Context, train, test Dataset, onBest func(EpochResult) error) ([]EpochResult, error) {
	if len(train) == 0 || len(test) == 0 {
		return nil, errors.New("train and test sets must not be empty")
	}

	rng := rand.New(rand.NewSource(t.opts.Seed))
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	var (
		results []EpochResult
		best    float64
	)
	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		trainLoss, err := t.epoch(ctx, epoch, train, order)
		if err != nil {
			return results, err
		}

		testLoss, correct, err := Evaluate(ctx, t.net, test, t.opts.Workers)
		if err != nil {
			return results, err
		}
		res := EpochResult{
			Epoch:     epoch,
			TrainLoss: trainLoss,
			TestLoss:  testLoss,
			Correct:   correct,
			Total:     len(test),
			Accuracy:  100 * float64(correct) / float64(len(test)),
		}
		t.log.Printf("Test set: Average loss: %.4f, Accuracy: %d/%d (%.2f%%)",
			res.TestLoss, res.Correct, res.Total, res.Accuracy)

		if res.Accuracy > best {
			best = res.Accuracy
			res.Improved = true
			if onBest != nil {
				if err := onBest(res); err != nil {
					return append(results, res), fmt.Errorf("epoch %d: %w", epoch, err)
				}
			}
			t.log.Printf("New best model saved with accuracy: %.2f%%", best)
		}
		results = append(results, res)
	}
	return results, nil
}

// epoch performs one pass over train in the given order and returns the
// mean training loss.
func (t *Trainer) epoch(ctx context.Context, epoch int, train Dataset, order []int) (float64, error) {
	grad := t.net.NewGradient()
	batches := (len(order) + t.opts.BatchSize - 1) / t.opts.BatchSize

	var total float64
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		lo := b * t.opts.BatchSize
		hi := min(lo+t.opts.BatchSize, len(order))

		loss, err := t.batch(epoch, train, order[lo:hi], grad)
		if err != nil {
			return 0, err
		}
		t.sgd.Step(t.net, grad, 1/float32(hi-lo))
		total += loss

		if t.opts.LogInterval > 0 && b%t.opts.LogInterval == 0 {
			t.log.Printf("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f",
				epoch, lo, len(order), 100*float64(b)/float64(batches), loss/float64(hi-lo))
		}
	}
	return total / float64(len(order)), nil
}

// batch fills grad with the summed gradient of the examples in idx. Each
// worker owns a contiguous chunk and its own buffer; buffers are reduced in
// chunk order so results only depend on the seed and worker count.
func (t *Trainer) batch(epoch int, train Dataset, idx []int, grad *cnn.Params) (float64, error) {
	workers := min(t.opts.Workers, len(idx))
	chunk := (len(idx) + workers - 1) / workers

	grads := make([]*cnn.Params, workers)
	losses := make([]float64, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		lo := w * chunk
		hi := min(lo+chunk, len(idx))
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			local := t.net.NewGradient()
			for _, i := range idx[lo:hi] {
				var rng *rand.Rand
				if t.opts.Dropout > 0 {
					rng = rand.New(rand.NewSource(t.opts.Seed ^ int64(epoch)<<32 ^ int64(i)))
				}
				l, err := t.net.Gradient(train[i].Input, train[i].Label, t.opts.Dropout, rng, local)
				if err != nil {
					return fmt.Errorf("example %d: %w", i, err)
				}
				losses[w] += l
			}
			grads[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	grad.Zero()
	var loss float64
	for w := range grads {
		if grads[w] != nil {
			grad.Add(grads[w])
		}
		loss += losses[w]
	}
	return loss, nil
}

// Evaluate returns the mean cross-entropy and the number of correctly
// classified examples of ds.
func Evaluate(ctx context.Context, net *cnn.Network, ds Dataset, workers int) (float64, int, error) {
	if len(ds) == 0 {
		return 0, 0, errors.New("empty dataset")
	}
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	workers = min(workers, len(ds))
	chunk := (len(ds) + workers - 1) / workers

	losses := make([]float64, workers)
	correct := make([]int, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		lo := w * chunk
		hi := min(lo+chunk, len(ds))
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			for _, ex := range ds[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				logits, err := net.Forward(ex.Input)
				if err != nil {
					return err
				}
				if ex.Label < 0 || ex.Label >= len(logits) {
					return fmt.Errorf("label %d out of range", ex.Label)
				}
				probs := cnn.Softmax(logits)
				losses[w] -= math.Log(math.Max(float64(probs[ex.Label]), 1e-12))
				if argmax(logits) == ex.Label {
					correct[w]++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	var loss float64
	var n int
	for w := range losses {
		loss += losses[w]
		n += correct[w]
	}
	return loss / float64(len(ds)), n, nil
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
