package cnn

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const checkpointMagic = "digitcnn\x00v1\n"

var ErrBadCheckpoint = errors.New("not a digit network checkpoint")

// Normalization records the input statistics the weights were trained with.
type Normalization struct {
	ImageSize int
	Mean      float64
	Std       float64
}

// Checkpoint is the persisted form of a trained network.
type Checkpoint struct {
	Arch          Arch
	Normalization Normalization
	Epoch         int
	Accuracy      float64
	Params        Params
}

// Checkpoint snapshots n's current weights.
func (n *Network) Checkpoint(norm Normalization, epoch int, accuracy float64) *Checkpoint {
	return &Checkpoint{
		Arch:          n.arch,
		Normalization: norm,
		Epoch:         epoch,
		Accuracy:      accuracy,
		Params:        *n.Clone().params,
	}
}

// Network rebuilds the network, checking the weights against the recorded
// architecture.
func (c *Checkpoint) Network() (*Network, error) {
	if err := c.Arch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	params := c.Params
	if err := params.matches(c.Arch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	return &Network{arch: c.Arch, params: &params}, nil
}

func (c *Checkpoint) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if _, err := io.WriteString(cw, checkpointMagic); err != nil {
		return cw.n, err
	}
	if err := gob.NewEncoder(cw).Encode(c); err != nil {
		return cw.n, fmt.Errorf("encode checkpoint: %w", err)
	}
	return cw.n, nil
}

// ReadCheckpoint decodes a checkpoint written by WriteTo.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != checkpointMagic {
		return nil, ErrBadCheckpoint
	}
	var c Checkpoint
	if err := gob.NewDecoder(br).Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	return &c, nil
}

// Save writes c to path atomically: a temporary file in the same directory
// is renamed over the previous checkpoint.
func (c *Checkpoint) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if _, err := c.WriteTo(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint file at path.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCheckpoint(f)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
