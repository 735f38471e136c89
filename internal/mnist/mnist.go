// Package mnist reads the MNIST handwritten digit dataset from its gzip
// compressed IDX files.
package mnist

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
)

const (
	imagesMagic = 0x00000803
	labelsMagic = 0x00000801

	// MaxSide bounds the rows and columns an image header may declare.
	MaxSide = 4096
	// MaxItems bounds the number of images or labels in one file.
	MaxItems = 1 << 20
)

// Split selects the training or the held-out test portion.
type Split int

const (
	Train Split = iota
	Test
)

func (s Split) String() string {
	if s == Test {
		return "test"
	}
	return "train"
}

type file struct {
	name   string
	digest string
}

var files = map[Split][2]file{
	Train: {
		{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"},
		{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"},
	},
	Test: {
		{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"},
		{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"},
	},
}

var ErrFormat = errors.New("mnist: malformed idx file")

// Set is one split of the dataset. Images are row-major Rows x Cols bytes.
type Set struct {
	Rows, Cols int
	Images     [][]uint8
	Labels     []uint8
}

func (s *Set) Len() int { return len(s.Labels) }

// Shuffle permutes images and labels together.
func (s *Set) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(s.Labels), func(i, j int) {
		s.Labels[i], s.Labels[j] = s.Labels[j], s.Labels[i]
		s.Images[i], s.Images[j] = s.Images[j], s.Images[i]
	})
}

// Loader finds the dataset files in Dir.
type Loader struct {
	Dir string
	// SkipVerify disables the sha256 check of the published archives.
	SkipVerify bool
}

// Load reads one split.
func (l Loader) Load(split Split) (*Set, error) {
	pair, ok := files[split]
	if !ok {
		return nil, fmt.Errorf("mnist: unknown split %d", split)
	}

	var set Set
	err := l.open(pair[0], func(r io.Reader) error {
		images, rows, cols, err := ReadImages(r)
		if err != nil {
			return err
		}
		set.Images, set.Rows, set.Cols = images, rows, cols
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = l.open(pair[1], func(r io.Reader) error {
		labels, err := ReadLabels(r)
		if err != nil {
			return err
		}
		set.Labels = labels
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(set.Images) != len(set.Labels) {
		return nil, fmt.Errorf("%w: %s has %d images and %d labels", ErrFormat, split, len(set.Images), len(set.Labels))
	}
	return &set, nil
}

func (l Loader) open(f file, read func(io.Reader) error) error {
	path := filepath.Join(l.Dir, f.name)
	if !l.SkipVerify {
		if err := verify(path, f.digest); err != nil {
			return err
		}
	}

	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mnist: open %s: %w", path, err)
	}
	defer fh.Close()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return fmt.Errorf("mnist: gunzip %s: %w", path, err)
	}
	defer gz.Close()

	if err := read(bufio.NewReader(gz)); err != nil {
		return fmt.Errorf("mnist: read %s: %w", path, err)
	}
	return nil
}

func verify(path, digest string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mnist: open %s: %w", path, err)
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return fmt.Errorf("mnist: hash %s: %w", path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != digest {
		return fmt.Errorf("mnist: %s has sha256 %s, want %s", path, got, digest)
	}
	return nil
}

// ReadImages decodes an uncompressed IDX3 image stream.
func ReadImages(r io.Reader) (images [][]uint8, rows, cols int, err error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if header[0] != imagesMagic {
		return nil, 0, 0, fmt.Errorf("%w: image magic %#x", ErrFormat, header[0])
	}
	if header[1] > MaxItems {
		return nil, 0, 0, fmt.Errorf("%w: %d images exceeds %d", ErrFormat, header[1], MaxItems)
	}
	if header[2] == 0 || header[3] == 0 || header[2] > MaxSide || header[3] > MaxSide {
		return nil, 0, 0, fmt.Errorf("%w: image size %dx%d", ErrFormat, header[2], header[3])
	}
	n, rows, cols := int(header[1]), int(header[2]), int(header[3])

	// Images are read one at a time so a header that overstates the count
	// fails on the short read instead of allocating up front.
	images = make([][]uint8, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		img := make([]uint8, rows*cols)
		if _, err := io.ReadFull(r, img); err != nil {
			return nil, 0, 0, fmt.Errorf("%w: image %d: %v", ErrFormat, i, err)
		}
		images = append(images, img)
	}
	return images, rows, cols, nil
}

// ReadLabels decodes an uncompressed IDX1 label stream.
func ReadLabels(r io.Reader) ([]uint8, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if header[0] != labelsMagic {
		return nil, fmt.Errorf("%w: label magic %#x", ErrFormat, header[0])
	}
	if header[1] > MaxItems {
		return nil, fmt.Errorf("%w: %d labels exceeds %d", ErrFormat, header[1], MaxItems)
	}
	labels := make([]uint8, header[1])
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("%w: labels: %v", ErrFormat, err)
	}
	for i, l := range labels {
		if l > 9 {
			return nil, fmt.Errorf("%w: label %d at %d", ErrFormat, l, i)
		}
	}
	return labels, nil
}
