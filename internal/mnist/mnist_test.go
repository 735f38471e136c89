package mnist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func idxImages(t *testing.T, n, rows, cols int) []byte {
	t.Helper()
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, []uint32{imagesMagic, uint32(n), uint32(rows), uint32(cols)})
	for i := 0; i < n*rows*cols; i++ {
		buf.WriteByte(byte(i))
	}
	return buf.Bytes()
}

func idxLabels(t *testing.T, labels ...uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, []uint32{labelsMagic, uint32(len(labels))})
	buf.Write(labels)
	return buf.Bytes()
}

func writeGzip(t *testing.T, path string, data []byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestReadImages(t *testing.T) {
	images, rows, cols, err := ReadImages(bytes.NewReader(idxImages(t, 3, 2, 2)))
	if err != nil {
		t.Fatalf("read images: %v", err)
	}
	if rows != 2 || cols != 2 || len(images) != 3 {
		t.Fatalf("got %d images of %dx%d", len(images), rows, cols)
	}
	if images[2][3] != 11 {
		t.Fatalf("images[2][3] = %d, want 11", images[2][3])
	}
}

func TestReadImagesRejectsBadMagic(t *testing.T) {
	data := idxLabels(t, 1, 2)
	if _, _, _, err := ReadImages(bytes.NewReader(data)); !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestReadImagesTruncated(t *testing.T) {
	data := idxImages(t, 2, 4, 4)
	if _, _, _, err := ReadImages(bytes.NewReader(data[:len(data)-1])); !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestReadImagesRejectsOversizedHeader(t *testing.T) {
	tests := map[string][4]uint32{
		"everything max":  {imagesMagic, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF},
		"too many images": {imagesMagic, MaxItems + 1, 28, 28},
		"rows too large":  {imagesMagic, 1, MaxSide + 1, 28},
		"cols too large":  {imagesMagic, 1, 28, MaxSide + 1},
		"zero rows":       {imagesMagic, 1, 0, 28},
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			binary.Write(&buf, binary.BigEndian, header)
			if _, _, _, err := ReadImages(&buf); !errors.Is(err, ErrFormat) {
				t.Fatalf("err = %v, want ErrFormat", err)
			}
		})
	}
}

func TestReadImagesOverstatedCount(t *testing.T) {
	// The header claims far more images than the stream holds.
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, []uint32{imagesMagic, MaxItems, MaxSide, MaxSide})
	buf.Write(make([]byte, 100))
	if _, _, _, err := ReadImages(&buf); !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestReadLabelsRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, []uint32{labelsMagic, 0xFFFFFFFF})
	if _, err := ReadLabels(&buf); !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestReadLabelsRejectsOutOfRange(t *testing.T) {
	if _, err := ReadLabels(bytes.NewReader(idxLabels(t, 3, 10))); !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	writeGzip(t, filepath.Join(dir, "t10k-images-idx3-ubyte.gz"), idxImages(t, 2, 28, 28))
	writeGzip(t, filepath.Join(dir, "t10k-labels-idx1-ubyte.gz"), idxLabels(t, 7, 2))

	set, err := Loader{Dir: dir, SkipVerify: true}.Load(Test)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Len() != 2 || set.Rows != 28 || set.Cols != 28 {
		t.Fatalf("set = %d images %dx%d", set.Len(), set.Rows, set.Cols)
	}
	if set.Labels[0] != 7 || set.Labels[1] != 2 {
		t.Fatalf("labels = %v", set.Labels)
	}

	if _, err := (Loader{Dir: dir}).Load(Test); err == nil {
		t.Fatal("expected digest mismatch")
	}
}

func TestLoaderCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeGzip(t, filepath.Join(dir, "train-images-idx3-ubyte.gz"), idxImages(t, 2, 28, 28))
	writeGzip(t, filepath.Join(dir, "train-labels-idx1-ubyte.gz"), idxLabels(t, 1))

	if _, err := (Loader{Dir: dir, SkipVerify: true}).Load(Train); !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestShuffleKeepsPairs(t *testing.T) {
	set := &Set{Rows: 1, Cols: 1}
	for i := 0; i < 10; i++ {
		set.Images = append(set.Images, []uint8{uint8(i)})
		set.Labels = append(set.Labels, uint8(i))
	}
	set.Shuffle(rand.New(rand.NewSource(3)))
	for i := range set.Labels {
		if set.Images[i][0] != set.Labels[i] {
			t.Fatalf("pair %d split: image %d label %d", i, set.Images[i][0], set.Labels[i])
		}
	}
}
