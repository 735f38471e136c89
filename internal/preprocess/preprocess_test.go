package preprocess

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"gorgonia.org/tensor"
)

var mnist = Normalizer{Size: 28, Mean: 0.1307, Std: 0.3081}

func canvas(h, w, channels int, fill float64) [][][]float64 {
	data := make([][][]float64, h)
	for y := range data {
		data[y] = make([][]float64, w)
		for x := range data[y] {
			px := make([]float64, channels)
			for c := range px {
				px[c] = fill
			}
			data[y][x] = px
		}
	}
	return data
}

func TestFromArrayRejectsMalformed(t *testing.T) {
	ragged := canvas(3, 3, 4, 0)
	ragged[1] = ragged[1][:2]

	mixed := canvas(3, 3, 4, 0)
	mixed[2][2] = []float64{1, 2}

	tooBright := canvas(2, 2, 1, 0)
	tooBright[0][1][0] = 256

	negative := canvas(2, 2, 3, 0)
	negative[1][0][2] = -1

	tests := map[string][][][]float64{
		"nil":             nil,
		"empty row":       {{}},
		"empty pixel":     {{{}}},
		"five channels":   canvas(2, 2, 5, 0),
		"ragged rows":     ragged,
		"ragged channels": mixed,
		"above 255":       tooBright,
		"negative":        negative,
		"nan":             {{{math.NaN()}}},
		"too large":       canvas(1, MaxSide+1, 1, 0),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := FromArray(data); !errors.Is(err, ErrMalformedImage) {
				t.Fatalf("err = %v, want ErrMalformedImage", err)
			}
		})
	}
}

func TestFromArrayLuminance(t *testing.T) {
	data := [][][]float64{{
		{255, 255, 255, 255},
		{255, 0, 0, 255},
		{0, 255, 0, 0},
		{0, 0, 255, 128},
	}}
	gray, err := FromArray(data)
	if err != nil {
		t.Fatalf("from array: %v", err)
	}
	want := []uint8{255, 76, 150, 29}
	for x, w := range want {
		if got := gray.GrayAt(x, 0).Y; got != w {
			t.Fatalf("pixel %d = %d, want %d", x, got, w)
		}
	}
}

func TestFromArraySingleChannel(t *testing.T) {
	gray, err := FromArray([][][]float64{{{12.4}, {200.6}}})
	if err != nil {
		t.Fatalf("from array: %v", err)
	}
	if gray.GrayAt(0, 0).Y != 12 || gray.GrayAt(1, 0).Y != 201 {
		t.Fatalf("pixels = %v", gray.Pix)
	}
}

func TestTensorShapeAndBlankValue(t *testing.T) {
	gray, err := FromArray(canvas(280, 280, 4, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !IsBlank(gray) {
		t.Fatal("expected blank canvas")
	}

	out, err := mnist.Tensor(gray)
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	if !out.Shape().Eq(mnist.Shape()) {
		t.Fatalf("shape = %v, want %v", out.Shape(), mnist.Shape())
	}
	want := float32(-0.1307 / 0.3081)
	for i, v := range out.Data().([]float32) {
		if math.Abs(float64(v-want)) > 1e-6 {
			t.Fatalf("value %d = %v, want %v", i, v, want)
		}
	}
}

func TestTensorKeepsNativeSizePixels(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 28, 28))
	gray.SetGray(3, 5, color.Gray{Y: 255})

	out, err := mnist.Tensor(gray)
	if err != nil {
		t.Fatal(err)
	}
	data := out.Data().([]float32)
	want := float32((1 - 0.1307) / 0.3081)
	if got := data[5*28+3]; math.Abs(float64(got-want)) > 1e-5 {
		t.Fatalf("lit pixel = %v, want %v", got, want)
	}
	if IsBlank(gray) {
		t.Fatal("image with a lit pixel reported blank")
	}
}

func TestTensorDeterministic(t *testing.T) {
	data := canvas(140, 100, 4, 0)
	for y := 40; y < 100; y++ {
		for x := 45; x < 55; x++ {
			data[y][x] = []float64{255, 255, 255, 255}
		}
	}
	gray, err := FromArray(data)
	if err != nil {
		t.Fatal(err)
	}
	a, err := mnist.Tensor(gray)
	if err != nil {
		t.Fatal(err)
	}
	b, err := mnist.Tensor(gray)
	if err != nil {
		t.Fatal(err)
	}
	ad, bd := a.Data().([]float32), b.Data().([]float32)
	for i := range ad {
		if ad[i] != bd[i] {
			t.Fatalf("value %d differs: %v vs %v", i, ad[i], bd[i])
		}
	}
}

func TestTensorMatchesScale(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 28, 28))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i * 7)
	}
	out, err := mnist.Tensor(gray)
	if err != nil {
		t.Fatal(err)
	}
	if out.Dtype() != tensor.Float32 {
		t.Fatalf("dtype = %v, want float32", out.Dtype())
	}
	want := mnist.Scale(gray.Pix)
	for i, v := range out.Data().([]float32) {
		if math.Abs(float64(v-want[i])) > 1e-6 {
			t.Fatalf("value %d = %v, want %v", i, v, want[i])
		}
	}
}

func TestTensorEmpty(t *testing.T) {
	if _, err := mnist.Tensor(image.NewGray(image.Rect(0, 0, 0, 0))); !errors.Is(err, ErrMalformedImage) {
		t.Fatalf("err = %v, want ErrMalformedImage", err)
	}
}

func TestGrayscaleRGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(10, 10, 12, 11))
	img.Set(10, 10, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	img.Set(11, 10, color.RGBA{A: 255})

	gray := Grayscale(img)
	if gray.Bounds().Dx() != 2 || gray.Bounds().Dy() != 1 {
		t.Fatalf("bounds = %v", gray.Bounds())
	}
	if gray.GrayAt(0, 0).Y != 255 || gray.GrayAt(1, 0).Y != 0 {
		t.Fatalf("pixels = %v", gray.Pix)
	}
}

func TestInvert(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 3, 1))
	gray.Pix = []uint8{0, 100, 255}

	inv := Invert(gray)
	if inv.Pix[0] != 255 || inv.Pix[1] != 155 || inv.Pix[2] != 0 {
		t.Fatalf("inverted = %v", inv.Pix)
	}
	if back := Invert(inv); string(back.Pix) != string(gray.Pix) {
		t.Fatalf("double inversion = %v, want %v", back.Pix, gray.Pix)
	}
	white := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	if !IsBlank(Invert(white)) {
		t.Fatal("inverted white page should be blank")
	}
}
