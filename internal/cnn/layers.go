package cnn

import "math"

// conv2d is a stride 1 cross-correlation with zero padding kernel/2, so the
// output keeps the input's spatial size.
func conv2d(in []float32, inC, size int, w, b []float32, outC, k int) []float32 {
	pad := k / 2
	out := make([]float32, outC*size*size)
	for o := 0; o < outC; o++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				sum := b[o]
				for c := 0; c < inC; c++ {
					for ky := 0; ky < k; ky++ {
						iy := y + ky - pad
						if iy < 0 || iy >= size {
							continue
						}
						wrow := ((o*inC+c)*k + ky) * k
						irow := (c*size + iy) * size
						for kx := 0; kx < k; kx++ {
							ix := x + kx - pad
							if ix < 0 || ix >= size {
								continue
							}
							sum += in[irow+ix] * w[wrow+kx]
						}
					}
				}
				out[(o*size+y)*size+x] = sum
			}
		}
	}
	return out
}

// conv2dBackward accumulates weight and bias gradients into dw and db and,
// when din is non-nil, the input gradient into din.
func conv2dBackward(in []float32, inC, size int, w []float32, outC, k int, dout, dw, db, din []float32) {
	pad := k / 2
	for o := 0; o < outC; o++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				g := dout[(o*size+y)*size+x]
				if g == 0 {
					continue
				}
				db[o] += g
				for c := 0; c < inC; c++ {
					for ky := 0; ky < k; ky++ {
						iy := y + ky - pad
						if iy < 0 || iy >= size {
							continue
						}
						wrow := ((o*inC+c)*k + ky) * k
						irow := (c*size + iy) * size
						for kx := 0; kx < k; kx++ {
							ix := x + kx - pad
							if ix < 0 || ix >= size {
								continue
							}
							dw[wrow+kx] += g * in[irow+ix]
							if din != nil {
								din[irow+ix] += g * w[wrow+kx]
							}
						}
					}
				}
			}
		}
	}
}

func relu(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// reluBackward zeroes grad wherever the rectified output was not positive.
func reluBackward(out, grad []float32) {
	for i, x := range out {
		if x <= 0 {
			grad[i] = 0
		}
	}
}

// maxPool is a 2x2 stride 2 max pool. idx records the input offset that won
// each window.
func maxPool(in []float32, channels, size int) ([]float32, []int) {
	half := size / 2
	out := make([]float32, channels*half*half)
	idx := make([]int, len(out))
	for c := 0; c < channels; c++ {
		for y := 0; y < half; y++ {
			for x := 0; x < half; x++ {
				best := (c*size+2*y)*size + 2*x
				for _, off := range [...]int{1, size, size + 1} {
					if i := (c*size+2*y)*size + 2*x + off; in[i] > in[best] {
						best = i
					}
				}
				o := (c*half+y)*half + x
				out[o] = in[best]
				idx[o] = best
			}
		}
	}
	return out, idx
}

func maxPoolBackward(dout []float32, idx []int, din []float32) {
	for o, g := range dout {
		din[idx[o]] += g
	}
}

// dense computes w·in + b with w laid out as (out, in).
func dense(in, w, b []float32, outN int) []float32 {
	inN := len(in)
	out := make([]float32, outN)
	for o := 0; o < outN; o++ {
		sum := b[o]
		row := w[o*inN : (o+1)*inN]
		for i, x := range in {
			sum += row[i] * x
		}
		out[o] = sum
	}
	return out
}

func denseBackward(in, w []float32, outN int, dout, dw, db, din []float32) {
	inN := len(in)
	for o := 0; o < outN; o++ {
		g := dout[o]
		if g == 0 {
			continue
		}
		db[o] += g
		row := w[o*inN : (o+1)*inN]
		drow := dw[o*inN : (o+1)*inN]
		for i, x := range in {
			drow[i] += g * x
			din[i] += g * row[i]
		}
	}
}

// Softmax returns the class distribution for logits. The maximum is
// subtracted first so large logits do not overflow.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	peak := logits[0]
	for _, v := range logits[1:] {
		if v > peak {
			peak = v
		}
	}
	var sum float64
	exp := make([]float64, len(logits))
	for i, v := range logits {
		exp[i] = math.Exp(float64(v - peak))
		sum += exp[i]
	}
	out := make([]float32, len(logits))
	for i, e := range exp {
		out[i] = float32(e / sum)
	}
	return out
}

// crossEntropy returns -log softmax(logits)[label] and its gradient with
// respect to the logits, softmax - onehot.
func crossEntropy(logits []float32, label int) (float64, []float32) {
	probs := Softmax(logits)
	loss := -math.Log(math.Max(float64(probs[label]), 1e-12))
	grad := probs
	grad[label] -= 1
	return loss, grad
}
