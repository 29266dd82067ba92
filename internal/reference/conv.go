// Package reference implements a direct (naive) 2D convolution used to check compiled kernels,
// and builders of small convolution models used in tests and benchmarks.
package reference

import (
	"github.com/chewxy/math32"
)

// ConvParams of a 2D NCHW convolution. Pads are [top, left, bottom, right].
type ConvParams struct {
	Pads      [4]int
	Strides   [2]int
	Dilations [2]int
}

// DefaultConvParams has no padding, and unit strides and dilations.
var DefaultConvParams = ConvParams{Strides: [2]int{1, 1}, Dilations: [2]int{1, 1}}

// Conv2D computes the cross-correlation of x (shaped NCHW) with w (shaped KCRS), plus an optional bias of size K.
// It returns the output and its NKOhOw dimensions.
func Conv2D(x []float32, xDims [4]int, w []float32, wDims [4]int, bias []float32, params ConvParams) ([]float32, [4]int) {
	n, c, h, width := xDims[0], xDims[1], xDims[2], xDims[3]
	k, r, s := wDims[0], wDims[2], wDims[3]
	yDims := OutputDims(xDims, wDims, params)
	outH, outW := yDims[2], yDims[3]
	y := make([]float32, n*k*outH*outW)
	for b := range n {
		for oc := range k {
			for oh := range outH {
				for ow := range outW {
					var sum float32
					if bias != nil {
						sum = bias[oc]
					}
					for ic := range c {
						for kh := range r {
							ih := oh*params.Strides[0] - params.Pads[0] + kh*params.Dilations[0]
							if ih < 0 || ih >= h {
								continue
							}
							for kw := range s {
								iw := ow*params.Strides[1] - params.Pads[1] + kw*params.Dilations[1]
								if iw < 0 || iw >= width {
									continue
								}
								sum += x[((b*c+ic)*h+ih)*width+iw] * w[((oc*c+ic)*r+kh)*s+kw]
							}
						}
					}
					y[((b*k+oc)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}
	return y, yDims
}

// OutputDims returns the NKOhOw dimensions of the convolution of x (NCHW) by w (KCRS).
func OutputDims(xDims, wDims [4]int, params ConvParams) [4]int {
	outH := (xDims[2]+params.Pads[0]+params.Pads[2]-params.Dilations[0]*(wDims[2]-1)-1)/params.Strides[0] + 1
	outW := (xDims[3]+params.Pads[1]+params.Pads[3]-params.Dilations[1]*(wDims[3]-1)-1)/params.Strides[1] + 1
	return [4]int{xDims[0], wDims[0], outH, outW}
}

// MaxAbsDiff returns the largest absolute difference between corresponding elements of a and b.
// It returns +Inf if the lengths differ.
func MaxAbsDiff(a, b []float32) float32 {
	if len(a) != len(b) {
		return math32.Inf(1)
	}
	var maxDiff float32
	for ii := range a {
		maxDiff = math32.Max(maxDiff, math32.Abs(a[ii]-b[ii]))
	}
	return maxDiff
}

// Ramp returns n values cycling through 0, 0.1, ..., 0.9.
func Ramp(n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(ii%10) / 10
	}
	return values
}

// Ones returns n values equal to 1.
func Ones(n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = 1
	}
	return values
}
