package filter

import "slices"

// DefaultMedianWindow is the default ToF median window size.
const DefaultMedianWindow = 5

// Median returns the centred running median of window using size samples
// per output (rounded up to the next odd size). Positions before the start
// or past the end reuse the first or last sample.
func Median(window []float32, size int) []float32 {
	out := make([]float32, len(window))
	if len(window) == 0 {
		return out
	}
	half := size / 2
	if half < 1 {
		copy(out, window)
		return out
	}

	buf := make([]float32, 2*half+1)
	last := len(window) - 1
	for i := range window {
		for j := -half; j <= half; j++ {
			idx := min(max(i+j, 0), last)
			buf[j+half] = window[idx]
		}
		slices.Sort(buf)
		out[i] = buf[half]
	}
	return out
}
