// Package audio holds the sample-domain pieces of the capture path: rate
// conversion and the block handoff queue between the capture callback and
// the network writer.
package audio

import "math"

// Resampler converts float32 audio from an input rate to an output rate by
// linear interpolation. The fractional read position and the last input
// sample are carried across Process calls, so consecutive blocks join
// without a phase reset at the boundary.
type Resampler struct {
	step float64 // input samples advanced per output sample
	pos  float64 // read position relative to the current block start
	last float32 // final sample of the previous block
}

// NewResampler creates a resampler from inRate to outRate. Rates must be
// positive; equal rates make Process a copy.
func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{step: float64(inRate) / float64(outRate)}
}

// Process converts one block. The returned slice is freshly allocated; the
// input block is not retained.
func (r *Resampler) Process(block []float32) []float32 {
	n := len(block)
	if n == 0 {
		return nil
	}
	if r.step == 1 {
		out := make([]float32, n)
		copy(out, block)
		return out
	}

	out := make([]float32, 0, int(float64(n)/r.step)+2)
	pos := r.pos
	for pos <= float64(n-1) {
		i := int(math.Floor(pos))
		frac := pos - float64(i)
		var s0 float32
		if i < 0 {
			// Interpolating across the block boundary.
			s0 = r.last
		} else {
			s0 = block[i]
		}
		if frac == 0 {
			out = append(out, s0)
		} else {
			s1 := block[i+1]
			out = append(out, s0+float32(frac)*(s1-s0))
		}
		pos += r.step
	}

	r.pos = pos - float64(n)
	r.last = block[n-1]
	return out
}

// Reset discards carried state, as if no blocks had been processed.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
}
