package audio

import "math"

// Upsample2x doubles the sample rate by linear interpolation. prev is the
// last sample of the preceding chunk, used to interpolate across chunk
// boundaries; pass 0 for the first chunk.
func Upsample2x(in []int16, prev int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, 0, len(in)*2)
	last := prev
	for _, s := range in {
		out = append(out, int16((int32(last)+int32(s))/2), s)
		last = s
	}
	return out
}

// lowpassFIR is a symmetric windowed-sinc low-pass filter.
type lowpassFIR struct {
	taps []float64
	// tail holds the last len(taps)-1 input samples so filtering is
	// continuous across chunk boundaries.
	tail []int16
}

// newLowpassFIR builds a Hamming-windowed sinc filter with the given
// cutoff frequency at the given input rate.
func newLowpassFIR(numTaps int, cutoffHz, sampleRateHz float64) *lowpassFIR {
	if numTaps%2 == 0 {
		numTaps++
	}
	taps := make([]float64, numTaps)
	mid := float64(numTaps-1) / 2
	fc := cutoffHz / sampleRateHz
	var sum float64
	for i := range taps {
		x := float64(i) - mid
		var v float64
		if x == 0 {
			v = 2 * math.Pi * fc
		} else {
			v = math.Sin(2*math.Pi*fc*x) / x
		}
		v *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(numTaps-1))
		taps[i] = v
		sum += v
	}
	for i := range taps {
		taps[i] /= sum
	}
	return &lowpassFIR{taps: taps, tail: make([]int16, 0, numTaps-1)}
}

// filter applies the FIR to in, returning one output sample per input
// sample. The first len(taps)-1 samples of a fresh filter lean on an
// implicit zero history.
func (f *lowpassFIR) filter(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	hist := append(append(make([]int16, 0, len(f.tail)+len(in)), f.tail...), in...)
	out := make([]int16, len(in))
	offset := len(hist) - len(in)
	for i := range in {
		var acc float64
		for j, tap := range f.taps {
			idx := offset + i - j
			if idx < 0 {
				continue
			}
			acc += tap * float64(hist[idx])
		}
		out[i] = clampSample(acc)
	}
	keep := len(f.taps) - 1
	if len(hist) < keep {
		keep = len(hist)
	}
	f.tail = append(f.tail[:0], hist[len(hist)-keep:]...)
	return out
}

func (f *lowpassFIR) reset() {
	f.tail = f.tail[:0]
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
