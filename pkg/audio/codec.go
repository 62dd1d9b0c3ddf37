package audio

// Codec converts between the carrier byte stream and the model PCM
// formats. One Codec serves one call; it is not safe for concurrent use.
// The only state it keeps is what stitches consecutive chunks together:
// the previous sample on the upsampling path and the filter tail plus
// decimation phase on the downsampling path.
type Codec struct {
	upPrev     int16
	haveUpPrev bool

	lp         *lowpassFIR
	decimPhase int
}

func NewCodec() *Codec {
	return &Codec{
		lp: newLowpassFIR(31, 3400, float64(ModelOutputSampleRate)),
	}
}

// DecodeULawToPCM16k expands 8 kHz mu-law bytes into s16le PCM at
// 16 kHz. Empty input yields empty output.
func (c *Codec) DecodeULawToPCM16k(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	linear := DecodeULaw(ulaw)
	prev := linear[0]
	if c.haveUpPrev {
		prev = c.upPrev
	}
	up := Upsample2x(linear, prev)
	c.upPrev = linear[len(linear)-1]
	c.haveUpPrev = true
	return BytesFromSamples(up)
}

// EncodePCM24kToULaw low-passes and decimates 24 kHz s16le PCM down to
// 8 kHz, then compands to mu-law. Input shorter than one output sample
// is absorbed into the decimation phase and surfaces on a later call.
// A byte length that is not a whole number of samples is corrupt.
func (c *Codec) EncodePCM24kToULaw(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	samples, err := SamplesFromBytes(pcm)
	if err != nil {
		return nil, err
	}
	filtered := c.lp.filter(samples)

	ratio := ModelOutputSampleRate / CarrierSampleRate
	out := make([]int16, 0, len(filtered)/ratio+1)
	for _, s := range filtered {
		if c.decimPhase == 0 {
			out = append(out, s)
		}
		c.decimPhase++
		if c.decimPhase == ratio {
			c.decimPhase = 0
		}
	}
	return EncodeULaw(out), nil
}

// Reset clears all inter-chunk state. Used when the outbound stream is
// flushed on barge-in so stale filter history does not bleed into the
// next turn.
func (c *Codec) Reset() {
	c.upPrev = 0
	c.haveUpPrev = false
	c.decimPhase = 0
	c.lp.reset()
}
