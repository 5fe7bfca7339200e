package audio

import (
	"log/slog"
	"sync"
)

// Converter brings captured buffers to a target format. It logs a warning
// on the first mismatch so a misconfigured device shows up once in the log
// instead of once per buffer. Create one per stream.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert downmixes interleaved samples in src format to mono, then
// resamples to the target rate. When the source already matches, samples is
// returned unchanged.
func (c *Converter) Convert(samples []float32, src Format) []float32 {
	if src.SampleRate == c.Target.SampleRate && src.Channels == c.Target.Channels {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	out := samples
	if src.Channels > 1 {
		out = Downmix(out, src.Channels)
	}
	if src.SampleRate != c.Target.SampleRate {
		out = Resample(out, src.SampleRate, c.Target.SampleRate)
	}
	return out
}

// Downmix averages interleaved frames of channels samples into mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is not positive, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ResamplePCM16 is [Resample] for little-endian int16 PCM payloads, used by
// adapters whose remote side expects a different rate than we capture at.
func ResamplePCM16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate == dstRate {
		return pcm, nil
	}
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(Resample(samples, srcRate, dstRate)), nil
}
