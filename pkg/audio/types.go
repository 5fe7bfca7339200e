// Package audio holds the sample formats, the PCM frame codec and the device
// interfaces shared by the capture and playback halves of a live session.
//
// All in-process audio is mono float32 in [-1, 1]. The wire format is
// little-endian signed 16-bit PCM: 16 kHz towards the remote endpoint and
// 24 kHz back from it.
package audio

import (
	"fmt"
	"time"
)

const (
	// CaptureSampleRate is the rate of outbound microphone frames.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of inbound model audio.
	PlaybackSampleRate = 24000

	// CaptureBufferSize is the default number of samples per outbound frame
	// (256 ms at 16 kHz).
	CaptureBufferSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// Segment is one decoded chunk of inbound audio with a known duration.
type Segment struct {
	// Samples are mono float32 samples.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// Duration returns how long the segment plays.
func (s Segment) Duration() time.Duration {
	return SamplesToDuration(int64(len(s.Samples)), s.SampleRate)
}

// SamplesToDuration converts a sample count at rate into a duration.
func SamplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// DurationToSamples converts d into a whole number of samples at rate.
func DurationToSamples(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

func formatString(rate, channels int) string {
	ch := "mono"
	switch channels {
	case 1:
	case 2:
		ch = "stereo"
	default:
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
