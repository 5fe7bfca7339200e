// Package activity turns raw microphone input into a 0–100 activity level
// for UI feedback.
//
// The [Analyser] keeps the most recent window of captured samples and
// computes a frequency-domain snapshot the way a browser analyser node does:
// Blackman window, FFT, temporal smoothing, decibels mapped onto 0–255. The
// level is the mean of that snapshot scaled by 1.5 and clamped to [0, 100].
// The [Monitor] polls the analyser once per render frame.
package activity

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultFFTSize is the analysis window length in samples.
	DefaultFFTSize = 256

	minDecibels = -100.0
	maxDecibels = -30.0
	smoothing   = 0.8

	// levelScale is the empirical gain from mean bin value to level.
	levelScale = 1.5
)

// Analyser computes activity levels from the latest captured samples.
// Write and Level may be called concurrently.
type Analyser struct {
	size   int
	fft    *fourier.FFT
	window []float64

	mu       sync.Mutex
	ring     []float32
	pos      int
	smoothed []float64
	coeffs   []complex128
	frame    []float64
}

// NewAnalyser returns an analyser over the last size samples. size must be
// a power of two; non-positive values select [DefaultFFTSize].
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultFFTSize
	}
	return &Analyser{
		size:     size,
		fft:      fourier.NewFFT(size),
		window:   blackman(size),
		ring:     make([]float32, size),
		smoothed: make([]float64, size/2),
		frame:    make([]float64, size),
	}
}

// Write appends captured samples to the analysis window.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= a.size {
		copy(a.ring, samples[len(samples)-a.size:])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos++
		if a.pos == a.size {
			a.pos = 0
		}
	}
}

// Frequency fills dst with the byte-scaled (0–255) magnitude of each of the
// size/2 frequency bins and returns it. dst is reallocated when too short.
func (a *Analyser) Frequency(dst []float64) []float64 {
	bins := a.size / 2
	if cap(dst) < bins {
		dst = make([]float64, bins)
	}
	dst = dst[:bins]

	a.mu.Lock()
	defer a.mu.Unlock()

	// Oldest sample first.
	for i := range a.size {
		a.frame[i] = float64(a.ring[(a.pos+i)%a.size]) * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	for k := range bins {
		mag := cmplxAbs(a.coeffs[k]) / float64(a.size)
		a.smoothed[k] = smoothing*a.smoothed[k] + (1-smoothing)*mag
		dst[k] = toByteScale(a.smoothed[k])
	}
	return dst
}

// Level returns the current activity level in [0, 100].
func (a *Analyser) Level() float64 {
	bins := a.Frequency(nil)
	var sum float64
	for _, b := range bins {
		sum += b
	}
	return Scale(sum / float64(len(bins)))
}

// Scale maps a mean frequency-bin value onto the 0–100 activity range.
func Scale(mean float64) float64 {
	return min(max(mean*levelScale, 0), 100)
}

// Reset clears the window and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

func toByteScale(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	return min(max(v, 0), 255)
}

func cmplxAbs(c complex128) float64 { return math.Hypot(real(c), imag(c)) }

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
