// Package ratestats measures the relay frame rate over a sliding window.
package ratestats

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the largest FPS standard deviation, as a
	// fraction of the mean, for the rate to count as stable.
	// Example: 25 FPS mean -> stable if stddev < 3.75 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the largest mean jitter, as a fraction of
	// the expected inter-frame interval, for the rate to count as stable.
	// Example: 25 FPS (40ms interval) -> stable if jitter < 8ms
	jitterStabilityThreshold = 0.20

	// DefaultWindow is the number of frame timestamps kept.
	DefaultWindow = 120
)

// Stats summarises the frame timing of a window.
type Stats struct {
	Frames       int
	Duration     time.Duration
	FPSMean      float64
	FPSStdDev    float64
	FPSMin       float64
	FPSMax       float64
	JitterMean   float64 // seconds
	JitterStdDev float64 // seconds
	JitterMax    float64 // seconds
	IsStable     bool
}

// Calculate computes rate statistics from ordered frame timestamps.
//
// The mean FPS is the overall rate across the window; min, max and
// standard deviation are over the instantaneous rate of each interval.
// Jitter is the deviation of each interval from the mean interval. The
// window is stable when the FPS stddev stays under 15% of the mean and the
// mean jitter under 20% of the expected interval.
func Calculate(frameTimes []time.Time) Stats {
	n := len(frameTimes)
	if n < 2 {
		return Stats{Frames: n}
	}

	duration := frameTimes[n-1].Sub(frameTimes[0])
	if duration <= 0 {
		return Stats{Frames: n, Duration: duration}
	}

	// n timestamps bound n-1 intervals
	fpsMean := float64(n-1) / duration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return Stats{Frames: n, Duration: duration, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expectedInterval := 1.0 / fpsMean

	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expectedInterval)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSumSquares / float64(len(jitters)))

	return Stats{
		Frames:       n,
		Duration:     duration,
		FPSMean:      fpsMean,
		FPSStdDev:    fpsStdDev,
		FPSMin:       fpsMin,
		FPSMax:       fpsMax,
		JitterMean:   jitterMean,
		JitterStdDev: jitterStdDev,
		JitterMax:    jitterMax,
		IsStable: fpsStdDev < fpsMean*fpsStabilityThreshold &&
			jitterMean < expectedInterval*jitterStabilityThreshold,
	}
}

// Window keeps the most recent frame timestamps. It is safe for one
// recording goroutine and any number of readers.
type Window struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

// NewWindow returns a window holding up to size timestamps.
func NewWindow(size int) *Window {
	if size < 2 {
		size = DefaultWindow
	}
	return &Window{times: make([]time.Time, size)}
}

// Record adds a frame timestamp.
func (w *Window) Record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.times[w.next] = t
	w.next = (w.next + 1) % len(w.times)
	if w.next == 0 {
		w.full = true
	}
}

// Reset drops every recorded timestamp.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = 0
	w.full = false
}

// Snapshot computes Stats over the recorded timestamps, oldest first.
func (w *Window) Snapshot() Stats {
	w.mu.Lock()
	var ordered []time.Time
	if w.full {
		ordered = make([]time.Time, 0, len(w.times))
		ordered = append(ordered, w.times[w.next:]...)
		ordered = append(ordered, w.times[:w.next]...)
	} else {
		ordered = append([]time.Time(nil), w.times[:w.next]...)
	}
	w.mu.Unlock()

	return Calculate(ordered)
}
