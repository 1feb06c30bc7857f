package ratestats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func evenFrames(n int, interval time.Duration) []time.Time {
	start := time.Unix(1700000000, 0)
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

func TestCalculate_EvenRate(t *testing.T) {
	s := Calculate(evenFrames(26, 40*time.Millisecond))

	assert.Equal(t, 26, s.Frames)
	assert.Equal(t, time.Second, s.Duration)
	assert.InDelta(t, 25.0, s.FPSMean, 0.001)
	assert.InDelta(t, 25.0, s.FPSMin, 0.001)
	assert.InDelta(t, 25.0, s.FPSMax, 0.001)
	assert.InDelta(t, 0.0, s.FPSStdDev, 0.001)
	assert.InDelta(t, 0.0, s.JitterMean, 1e-9)
	assert.True(t, s.IsStable)
}

func TestCalculate_Unstable(t *testing.T) {
	times := evenFrames(10, 40*time.Millisecond)
	// One 400ms hiccup in the middle
	for i := 5; i < len(times); i++ {
		times[i] = times[i].Add(400 * time.Millisecond)
	}

	s := Calculate(times)
	assert.False(t, s.IsStable)
	assert.Greater(t, s.JitterMax, 0.3)
	assert.InDelta(t, 1/0.44, s.FPSMin, 0.001)
}

func TestCalculate_EdgeCases(t *testing.T) {
	assert.Equal(t, Stats{}, Calculate(nil))
	assert.Equal(t, Stats{Frames: 1}, Calculate(evenFrames(1, time.Second)))

	same := evenFrames(3, 0)
	s := Calculate(same)
	assert.Equal(t, 3, s.Frames)
	assert.Zero(t, s.FPSMean)
	assert.False(t, s.IsStable)
}

func TestWindow_KeepsMostRecent(t *testing.T) {
	w := NewWindow(5)
	for _, ts := range evenFrames(3, 100*time.Millisecond) {
		w.Record(ts)
	}
	assert.Equal(t, 3, w.Snapshot().Frames)

	// Slow frames first, then fast ones that push them out
	w.Reset()
	for _, ts := range evenFrames(4, time.Second) {
		w.Record(ts)
	}
	last := time.Unix(1700000003, 0)
	for i := 1; i <= 5; i++ {
		w.Record(last.Add(time.Duration(i) * 10 * time.Millisecond))
	}

	s := w.Snapshot()
	assert.Equal(t, 5, s.Frames)
	assert.InDelta(t, 100.0, s.FPSMean, 0.01)
}
