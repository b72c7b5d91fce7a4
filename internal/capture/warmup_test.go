package capture

import (
	"math"
	"testing"
	"time"
)

func evenFrameTimes(n int, interval time.Duration) []time.Time {
	start := time.Now()
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

func TestCalculateFPSStats(t *testing.T) {
	t.Run("steady cadence", func(t *testing.T) {
		stats := CalculateFPSStats(evenFrameTimes(30, 100*time.Millisecond), 3*time.Second)

		if stats.FramesReceived != 30 {
			t.Errorf("FramesReceived = %d, want 30", stats.FramesReceived)
		}
		if math.Abs(stats.FPSMean-10) > 0.01 {
			t.Errorf("FPSMean = %.3f, want 10", stats.FPSMean)
		}
		if math.Abs(stats.FPSMin-10) > 0.01 || math.Abs(stats.FPSMax-10) > 0.01 {
			t.Errorf("FPS range = [%.3f, %.3f], want 10", stats.FPSMin, stats.FPSMax)
		}
		if !stats.IsStable {
			t.Errorf("steady cadence should be stable (stddev %.3f)", stats.FPSStdDev)
		}
	})

	t.Run("bursty cadence", func(t *testing.T) {
		start := time.Now()
		var times []time.Time
		offset := time.Duration(0)
		for i := 0; i < 20; i++ {
			if i%2 == 0 {
				offset += 20 * time.Millisecond
			} else {
				offset += 300 * time.Millisecond
			}
			times = append(times, start.Add(offset))
		}
		stats := CalculateFPSStats(times, offset)
		if stats.IsStable {
			t.Errorf("bursty cadence should be unstable (mean %.2f stddev %.2f)", stats.FPSMean, stats.FPSStdDev)
		}
	})

	t.Run("no frames", func(t *testing.T) {
		stats := CalculateFPSStats(nil, time.Second)
		if stats.FramesReceived != 0 || stats.FPSMean != 0 || stats.IsStable {
			t.Errorf("stats = %+v, want zero", stats)
		}
	})

	t.Run("single frame", func(t *testing.T) {
		stats := CalculateFPSStats(evenFrameTimes(1, time.Second), time.Second)
		if stats.FPSMean != 1 || stats.IsStable {
			t.Errorf("stats = %+v, want mean 1 and not stable", stats)
		}
	})
}
