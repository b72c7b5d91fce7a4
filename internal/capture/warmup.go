package capture

import (
	"math"
	"time"
)

// cadenceStabilityThreshold is the maximum FPS stddev, as a fraction of the
// mean, for a camera to count as stable.
const cadenceStabilityThreshold = 0.15

// WarmupStats describes the frame cadence observed right after acquisition
type WarmupStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	IsStable       bool
}

// CalculateFPSStats computes cadence statistics from frame arrival times
func CalculateFPSStats(frameTimes []time.Time, total time.Duration) WarmupStats {
	stats := WarmupStats{
		FramesReceived: len(frameTimes),
		Duration:       total,
	}
	if len(frameTimes) == 0 || total <= 0 {
		return stats
	}

	stats.FPSMean = float64(len(frameTimes)) / total.Seconds()

	instant := make([]float64, 0, len(frameTimes))
	for i := 1; i < len(frameTimes); i++ {
		if gap := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); gap > 0 {
			instant = append(instant, 1.0/gap)
		}
	}
	if len(instant) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instant[0], instant[0]
	var sumSquares float64
	for _, fps := range instant {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instant)))
	stats.IsStable = stats.FPSStdDev < stats.FPSMean*cadenceStabilityThreshold

	return stats
}
