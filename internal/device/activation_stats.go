package device

import "math"

// ActivationStats summarizes an activation buffer for debug logging and
// numerical-instability accounting.
type ActivationStats struct {
	Max  float32
	Min  float32
	Mean float32
	RMS  float32
	NaNs int
	Infs int
}

func ComputeActivationStats(data []float32) ActivationStats {
	var stats ActivationStats
	if len(data) == 0 {
		return stats
	}
	stats.Max = data[0]
	stats.Min = data[0]
	for _, v := range data {
		if v > stats.Max {
			stats.Max = v
		}
		if v < stats.Min {
			stats.Min = v
		}
		stats.Mean += v
		stats.RMS += v * v
		if math.IsNaN(float64(v)) {
			stats.NaNs++
		}
		if math.IsInf(float64(v), 0) {
			stats.Infs++
		}
	}
	n := float32(len(data))
	stats.Mean /= n
	stats.RMS = float32(math.Sqrt(float64(stats.RMS / n)))
	return stats
}
