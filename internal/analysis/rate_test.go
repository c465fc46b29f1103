package analysis

import (
	"math"
	"testing"
	"time"
)

func evenTimes(n int, interval time.Duration) []time.Time {
	start := time.Unix(1700000000, 0)
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

func TestCalculateRate(t *testing.T) {
	tests := []struct {
		name       string
		times      []time.Time
		wantFPS    float64
		wantStable bool
	}{
		{"no samples", nil, 0, false},
		{"single sample", evenTimes(1, time.Second), 0, false},
		{"steady 10fps", evenTimes(20, 100*time.Millisecond), 10, true},
		{"steady 2fps", evenTimes(5, 500*time.Millisecond), 2, true},
		{
			name: "bursty",
			times: func() []time.Time {
				ts := evenTimes(2, 10*time.Millisecond)
				return append(ts, ts[1].Add(time.Second), ts[1].Add(1010*time.Millisecond))
			}(),
			wantFPS:    3 / 1.02,
			wantStable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateRate(tt.times)
			if got.Samples != len(tt.times) {
				t.Errorf("Samples = %d, want %d", got.Samples, len(tt.times))
			}
			if math.Abs(got.FPSMean-tt.wantFPS) > 0.01 {
				t.Errorf("FPSMean = %.3f, want %.3f", got.FPSMean, tt.wantFPS)
			}
			if got.IsStable != tt.wantStable {
				t.Errorf("IsStable = %v, want %v (stats %+v)", got.IsStable, tt.wantStable, got)
			}
		})
	}
}

func TestCalculateRateSteadyHasNoJitter(t *testing.T) {
	got := CalculateRate(evenTimes(10, 40*time.Millisecond))
	if got.JitterMax > 1e-9 {
		t.Errorf("Expected zero jitter for even spacing, got %g", got.JitterMax)
	}
	if math.Abs(got.FPSMin-25) > 0.01 || math.Abs(got.FPSMax-25) > 0.01 {
		t.Errorf("Expected min/max 25fps, got %.2f/%.2f", got.FPSMin, got.FPSMax)
	}
}
