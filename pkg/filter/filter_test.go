package filter

import (
	"testing"

	"github.com/ChrisMcGann/idpp/pkg/core"
)

func testPeaks() []core.Peak {
	return []core.Peak{
		{MZ: 300.0, Intensity: 5.0},
		{MZ: 50.0, Intensity: 100.0},
		{MZ: 150.0, Intensity: 0.0},
		{MZ: 200.0, Intensity: 40.0},
		{MZ: 100.0, Intensity: 20.0},
	}
}

func TestPeaks(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		wantMZ []float64
	}{
		{
			name:   "no filters drops zero and sorts",
			config: Config{},
			wantMZ: []float64{50, 100, 200, 300},
		},
		{
			name:   "top n",
			config: Config{TopN: 2},
			wantMZ: []float64{50, 200},
		},
		{
			name:   "intensity cutoff",
			config: Config{IntensityCutoff: 10},
			wantMZ: []float64{50, 100, 200},
		},
		{
			name:   "m/z range",
			config: Config{MinMZ: 60, MaxMZ: 250},
			wantMZ: []float64{100, 200},
		},
		{
			name:   "combined",
			config: Config{MinMZ: 60, TopN: 1},
			wantMZ: []float64{200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testPeaks()
			got := tt.config.Peaks(in)
			if len(got) != len(tt.wantMZ) {
				t.Fatalf("got %d peaks, want %d: %v", len(got), len(tt.wantMZ), got)
			}
			for i, mz := range tt.wantMZ {
				if got[i].MZ != mz {
					t.Errorf("peak %d m/z = %f, want %f", i, got[i].MZ, mz)
				}
			}
			if in[0].MZ != 300.0 {
				t.Errorf("input was modified")
			}
		})
	}
}

func TestApply(t *testing.T) {
	spec := &core.Spectrum{Peaks: testPeaks()}
	cfg := Config{TopN: 3}
	if err := cfg.Apply(spec); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(spec.Peaks) != 3 {
		t.Fatalf("got %d peaks, want 3", len(spec.Peaks))
	}
	if !spec.ArePeaksSorted() {
		t.Errorf("peaks not sorted after Apply")
	}

	bad := Config{IntensityCutoff: 150}
	if err := bad.Apply(spec); err == nil {
		t.Errorf("expected error for cutoff above 100")
	}
}

func TestRemoveZeroIntensityPeaks(t *testing.T) {
	spec := &core.Spectrum{Peaks: testPeaks()}
	RemoveZeroIntensityPeaks(spec)
	if len(spec.Peaks) != 4 {
		t.Errorf("got %d peaks, want 4", len(spec.Peaks))
	}
}
