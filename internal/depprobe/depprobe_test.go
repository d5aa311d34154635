package depprobe

import (
	"context"
	"testing"
	"time"
)

func TestIsConversionSupportedRequiresBothKinds(t *testing.T) {
	cases := []struct {
		name      string
		report    DependencyReport
		supported bool
	}{
		{"all present", DependencyReport{
			BackendG:  DependencyStatus{Available: true},
			RasterLib: DependencyStatus{Available: true},
		}, true},
		{"only imagemagick", DependencyReport{
			BackendI:  DependencyStatus{Available: true},
			RasterLib: DependencyStatus{Available: true},
		}, true},
		{"no raster lib", DependencyReport{
			BackendG:  DependencyStatus{Available: true},
			RasterLib: DependencyStatus{Available: false},
		}, false},
		{"no native backend", DependencyReport{
			RasterLib: DependencyStatus{Available: true},
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.report.IsConversionSupported(); got != tc.supported {
				t.Errorf("IsConversionSupported() = %v, want %v", got, tc.supported)
			}
		})
	}
}

func TestMissingListsAbsentDependencies(t *testing.T) {
	report := DependencyReport{
		RasterLib: DependencyStatus{Available: false},
		BackendG:  DependencyStatus{Available: false},
		BackendI:  DependencyStatus{Available: false},
	}
	missing := report.Missing()
	if len(missing) != 3 {
		t.Fatalf("Missing() = %v, want 3 entries", missing)
	}
}

func TestProbeCachesUntilRefreshInterval(t *testing.T) {
	p := New(Options{})
	p.refreshInterval = 50 * time.Millisecond

	ctx := context.Background()
	first := p.Report(ctx)
	second := p.Report(ctx)
	if !first.CheckedAt.Equal(second.CheckedAt) {
		t.Error("expected cached report within refresh interval, got a fresh probe")
	}

	time.Sleep(60 * time.Millisecond)
	third := p.Report(ctx)
	if third.CheckedAt.Equal(first.CheckedAt) {
		t.Error("expected refreshed report after refresh interval elapsed")
	}
}

func TestProbeUnknownBinaryUnavailable(t *testing.T) {
	p := New(Options{GhostscriptPath: "/no/such/binary-extractcore-test"})
	report := p.Probe(context.Background())
	if report.BackendG.Available {
		t.Error("expected unavailable status for nonexistent binary")
	}
}
