package humanize

import (
	"math"
	"testing"
)

func TestCurvedPathEndpoints(t *testing.T) {
	cases := []struct {
		name     string
		from, to Point
		steps    int
	}{
		{"horizontal", Point{0, 0}, Point{400, 0}, 12},
		{"vertical", Point{50, 10}, Point{50, 600}, 20},
		{"diagonal", Point{10, 20}, Point{300, 450}, 15},
		{"minimum steps", Point{0, 0}, Point{5, 5}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := curvedPath(tc.from, tc.to, tc.steps)
			if len(path) < 2 {
				t.Fatalf("path too short: %d points", len(path))
			}
			if path[0] != tc.from {
				t.Errorf("path starts at %+v, want %+v", path[0], tc.from)
			}
			last := path[len(path)-1]
			if math.Abs(last.X-tc.to.X) > 1e-9 || math.Abs(last.Y-tc.to.Y) > 1e-9 {
				t.Errorf("path ends at %+v, want %+v", last, tc.to)
			}
		})
	}
}

func TestCurvedPathStaysNearChord(t *testing.T) {
	from, to := Point{0, 0}, Point{800, 0}
	dist := distance(from, to)

	// The control point bends at most a quarter of the hop off the line, so
	// no interpolated point may stray further than that.
	for trial := 0; trial < 50; trial++ {
		for _, p := range curvedPath(from, to, 25) {
			if off := math.Abs(p.Y); off > dist*0.25+1e-9 {
				t.Fatalf("point %+v strays %.1fpx off the chord", p, off)
			}
			if p.X < -dist*0.25 || p.X > dist*1.25 {
				t.Fatalf("point %+v overshoots the segment", p)
			}
		}
	}
}

func TestCurvedPathZeroDistance(t *testing.T) {
	at := Point{120, 240}
	for _, p := range curvedPath(at, at, 10) {
		if math.Abs(p.X-at.X) > 1e-9 || math.Abs(p.Y-at.Y) > 1e-9 {
			t.Fatalf("stationary path moved to %+v", p)
		}
	}
}

func TestSmoothstepEasing(t *testing.T) {
	if smoothstep(0) != 0 || smoothstep(1) != 1 {
		t.Fatalf("endpoints not fixed: f(0)=%v f(1)=%v", smoothstep(0), smoothstep(1))
	}
	prev := 0.0
	for i := 1; i <= 100; i++ {
		v := smoothstep(float64(i) / 100)
		if v < prev {
			t.Fatalf("not monotone at t=%.2f: %v < %v", float64(i)/100, v, prev)
		}
		prev = v
	}
	// Slow start: the first tenth of t covers far less than a tenth of the range.
	if smoothstep(0.1) > 0.05 {
		t.Errorf("no ease-in: f(0.1)=%v", smoothstep(0.1))
	}
}

func TestPathStepsScaling(t *testing.T) {
	if got := pathSteps(0, 8, 30); got != 8 {
		t.Errorf("zero distance: got %d steps, want 8", got)
	}
	if got := pathSteps(400, 8, 30); got != 13 {
		t.Errorf("mid distance: got %d steps, want 13", got)
	}
	if got := pathSteps(10000, 8, 30); got != 30 {
		t.Errorf("long distance not capped: got %d steps", got)
	}
}

func TestMouseConfigDefaults(t *testing.T) {
	var cfg MouseConfig
	cfg.applyDefaults()
	if cfg.MaxSteps <= 0 || cfg.JitterPx <= 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.StepPause.Min <= 0 || cfg.Hover.Min <= 0 || cfg.Dwell.Min <= 0 {
		t.Errorf("pacing spans not defaulted: %+v", cfg)
	}
}
