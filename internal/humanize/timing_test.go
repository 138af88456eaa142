package humanize

import (
	"context"
	"testing"
	"time"
)

func TestSpanSampleStaysInRange(t *testing.T) {
	s := Span{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := s.Sample()
		if d < s.Min || d > s.Max {
			t.Fatalf("sample %v outside [%v, %v]", d, s.Min, s.Max)
		}
	}
}

func TestSpanSampleDegenerate(t *testing.T) {
	s := Span{Min: 25 * time.Millisecond, Max: 25 * time.Millisecond}
	if d := s.Sample(); d != 25*time.Millisecond {
		t.Errorf("degenerate span sampled %v", d)
	}
	// Inverted bounds collapse to Min rather than panicking.
	s = Span{Min: 30 * time.Millisecond, Max: 10 * time.Millisecond}
	if d := s.Sample(); d != 30*time.Millisecond {
		t.Errorf("inverted span sampled %v", d)
	}
}

func TestTimingDefaults(t *testing.T) {
	tm := NewTiming()
	for i := 0; i < 50; i++ {
		if d := tm.TypingDelay(); d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("typing delay %v out of range", d)
		}
		if d := tm.PostActionDelay(); d < 150*time.Millisecond || d > 500*time.Millisecond {
			t.Fatalf("post-action delay %v out of range", d)
		}
	}
}

func TestSleepWithContextCompletes(t *testing.T) {
	if !SleepWithContext(context.Background(), time.Millisecond) {
		t.Error("uninterrupted sleep reported cancellation")
	}
}

func TestSleepWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if SleepWithContext(ctx, time.Minute) {
		t.Error("cancelled sleep reported completion")
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled sleep did not return promptly")
	}
}
