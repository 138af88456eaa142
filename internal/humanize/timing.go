// Package humanize paces browser interactions so pointer traces, typing
// cadence, and scrolling look like an operator at the keyboard instead of a
// script. Studio heuristics key on uniform timing and teleporting cursors.
package humanize

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrElementNotVisible reports an element with no renderable bounds.
var ErrElementNotVisible = errors.New("element has no visible bounds")

// Span is an inclusive duration range delays are drawn from.
type Span struct {
	Min, Max time.Duration
}

// Sample returns a uniformly random duration within the span.
func (s Span) Sample() time.Duration {
	if s.Max <= s.Min {
		return s.Min
	}
	return s.Min + time.Duration(rand.Int63n(int64(s.Max-s.Min)+1))
}

// TimingConfig holds the pacing spans for page interactions. Zero fields
// take defaults.
type TimingConfig struct {
	PostAction Span // dwell after an action lands
	Typing     Span // gap between keystrokes
}

func (c *TimingConfig) applyDefaults() {
	if c.PostAction == (Span{}) {
		c.PostAction = Span{Min: 150 * time.Millisecond, Max: 500 * time.Millisecond}
	}
	if c.Typing == (Span{}) {
		c.Typing = Span{Min: 50 * time.Millisecond, Max: 150 * time.Millisecond}
	}
}

// Timing hands out interaction delays.
type Timing struct {
	cfg TimingConfig
}

// NewTiming creates a Timing with default pacing.
func NewTiming() *Timing {
	var cfg TimingConfig
	cfg.applyDefaults()
	return &Timing{cfg: cfg}
}

// PostActionDelay returns the dwell to apply after an action completes.
func (t *Timing) PostActionDelay() time.Duration {
	return t.cfg.PostAction.Sample()
}

// TypingDelay returns the gap to apply between two keystrokes.
func (t *Timing) TypingDelay() time.Duration {
	return t.cfg.Typing.Sample()
}

// SleepWithContext sleeps for d or until ctx is cancelled. Returns false
// when interrupted.
func SleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
