package humanize

import (
	"context"
	"math"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ScrollConfig tunes viewport movement. Zero fields take defaults.
type ScrollConfig struct {
	Margin    float64 // element counts as visible this far inside the viewport edges
	MaxSteps  int     // cap on scroll increments; short moves use fewer
	StepPause Span    // gap between increments
	Settle    Span    // pause after the page stops moving
}

func (c *ScrollConfig) applyDefaults() {
	if c.Margin <= 0 {
		c.Margin = 100
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 20
	}
	if c.StepPause == (Span{}) {
		c.StepPause = Span{Min: 20 * time.Millisecond, Max: 60 * time.Millisecond}
	}
	if c.Settle == (Span{}) {
		c.Settle = Span{Min: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	}
}

// Scroller moves the viewport in eased increments instead of one jump.
type Scroller struct {
	page *rod.Page
	cfg  ScrollConfig
}

// NewScroller creates a scroller with default pacing for the page.
func NewScroller(page *rod.Page) *Scroller {
	var cfg ScrollConfig
	cfg.applyDefaults()
	return &Scroller{page: page, cfg: cfg}
}

// viewport is the scroll-relevant slice of the page layout metrics.
type viewport struct {
	top     float64 // current scroll offset
	height  float64 // visible height
	content float64 // full document height
}

// ScrollToElement brings the element into the middle of the viewport. An
// element already comfortably visible is left alone.
func (s *Scroller) ScrollToElement(ctx context.Context, el *rod.Element) error {
	centre, err := elementCenter(el)
	if err != nil {
		return err
	}
	metrics, err := proto.PageGetLayoutMetrics{}.Call(s.page)
	if err != nil {
		return err
	}
	view := viewport{
		top:     metrics.VisualViewport.PageY,
		height:  metrics.VisualViewport.ClientHeight,
		content: metrics.ContentSize.Height,
	}

	target, needed := scrollTarget(centre.Y, view, s.cfg.Margin)
	if !needed {
		return nil
	}

	steps := pathSteps(math.Abs(target-view.top), 4, s.cfg.MaxSteps)
	for i := 1; i <= steps; i++ {
		t := smoothstep(float64(i) / float64(steps))
		y := view.top + (target-view.top)*t
		if _, err := s.page.Context(ctx).Eval(`y => window.scrollTo(0, y)`, y); err != nil {
			return err
		}
		if !SleepWithContext(ctx, s.cfg.StepPause.Sample()) {
			return ctx.Err()
		}
	}
	if !SleepWithContext(ctx, s.cfg.Settle.Sample()) {
		return ctx.Err()
	}
	return nil
}

// scrollTarget picks the offset that centres a point in the viewport,
// clamped to the document, and reports whether any scrolling is needed.
func scrollTarget(centerY float64, v viewport, margin float64) (float64, bool) {
	if centerY >= v.top+margin && centerY <= v.top+v.height-margin {
		return v.top, false
	}
	target := centerY - v.height/2
	max := v.content - v.height
	if max < 0 {
		max = 0
	}
	if target < 0 {
		target = 0
	}
	if target > max {
		target = max
	}
	return target, target != v.top
}
