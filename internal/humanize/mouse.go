package humanize

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Point is a page coordinate.
type Point struct {
	X, Y float64
}

// MouseConfig tunes cursor movement. Zero fields take defaults.
type MouseConfig struct {
	MaxSteps  int     // cap on path points; short hops use fewer
	JitterPx  float64 // max offset from the element centre when clicking
	StepPause Span    // gap between consecutive path points
	Hover     Span    // settle time between arriving and pressing
	Dwell     Span    // hold on the element after the click
}

func (c *MouseConfig) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 30
	}
	if c.JitterPx <= 0 {
		c.JitterPx = 5
	}
	if c.StepPause == (Span{}) {
		c.StepPause = Span{Min: 3 * time.Millisecond, Max: 12 * time.Millisecond}
	}
	if c.Hover == (Span{}) {
		c.Hover = Span{Min: 50 * time.Millisecond, Max: 200 * time.Millisecond}
	}
	if c.Dwell == (Span{}) {
		c.Dwell = Span{Min: 80 * time.Millisecond, Max: 250 * time.Millisecond}
	}
}

// Mouse drives a page's cursor along curved, unevenly paced paths.
type Mouse struct {
	page *rod.Page
	cfg  MouseConfig
}

// NewMouse creates a mouse controller with default pacing for the page.
func NewMouse(page *rod.Page) *Mouse {
	var cfg MouseConfig
	cfg.applyDefaults()
	return &Mouse{page: page, cfg: cfg}
}

// ClickElement moves the cursor to the element along a curved path and
// clicks near its centre. The landing point is jittered so repeated clicks
// on the same control do not hit the same pixel.
func (m *Mouse) ClickElement(ctx context.Context, el *rod.Element) error {
	target, err := elementCenter(el)
	if err != nil {
		return err
	}
	target.X += (rand.Float64()*2 - 1) * m.cfg.JitterPx
	target.Y += (rand.Float64()*2 - 1) * m.cfg.JitterPx

	if err := m.moveTo(ctx, target); err != nil {
		return err
	}
	if !SleepWithContext(ctx, m.cfg.Hover.Sample()) {
		return ctx.Err()
	}
	if err := m.page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if !SleepWithContext(ctx, m.cfg.Dwell.Sample()) {
		return ctx.Err()
	}
	return nil
}

// moveTo walks the cursor from its current position to the target.
func (m *Mouse) moveTo(ctx context.Context, to Point) error {
	pos := m.page.Mouse.Position()
	from := Point{X: pos.X, Y: pos.Y}
	steps := pathSteps(distance(from, to), 8, m.cfg.MaxSteps)

	for _, p := range curvedPath(from, to, steps) {
		if err := m.page.Mouse.MoveTo(proto.NewPoint(p.X, p.Y)); err != nil {
			return err
		}
		if !SleepWithContext(ctx, m.cfg.StepPause.Sample()) {
			return ctx.Err()
		}
	}
	return nil
}

// curvedPath interpolates a quadratic bezier from one point to another. The
// control point sits off the straight line by up to a quarter of the hop
// length, and smoothstep pacing front-loads the acceleration so the cursor
// settles into the target rather than stopping dead.
func curvedPath(from, to Point, steps int) []Point {
	if steps < 2 {
		steps = 2
	}
	dx := to.X - from.X
	dy := to.Y - from.Y
	dist := math.Hypot(dx, dy)

	var px, py float64
	if dist > 0 {
		px, py = -dy/dist, dx/dist
	}
	bend := dist * (rand.Float64()*0.5 - 0.25)
	ctrl := Point{
		X: from.X + dx/2 + px*bend,
		Y: from.Y + dy/2 + py*bend,
	}

	path := make([]Point, steps)
	for i := range path {
		t := smoothstep(float64(i) / float64(steps-1))
		mt := 1 - t
		path[i] = Point{
			X: mt*mt*from.X + 2*mt*t*ctrl.X + t*t*to.X,
			Y: mt*mt*from.Y + 2*mt*t*ctrl.Y + t*t*to.Y,
		}
	}
	return path
}

// smoothstep eases t in [0,1] with zero velocity at both ends.
func smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}

// pathSteps scales the number of interpolation points with travel distance,
// clamped to [min, max].
func pathSteps(dist float64, min, max int) int {
	n := min + int(dist/80)
	if n > max {
		return max
	}
	return n
}

func distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// elementCenter returns the centre of the element's first border quad.
func elementCenter(el *rod.Element) (Point, error) {
	shape, err := el.Shape()
	if err != nil {
		return Point{}, err
	}
	if shape == nil || len(shape.Quads) == 0 {
		return Point{}, ErrElementNotVisible
	}
	q := shape.Quads[0]
	return Point{
		X: (q[0] + q[2] + q[4] + q[6]) / 4,
		Y: (q[1] + q[3] + q[5] + q[7]) / 4,
	}, nil
}
