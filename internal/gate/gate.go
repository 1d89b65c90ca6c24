// Package gate decides whether a viewport/time change warrants recomputing
// the expensive downstream calculation, based on a rolling history of
// previously accepted computations.
package gate

import (
	"math"
	"sync"
	"time"

	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/observability"
)

const (
	// DefaultCapacity bounds the history ring; oldest entries drop first.
	DefaultCapacity = 20

	countTolerance   = 10
	zoomTolerance    = 0.5
	timeTolerance    = 15 * time.Minute
	freshnessCeiling = 10 * time.Minute
)

// Context is one accepted computation: the view it was run for, the
// simulated date, how many features were in play, and when it was recorded.
type Context struct {
	View         model.ViewState `json:"view"`
	Date         time.Time       `json:"date"`
	FeatureCount int             `json:"featureCount"`
	RecordedAt   time.Time       `json:"recordedAt"`
}

// Decision is the gate's verdict. Matched carries the reusable historical
// context when the reason is "using cached result".
type Decision struct {
	ShouldCalculate bool     `json:"shouldCalculate"`
	Reason          string   `json:"reason"`
	Matched         *Context `json:"matched,omitempty"`
}

type Config struct {
	Capacity int
	Clock    func() time.Time
}

// Gate is safe for concurrent use; history mutation is serialized.
type Gate struct {
	mu       sync.Mutex
	history  []Context
	capacity int
	now      func() time.Time
}

func New(cfg Config) *Gate {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Gate{
		history:  make([]Context, 0, cfg.Capacity),
		capacity: cfg.Capacity,
		now:      cfg.Clock,
	}
}

// ShouldRecalculate reports whether a computation for (view, date,
// featureCount) is worth running. It never mutates history; call Record once
// the computation has actually been performed.
func (g *Gate) ShouldRecalculate(view model.ViewState, date time.Time, featureCount int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	dec := g.decide(view, date, featureCount)
	verdict := "skip"
	if dec.ShouldCalculate {
		verdict = "recalculate"
	}
	observability.ObserveGateDecision(verdict, dec.Reason)
	return dec
}

func (g *Gate) decide(view model.ViewState, date time.Time, featureCount int) Decision {
	if len(g.history) == 0 {
		return Decision{ShouldCalculate: true, Reason: "first calculation"}
	}

	now := g.now()
	for i := len(g.history) - 1; i >= 0; i-- {
		c := g.history[i]
		if absInt(featureCount-c.FeatureCount) > countTolerance {
			continue
		}
		if viewChanged(view, c.View) || timeChanged(date, c.Date) {
			continue
		}
		if now.Sub(c.RecordedAt) >= freshnessCeiling {
			continue
		}
		matched := c
		return Decision{ShouldCalculate: false, Reason: "using cached result", Matched: &matched}
	}

	last := g.history[len(g.history)-1]
	switch {
	case viewChanged(view, last.View):
		return Decision{ShouldCalculate: true, Reason: "significant view change"}
	case timeChanged(date, last.Date):
		return Decision{ShouldCalculate: true, Reason: "significant time change"}
	default:
		return Decision{ShouldCalculate: false, Reason: "view and time unchanged"}
	}
}

// Record appends an accepted computation, dropping the oldest entry once the
// ring is full. Skipped computations are never recorded.
func (g *Gate) Record(view model.ViewState, date time.Time, featureCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.history) == g.capacity {
		copy(g.history, g.history[1:])
		g.history = g.history[:g.capacity-1]
	}
	g.history = append(g.history, Context{
		View:         view,
		Date:         date,
		FeatureCount: featureCount,
		RecordedAt:   g.now(),
	})
}

// Len reports how many contexts the ring currently holds.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}

// History returns a copy of the ring, oldest first.
func (g *Gate) History() []Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Context, len(g.history))
	copy(out, g.history)
	return out
}

func viewChanged(a, b model.ViewState) bool {
	if math.Abs(a.Zoom-b.Zoom) > zoomTolerance {
		return true
	}
	dx := a.Center.Lng - b.Center.Lng
	dy := a.Center.Lat - b.Center.Lat
	return math.Sqrt(dx*dx+dy*dy) > movementThreshold(a.Zoom)
}

func timeChanged(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d > timeTolerance
}

// movementThreshold is the planar center distance, in degrees, under which a
// pan does not count as a view change. Higher zoom tolerates less movement.
func movementThreshold(zoom float64) float64 {
	switch {
	case zoom >= 18:
		return 0.0001
	case zoom >= 16:
		return 0.0005
	case zoom >= 14:
		return 0.001
	case zoom >= 12:
		return 0.005
	default:
		return 0.01
	}
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
