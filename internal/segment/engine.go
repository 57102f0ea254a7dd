// Package segment implements the motion and split policy spec.md §4.5
// describes: a distance/time-based segment splitter layered on top of a
// hysteretic motion detector, grounded on the original
// `manager.check_spacetime`/`check_moving`. Per spec.md Design Notes §9
// ("prefer event channels that carry an explicit edge value over polling
// booleans"), both signals are exposed as buffered, edge-triggered Go
// channels rather than flags the coordinator must poll and clear itself.
package segment

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fraicap/fraicap/internal/gpsfix"
)

// Engine tracks the accumulated distance and elapsed time of the
// currently-open segment and the vehicle's coarse moving/stopped state.
type Engine struct {
	splittingDistanceM float64
	splittingTime      time.Duration
	pauseSpeed         float64
	resumeSpeed        float64

	mu            sync.Mutex
	distanceAccum float64
	segmentInit   time.Time
	vehicleMoving bool
	lastFix       *gpsfix.Fix
	speedSamples  []float64

	// SegmentEnded fires (one value) each time the split policy trips.
	// Buffered 1 so a slow consumer never blocks Observe.
	SegmentEnded chan struct{}
	// MotionChanged fires the new vehicleMoving value on every edge.
	MotionChanged chan bool
}

// New builds an Engine from the coordinator's capture tunables.
func New(splittingDistanceM, pauseSpeed, resumeSpeed float64, splittingTime time.Duration) *Engine {
	return &Engine{
		splittingDistanceM: splittingDistanceM,
		splittingTime:      splittingTime,
		pauseSpeed:         pauseSpeed,
		resumeSpeed:        resumeSpeed,
		segmentInit:        time.Now(),
		SegmentEnded:       make(chan struct{}, 1),
		MotionChanged:      make(chan bool, 1),
	}
}

// ResetSegment re-arms the distance/time accumulators for a freshly
// opened segment (coordinator calls this from new_segment, step 2).
func (e *Engine) ResetSegment(now time.Time) {
	e.mu.Lock()
	e.distanceAccum = 0
	e.segmentInit = now
	e.speedSamples = e.speedSamples[:0]
	e.mu.Unlock()
}

// Observe folds in one GPS fix: accumulates distance, updates the
// hysteretic motion detector, and evaluates the split triggers. now lets
// tests control elapsed time deterministically.
func (e *Engine) Observe(fix gpsfix.Fix, now time.Time) {
	e.mu.Lock()
	e.lastFix = &fix
	e.distanceAccum += fix.DistanceDelta
	e.speedSamples = append(e.speedSamples, fix.SpdOverGrnd)

	switch {
	case fix.SpdOverGrnd < e.pauseSpeed:
		if e.vehicleMoving {
			e.vehicleMoving = false
			e.emitMotion(false)
		}
	case fix.SpdOverGrnd > e.resumeSpeed:
		if !e.vehicleMoving {
			e.vehicleMoving = true
			e.emitMotion(true)
		}
	default:
		// between thresholds: debounce, no change
	}

	elapsed := now.Sub(e.segmentInit)
	if e.distanceAccum > e.splittingDistanceM || elapsed > e.splittingTime {
		e.emitSegmentEnded()
	}
	e.mu.Unlock()
}

// emitMotion/emitSegmentEnded must be called with e.mu held; they use a
// non-blocking send since the channels are buffered 1 and represent an
// edge, not a queue of edges.
func (e *Engine) emitMotion(moving bool) {
	select {
	case e.MotionChanged <- moving:
	default:
	}
}

func (e *Engine) emitSegmentEnded() {
	select {
	case e.SegmentEnded <- struct{}{}:
	default:
	}
}

// DistanceAccum returns the distance (metres) accumulated in the
// currently-open segment.
func (e *Engine) DistanceAccum() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distanceAccum
}

// VehicleMoving returns the current debounced motion state.
func (e *Engine) VehicleMoving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vehicleMoving
}

// SpeedPercentiles returns the P50 and P85 ground speed (m/s) observed
// over the currently-open segment, for the catalog's optional per-segment
// stats (spec.md §6 "plus optional per-segment stats"). Returns (0, 0, false)
// if no fix has been observed yet.
func (e *Engine) SpeedPercentiles() (p50, p85 float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.speedSamples) == 0 {
		return 0, 0, false
	}
	sorted := append([]float64(nil), e.speedSamples...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil),
		stat.Quantile(0.85, stat.Empirical, sorted, nil), true
}

// LastFix returns the most recently observed fix, or nil if none yet.
func (e *Engine) LastFix() *gpsfix.Fix {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFix
}

// SegmentInit returns the currently-open segment's start time.
func (e *Engine) SegmentInit() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.segmentInit
}
