package signal

import (
	"log/slog"
	"math"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// Detector defaults. A 5-second bar over a 10-minute window gives 120
// samples, enough for a 12-bar (60 second) lag search.
const (
	defaultBarInterval     = 5 * time.Second
	defaultWindow          = 10 * time.Minute
	defaultMaxLag          = 12
	defaultMinCorrelation  = 0.3
	defaultStabilityWindow = 4
	defaultRingSize        = 1000

	// minPoints gates analysis until the ring has seen enough ticks;
	// minBars gates correlation on each resampled series.
	minPoints = 20
	minBars   = 10
)

// LeadLagResult reports which venue's price moves precede the other's.
// Leader is empty when no significant relationship was found. A raw
// correlation below the significance floor leaves the lag as measured,
// which may be negative.
type LeadLagResult struct {
	Leader      types.Venue
	LagSeconds  float64
	Correlation float64
	Confidence  float64
	Stable      bool
}

// Detector measures price leadership for one market pair using z-scored
// cross-correlation over resampled mid-price bars. Not safe for concurrent
// use; each pair evaluator owns one and serializes access.
type Detector struct {
	venueA, venueB types.Venue

	barInterval time.Duration
	window      time.Duration
	maxLag      int
	minCorr     float64
	stability   int

	// Circular tick buffer, oldest overwritten first.
	buf     []types.PricePoint
	current int
	full    bool

	// FIFO of recent detected leaders for the stability check.
	leaders []types.Venue

	logger *slog.Logger
}

// NewDetector builds a detector for the pair traded across venueA and
// venueB. Zero config fields fall back to the defaults above.
func NewDetector(venueA, venueB types.Venue, cfg config.SignalConfig, logger *slog.Logger) *Detector {
	bar := cfg.LeadLagBar
	if bar <= 0 {
		bar = defaultBarInterval
	}
	window := cfg.LeadLagWindow
	if window <= 0 {
		window = defaultWindow
	}
	maxLag := cfg.LeadLagMaxLag
	if maxLag <= 0 {
		maxLag = defaultMaxLag
	}
	minCorr := cfg.MinCorrelation
	if minCorr <= 0 {
		minCorr = defaultMinCorrelation
	}
	stability := cfg.StabilityWindow
	if stability <= 0 {
		stability = defaultStabilityWindow
	}
	ringSize := cfg.PriceRingSize
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Detector{
		venueA:      venueA,
		venueB:      venueB,
		barInterval: bar,
		window:      window,
		maxLag:      maxLag,
		minCorr:     minCorr,
		stability:   stability,
		buf:         make([]types.PricePoint, ringSize),
		logger:      logger.With("component", "leadlag"),
	}
}

// Observe records one mid-price tick.
func (d *Detector) Observe(p types.PricePoint) {
	d.buf[d.current] = p
	d.current = (d.current + 1) % len(d.buf)
	if !d.full && d.current == 0 {
		d.full = true
	}
}

// Analyze recomputes leadership over the trailing window and updates the
// stability history. The leader is stable when it was detected in at least
// 3 of the last 4 analyses.
func (d *Detector) Analyze() LeadLagResult {
	pts := d.points()
	if len(pts) < minPoints {
		return LeadLagResult{}
	}

	cutoff := pts[len(pts)-1].Timestamp.Add(-d.window)
	recent := pts[:0:0]
	for _, p := range pts {
		if !p.Timestamp.Before(cutoff) {
			recent = append(recent, p)
		}
	}

	barsA := d.resample(venuePoints(recent, d.venueA))
	barsB := d.resample(venuePoints(recent, d.venueB))
	if n := min(len(barsA), len(barsB)); n < len(barsA) || n < len(barsB) {
		// Keep the most recent bars so the two series cover the same span.
		barsA = barsA[len(barsA)-n:]
		barsB = barsB[len(barsB)-n:]
	}

	lag, corr := crossCorrelation(barsA, barsB, d.maxLag)

	var leader types.Venue
	lagBars := lag
	if math.Abs(corr) >= d.minCorr {
		switch {
		case lag > 0:
			leader = d.venueA
		case lag < 0:
			leader = d.venueB
			lagBars = -lag
		}
	}

	if leader != "" {
		d.leaders = append(d.leaders, leader)
		if len(d.leaders) > d.stability {
			d.leaders = d.leaders[1:]
		}
	}

	stable := false
	if leader != "" && len(d.leaders) >= 3 {
		count := 0
		for _, l := range d.leaders {
			if l == leader {
				count++
			}
		}
		stable = count >= 3
	}

	confidence := math.Abs(corr) * 0.5
	if stable {
		confidence = math.Min(math.Abs(corr), 1)
	}

	d.logger.Debug("leadlag analysis",
		"leader", leader,
		"lag_bars", lagBars,
		"correlation", corr,
		"stable", stable,
	)

	return LeadLagResult{
		Leader:      leader,
		LagSeconds:  float64(lagBars) * d.barInterval.Seconds(),
		Correlation: corr,
		Confidence:  confidence,
		Stable:      stable,
	}
}

// points returns the ring contents oldest first.
func (d *Detector) points() []types.PricePoint {
	if d.full {
		out := make([]types.PricePoint, len(d.buf))
		n := copy(out, d.buf[d.current:])
		copy(out[n:], d.buf[:d.current])
		return out
	}
	out := make([]types.PricePoint, d.current)
	copy(out, d.buf[:d.current])
	return out
}

func venuePoints(pts []types.PricePoint, venue types.Venue) []types.PricePoint {
	out := pts[:0:0]
	for _, p := range pts {
		if p.Venue == venue {
			out = append(out, p)
		}
	}
	return out
}

// resample buckets ticks into regular bars keyed off the first tick,
// taking the last price in each bar and forward-filling empty bars.
func (d *Detector) resample(pts []types.PricePoint) []float64 {
	if len(pts) == 0 {
		return nil
	}
	start := pts[0].Timestamp
	span := pts[len(pts)-1].Timestamp.Sub(start)
	numBars := int(span/d.barInterval) + 1

	bars := make([]float64, 0, numBars)
	idx := 0
	for i := 0; i < numBars; i++ {
		barEnd := start.Add(time.Duration(i+1) * d.barInterval)
		last := math.NaN()
		for idx < len(pts) && pts[idx].Timestamp.Before(barEnd) {
			last = pts[idx].Mid
			idx++
		}
		switch {
		case !math.IsNaN(last):
			bars = append(bars, last)
		case len(bars) > 0:
			bars = append(bars, bars[len(bars)-1])
		default:
			bars = append(bars, math.NaN())
		}
	}
	return bars
}

// crossCorrelation scans lags in [-maxLag, maxLag] and returns the lag
// with the largest absolute correlation. Positive lag means series a
// leads series b. Both series must be the same length.
func crossCorrelation(a, b []float64, maxLag int) (int, float64) {
	if len(a) < minBars || len(b) < minBars {
		return 0, 0
	}
	za, zb := zscore(a), zscore(b)

	bestLag := 0
	bestCorr := 0.0
	found := false
	for lag := -maxLag; lag <= maxLag; lag++ {
		var x, y []float64
		switch {
		case lag < 0:
			// b leads: a's later bars align with b's earlier ones.
			if -lag >= len(za) {
				continue
			}
			x, y = za[-lag:], zb[:len(zb)+lag]
		case lag > 0:
			// a leads: a's earlier bars align with b's later ones.
			if lag >= len(za) {
				continue
			}
			x, y = za[:len(za)-lag], zb[lag:]
		default:
			x, y = za, zb
		}
		corr := pearson(x, y)
		if math.IsNaN(corr) {
			continue
		}
		if !found || math.Abs(corr) > math.Abs(bestCorr) {
			bestLag, bestCorr = lag, corr
			found = true
		}
	}
	return bestLag, bestCorr
}

// zscore normalizes a series by its mean and population standard
// deviation, ignoring NaN entries when computing the moments.
func zscore(series []float64) []float64 {
	var sum float64
	var n int
	for _, v := range series {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return series
	}
	mean := sum / float64(n)
	var ss float64
	for _, v := range series {
		if !math.IsNaN(v) {
			dv := v - mean
			ss += dv * dv
		}
	}
	std := math.Sqrt(ss / float64(n))

	out := make([]float64, len(series))
	for i, v := range series {
		out[i] = (v - mean) / (std + 1e-10)
	}
	return out
}

// pearson returns the correlation coefficient of two equal-length series,
// or NaN when either is constant or too short. NaN inputs propagate.
func pearson(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return math.NaN()
	}
	n := float64(len(x))
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varX*varY)
}
