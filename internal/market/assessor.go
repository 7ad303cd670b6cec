// Package market periodically condenses raw feed factors into a single
// process-wide risk snapshot. The current snapshot is an immutable value
// swapped atomically, so decision cycles read it lock-free and never observe
// a half-written assessment.
package market

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Trend direction labels.
const (
	TrendUp       = "up"
	TrendDown     = "down"
	TrendSideways = "sideways"
)

// Snapshot is a point-in-time assessment of systemic market risk.
type Snapshot struct {
	RiskScore            float64
	VolatilityHigh       bool
	VolumeSpike          bool
	CorrelationBreakdown bool
	TrendDirection       string
	AssessedAt           time.Time
}

// View is what the decision engine consumes: the effective risk score with
// the cautious floor already applied when the snapshot is stale or missing.
type View struct {
	RiskScore float64
	Stale     bool
	Snapshot  *Snapshot
}

// AssessorOptions tune the assessment cadence and factor thresholds.
type AssessorOptions struct {
	Interval            time.Duration
	StaleFactor         int
	CautiousRiskFloor   float64
	VolatilityThreshold float64
	VolumeSpikeRatio    float64
	Symbols             []string
}

// Assessor computes the global market snapshot on a fixed cadence,
// independent of any wallet cadence.
type Assessor struct {
	opts    AssessorOptions
	fetcher QuoteFetcher
	logger  zerolog.Logger

	current     atomic.Pointer[Snapshot]
	prevVolumes map[string]float64
	now         func() time.Time
}

// NewAssessor constructs a market assessor.
func NewAssessor(opts AssessorOptions, fetcher QuoteFetcher, logger zerolog.Logger) *Assessor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.StaleFactor < 1 {
		opts.StaleFactor = 3
	}
	if opts.CautiousRiskFloor <= 0 {
		opts.CautiousRiskFloor = 80
	}
	if opts.VolatilityThreshold <= 0 {
		opts.VolatilityThreshold = 15
	}
	if opts.VolumeSpikeRatio <= 1 {
		opts.VolumeSpikeRatio = 2
	}

	return &Assessor{
		opts:        opts,
		fetcher:     fetcher,
		logger:      logger.With().Str("component", "market_assessor").Logger(),
		prevVolumes: make(map[string]float64),
		now:         time.Now,
	}
}

// Run blocks, reassessing at each interval until ctx is cancelled. The first
// assessment happens immediately so wallets do not start against an empty
// snapshot.
func (a *Assessor) Run(ctx context.Context) error {
	if err := a.AssessOnce(ctx); err != nil {
		a.logger.Error().Err(err).Msg("initial market assessment failed")
	}

	for {
		timer := time.NewTimer(a.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := a.AssessOnce(ctx); err != nil {
			// Previous snapshot is retained; staleness handling downgrades
			// it to the cautious floor once it ages out.
			a.logger.Error().Err(err).Msg("market assessment failed, keeping previous snapshot")
		}
	}
}

// AssessOnce pulls raw factors and swaps in a fresh snapshot.
func (a *Assessor) AssessOnce(ctx context.Context) error {
	quotes, err := a.fetcher.FetchQuotes(ctx, a.opts.Symbols)
	if err != nil {
		return err
	}

	snap := a.synthesize(quotes)
	a.current.Store(&snap)

	a.logger.Debug().
		Float64("risk_score", snap.RiskScore).
		Str("trend", snap.TrendDirection).
		Bool("volatility_high", snap.VolatilityHigh).
		Bool("volume_spike", snap.VolumeSpike).
		Bool("correlation_breakdown", snap.CorrelationBreakdown).
		Msg("market snapshot refreshed")
	return nil
}

// synthesize turns raw quotes into a snapshot. Base risk is 50; each adverse
// factor pushes the score up, an up-trend pulls it down, clamped to [0,100].
func (a *Assessor) synthesize(quotes map[string]Quote) Snapshot {
	var sumChange, sumAbsChange float64
	var maxChange, minChange float64
	first := true
	for _, q := range quotes {
		sumChange += q.Change24hPct
		sumAbsChange += math.Abs(q.Change24hPct)
		if first {
			maxChange, minChange = q.Change24hPct, q.Change24hPct
			first = false
			continue
		}
		maxChange = math.Max(maxChange, q.Change24hPct)
		minChange = math.Min(minChange, q.Change24hPct)
	}

	n := float64(len(quotes))
	avgChange := sumChange / n
	avgAbsChange := sumAbsChange / n

	volatilityHigh := avgAbsChange > a.opts.VolatilityThreshold

	trend := TrendSideways
	switch {
	case avgChange > 2:
		trend = TrendUp
	case avgChange < -2:
		trend = TrendDown
	}

	// Correlation breakdown: normally correlated majors moving hard in
	// opposite directions within the same 24h window.
	half := a.opts.VolatilityThreshold / 2
	correlationBreakdown := maxChange > half && minChange < -half

	volumeSpike := false
	for symbol, q := range quotes {
		prev := a.prevVolumes[symbol]
		if prev > 0 && q.Volume24hUSD > prev*a.opts.VolumeSpikeRatio {
			volumeSpike = true
		}
		a.prevVolumes[symbol] = q.Volume24hUSD
	}

	score := 50.0
	if volatilityHigh {
		score += 20
	}
	if volumeSpike {
		score += 10
	}
	if correlationBreakdown {
		score += 15
	}
	switch trend {
	case TrendDown:
		score += 10
	case TrendUp:
		score -= 10
	}
	score = math.Max(0, math.Min(100, score))

	return Snapshot{
		RiskScore:            score,
		VolatilityHigh:       volatilityHigh,
		VolumeSpike:          volumeSpike,
		CorrelationBreakdown: correlationBreakdown,
		TrendDirection:       trend,
		AssessedAt:           a.now().UTC(),
	}
}

// CurrentView returns the effective market view for decisions. A missing or
// stale snapshot fails safe: the risk score is raised to at least the
// cautious floor.
func (a *Assessor) CurrentView() View {
	snap := a.current.Load()
	if snap == nil {
		return View{RiskScore: a.opts.CautiousRiskFloor, Stale: true}
	}

	maxAge := time.Duration(a.opts.StaleFactor) * a.opts.Interval
	if a.now().Sub(snap.AssessedAt) > maxAge {
		return View{
			RiskScore: math.Max(snap.RiskScore, a.opts.CautiousRiskFloor),
			Stale:     true,
			Snapshot:  snap,
		}
	}

	return View{RiskScore: snap.RiskScore, Snapshot: snap}
}
