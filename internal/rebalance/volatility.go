package rebalance

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/observ"
)

// Level buckets realized volatility for the buffer multipliers.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelNormal Level = "NORMAL"
	LevelHigh   Level = "HIGH"
)

// Tracker keeps a fixed-capacity rolling window of price samples and
// derives a volatility level from the sample standard deviation of log
// returns, scaled to a daily-equivalent figure under the configured
// sampling interval.
type Tracker struct {
	mu sync.RWMutex

	samples  []float64
	capacity int

	samplesPerDay float64
	lowThreshold  float64
	highThreshold float64
}

func NewTracker(cfg config.Volatility) *Tracker {
	return &Tracker{
		samples:       make([]float64, 0, cfg.WindowSize),
		capacity:      cfg.WindowSize,
		samplesPerDay: 86400.0 / float64(cfg.SampleIntervalSeconds),
		lowThreshold:  cfg.LowThreshold,
		highThreshold: cfg.HighThreshold,
	}
}

// AddSample appends a price observation, evicting the oldest once the
// window is full. Non-positive prices are ignored; log returns need
// positive inputs.
func (t *Tracker) AddSample(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	t.mu.Lock()
	t.samples = append(t.samples, price.InexactFloat64())
	if len(t.samples) > t.capacity {
		t.samples = t.samples[len(t.samples)-t.capacity:]
	}
	t.mu.Unlock()

	observ.SetGauge("volatility_daily", t.DailyVolatility(), nil)
}

// DailyVolatility returns the daily-equivalent stddev of log returns.
// Zero until the window holds enough samples to be meaningful.
func (t *Tracker) DailyVolatility() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dailyVolatilityUnsafe()
}

func (t *Tracker) dailyVolatilityUnsafe() float64 {
	if len(t.samples) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(t.samples)-1)
	for i := 1; i < len(t.samples); i++ {
		returns = append(returns, math.Log(t.samples[i]/t.samples[i-1]))
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * math.Sqrt(t.samplesPerDay)
}

// Level buckets the current daily volatility. An empty window reads as
// NORMAL so a cold start neither tightens nor widens the band.
func (t *Tracker) Level() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()

	vol := t.dailyVolatilityUnsafe()
	if vol == 0 {
		return LevelNormal
	}
	switch {
	case vol < t.lowThreshold:
		return LevelLow
	case vol > t.highThreshold:
		return LevelHigh
	default:
		return LevelNormal
	}
}

// SampleCount reports the current window fill.
func (t *Tracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
