package rebalance

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/config"
)

func testRebalanceConfig() config.Rebalance {
	return config.Rebalance{
		BaseBuffer: 5,
		MinGainUSD: 0.50,
	}
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestClassify(t *testing.T) {
	testCases := []struct {
		name       string
		active     float64
		lower      float64
		upper      float64
		vol        Level
		aggressive bool
		want       Decision
	}{
		{
			name:   "above_range_rebalances",
			active: 120, lower: 100, upper: 110,
			vol:  LevelNormal,
			want: DecisionRebalance,
		},
		{
			name:   "below_range_stops_out",
			active: 80, lower: 100, upper: 110,
			vol:  LevelNormal,
			want: DecisionStopLoss,
		},
		{
			name:   "below_range_aggressive_holds",
			active: 80, lower: 100, upper: 110,
			vol:        LevelNormal,
			aggressive: true,
			want:       DecisionHold,
		},
		{
			name:   "inside_range_holds",
			active: 105, lower: 100, upper: 110,
			vol:  LevelNormal,
			want: DecisionHold,
		},
		{
			name:   "inside_buffer_holds",
			active: 114, lower: 100, upper: 110,
			vol:  LevelNormal,
			want: DecisionHold,
		},
		{
			// LOW halves the buffer to 2.5, so 114 is now outside it.
			name:   "low_volatility_tightens_buffer",
			active: 114, lower: 100, upper: 110,
			vol:  LevelLow,
			want: DecisionRebalance,
		},
		{
			// HIGH widens the buffer to 11.25; 120 is within 110+11.25.
			name:   "high_volatility_widens_buffer",
			active: 120, lower: 100, upper: 110,
			vol:  LevelHigh,
			want: DecisionHold,
		},
		{
			name:   "high_volatility_still_stops_out_far_below",
			active: 80, lower: 100, upper: 110,
			vol:  LevelHigh,
			want: DecisionStopLoss,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testRebalanceConfig()
			cfg.Aggressive = tc.aggressive
			e := NewEngine(cfg)

			got, reason := e.Classify(d(tc.active), d(tc.lower), d(tc.upper), tc.vol)
			if got != tc.want {
				t.Errorf("expected %s, got %s (reason=%s)", tc.want, got, reason)
			}
		})
	}
}

func TestAggressiveSuppressionReason(t *testing.T) {
	cfg := testRebalanceConfig()
	cfg.Aggressive = true
	e := NewEngine(cfg)

	decision, reason := e.Classify(d(80), d(100), d(110), LevelNormal)
	if decision != DecisionHold {
		t.Fatalf("expected HOLD, got %s", decision)
	}
	if reason != "stop_loss_suppressed" {
		t.Errorf("suppression must be explicit in the reason, got %s", reason)
	}
}

func TestCheckProfitability(t *testing.T) {
	e := NewEngine(testRebalanceConfig())

	testCases := []struct {
		name string
		gain float64
		cost float64
		want bool
	}{
		{"clears_cost_and_dust", 2.00, 1.00, true},
		{"covers_cost_but_not_dust", 1.25, 1.00, false},
		{"exactly_at_threshold", 1.50, 1.00, false},
		{"below_cost", 0.50, 1.00, false},
		{"zero_gain", 0, 1.00, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.CheckProfitability(d(tc.gain), d(tc.cost)); got != tc.want {
				t.Errorf("gain=%v cost=%v: expected %t, got %t", tc.gain, tc.cost, tc.want, got)
			}
		})
	}
}

func TestEvaluateVetoesUnprofitableRebalance(t *testing.T) {
	e := NewEngine(testRebalanceConfig())

	decision, reason := e.Evaluate(d(120), d(100), d(110), LevelNormal, d(0.10), d(1.00))
	if decision != DecisionHold {
		t.Errorf("expected veto to HOLD, got %s", decision)
	}
	if reason != "vetoed_on_cost" {
		t.Errorf("expected vetoed_on_cost, got %s", reason)
	}

	decision, _ = e.Evaluate(d(120), d(100), d(110), LevelNormal, d(5.00), d(1.00))
	if decision != DecisionRebalance {
		t.Errorf("profitable rebalance should proceed, got %s", decision)
	}
}

func TestTryLockSerializesPerPool(t *testing.T) {
	e := NewEngine(testRebalanceConfig())

	if !e.TryLock("pool-a") {
		t.Fatal("first lock should succeed")
	}
	if e.TryLock("pool-a") {
		t.Error("second lock on same pool should fail")
	}
	if !e.TryLock("pool-b") {
		t.Error("lock on different pool should succeed")
	}

	e.Unlock("pool-a")
	if !e.TryLock("pool-a") {
		t.Error("lock should succeed after unlock")
	}
}
