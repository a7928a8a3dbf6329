package patterns

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfun-trading-bot/internal/pricefeed"
)

func newTestDetector() *Detector {
	return NewDetector(DefaultConfig(), zerolog.Nop())
}

func update(change1m, change5m, volumeSpike, momentum float64) *pricefeed.PriceUpdate {
	return &pricefeed.PriceUpdate{
		Instrument:  "memecoin",
		Price:       1.0,
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Change1m:    change1m,
		Change5m:    change5m,
		VolumeSpike: volumeSpike,
		Momentum:    momentum,
	}
}

func TestRugPullWinsOverEverything(t *testing.T) {
	d := newTestDetector()

	// A -55% move satisfies the dump branch too; the cascade must still
	// classify it as a rug pull regardless of momentum or volume.
	for _, momentum := range []float64{-0.5, 0, 0.5} {
		for _, volume := range []float64{0, 1, 10} {
			signal := d.Classify(update(-0.55, 0, volume, momentum), nil)
			assert.Equal(t, RugPull, signal.Pattern)
			assert.Equal(t, ActionEmergencyExit, signal.Action)
			assert.Equal(t, 0.95, signal.Confidence)
			assert.Equal(t, StrengthCritical, signal.Strength)
		}
	}
}

func TestDumpAfterPumpReadsAsProfitTaking(t *testing.T) {
	d := newTestDetector()

	plain := d.Classify(update(-0.20, 0, 1, 0), nil)
	require.Equal(t, Dump, plain.Pattern)
	assert.Equal(t, 0.80, plain.Confidence)

	afterPump := d.Classify(update(-0.20, 0, 1, 0), []PatternType{MegaPump})
	require.Equal(t, Dump, afterPump.Pattern)
	assert.Equal(t, 0.85, afterPump.Confidence)
	assert.Equal(t, ActionSell, afterPump.Action)
}

func TestFomoSpikeNeverSuggestsBuy(t *testing.T) {
	d := newTestDetector()

	signal := d.Classify(update(0.50, 0, 1, 0.05), nil)

	require.Equal(t, FomoSpike, signal.Pattern)
	assert.Equal(t, ActionHold, signal.Action, "parabolic spikes must never be chased")
	assert.Equal(t, 0.75, signal.Confidence)
	assert.Equal(t, RiskExtreme, signal.RiskLevel)
}

func TestMegaPumpBranches(t *testing.T) {
	d := newTestDetector()

	highVolUp := d.Classify(update(0.35, 0, 6, 0.05), nil)
	assert.Equal(t, MegaPump, highVolUp.Pattern)
	assert.Equal(t, ActionHold, highVolUp.Action)
	assert.Equal(t, 0.80, highVolUp.Confidence)

	highVolDown := d.Classify(update(0.35, 0, 6, -0.05), nil)
	assert.Equal(t, ActionSell, highVolDown.Action, "fading momentum on a mega pump means sell")

	lowVol := d.Classify(update(0.35, 0, 1, 0.05), nil)
	assert.Equal(t, 0.70, lowVol.Confidence)
	assert.Equal(t, ActionHold, lowVol.Action)
}

func TestMidPumpBranches(t *testing.T) {
	d := newTestDetector()

	strong := d.Classify(update(0.20, 0.10, 1, 0.03), nil)
	assert.Equal(t, MidPump, strong.Pattern)
	assert.Equal(t, ActionBuy, strong.Action)
	assert.Equal(t, 0.75, strong.Confidence)

	// Already pumped 25%+ over 5 minutes: too late to chase
	extended := d.Classify(update(0.20, 0.30, 1, 0.03), nil)
	assert.Equal(t, ActionHold, extended.Action)

	weak := d.Classify(update(0.20, 0.10, 1, 0.01), nil)
	assert.Equal(t, 0.65, weak.Confidence)
	assert.Equal(t, ActionHold, weak.Action)
}

func TestMicroPumpBranches(t *testing.T) {
	d := newTestDetector()

	confirmed := d.Classify(update(0.08, 0.02, 4, 0.01), nil)
	assert.Equal(t, MicroPump, confirmed.Pattern)
	assert.Equal(t, ActionBuy, confirmed.Action)
	assert.Equal(t, 0.70, confirmed.Confidence)

	unconfirmed := d.Classify(update(0.08, 0.02, 1, 0.01), nil)
	assert.Equal(t, ActionBuy, unconfirmed.Action)
	assert.Equal(t, 0.60, unconfirmed.Confidence)
}

func TestDeadCatBounceNeedsRecentDump(t *testing.T) {
	d := newTestDetector()

	bounce := update(0.03, -0.10, 1, -0.02)

	noDump := d.Classify(bounce, []PatternType{Sideways, Sideways})
	assert.NotEqual(t, DeadCatBounce, noDump.Pattern)

	afterDump := d.Classify(bounce, []PatternType{Dump})
	require.Equal(t, DeadCatBounce, afterDump.Pattern)
	assert.Equal(t, ActionSell, afterDump.Action)

	// Dump outside the last three patterns no longer counts
	staleDump := d.Classify(bounce, []PatternType{Dump, Sideways, Sideways, Sideways})
	assert.NotEqual(t, DeadCatBounce, staleDump.Pattern)
}

func TestAccumulationAndDistribution(t *testing.T) {
	d := newTestDetector()

	accum := d.Classify(update(0.02, 0.08, 1, 0.01), nil)
	assert.Equal(t, Accumulation, accum.Pattern)
	assert.Equal(t, ActionBuy, accum.Action)

	distrib := d.Classify(update(-0.03, -0.08, 1, -0.01), nil)
	assert.Equal(t, Distribution, distrib.Pattern)
	assert.Equal(t, ActionSell, distrib.Action)
}

func TestSidewaysAndUnknown(t *testing.T) {
	d := newTestDetector()

	sideways := d.Classify(update(0.01, 0.02, 1, 0), nil)
	assert.Equal(t, Sideways, sideways.Pattern)
	assert.Equal(t, ActionHold, sideways.Action)

	// Moderate 1m move with flat 5m falls through every branch
	unknown := d.Classify(update(0.03, 0.06, 1, -0.02), nil)
	assert.Equal(t, Unknown, unknown.Pattern)
	assert.Equal(t, 0.40, unknown.Confidence)
}

func TestClassifyIsDeterministic(t *testing.T) {
	d := newTestDetector()
	u := update(0.20, 0.10, 4, 0.03)
	history := []PatternType{MicroPump, MidPump}

	first := d.Classify(u, history)
	second := d.Classify(u, history)

	assert.Equal(t, first, second)
}

func TestDetectRecordsBoundedHistory(t *testing.T) {
	d := newTestDetector()

	for i := 0; i < 15; i++ {
		d.Detect(update(0.08, 0.02, 4, 0.01))
	}

	recent := d.Recent("memecoin")
	assert.Len(t, recent, maxRecentPatterns)
	for _, pattern := range recent {
		assert.Equal(t, MicroPump, pattern)
	}
}

func TestSuggestedLevels(t *testing.T) {
	d := newTestDetector()

	mega := d.Classify(update(0.35, 0, 6, 0.05), nil)
	assert.InDelta(t, 0.85, mega.StopLossSuggested, 1e-9)
	assert.InDelta(t, 1.50, mega.TakeProfitSuggest, 1e-9)

	rug := d.Classify(update(-0.55, 0, 1, 0), nil)
	assert.Zero(t, rug.StopLossSuggested, "rug pulls get no levels")
	assert.Zero(t, rug.TakeProfitSuggest)

	unknown := d.Classify(update(0.03, 0.06, 1, -0.02), nil)
	assert.InDelta(t, 0.90, unknown.StopLossSuggested, 1e-9)
	assert.InDelta(t, 1.25, unknown.TakeProfitSuggest, 1e-9)
}

func TestUrgencyScore(t *testing.T) {
	tests := []struct {
		name   string
		signal Signal
		want   float64
	}{
		{"rug capped at one", Signal{Pattern: RugPull, Change1m: -0.55, VolumeSpike: 8}, 1.0},
		{"dump with magnitude bump", Signal{Pattern: Dump, Change1m: -0.25}, 1.0},
		{"sideways stays low", Signal{Pattern: Sideways, Change1m: 0.01}, 0.20},
		{"micro with volume bump", Signal{Pattern: MicroPump, Change1m: 0.06, VolumeSpike: 4}, 0.55},
		{"mid with both bumps", Signal{Pattern: MidPump, Change1m: 0.18, VolumeSpike: 6}, 0.80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, UrgencyScore(&tt.signal), 1e-9)
		})
	}
}
