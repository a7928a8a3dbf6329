package patterns

import (
	"fmt"
	"math"
)

// metrics are the inputs the cascade classifies on
type metrics struct {
	change1m    float64
	change5m    float64
	volumeSpike float64
	momentum    float64
}

// outcome is the full classification result of a matched rule
type outcome struct {
	pattern    PatternType
	strength   Strength
	confidence float64
	action     Action
	risk       RiskLevel
	reason     string
}

// classify evaluates the rule cascade in strict priority order; the first
// matching rule wins. The order is load-bearing: a -55% move must always
// classify as a rug pull even though it also satisfies the dump rule.
func (d *Detector) classify(m metrics, recent []PatternType) outcome {
	rules := []func(metrics, []PatternType) *outcome{
		d.ruleRugPull,
		d.ruleDump,
		d.ruleFomoSpike,
		d.ruleMegaPump,
		d.ruleMidPump,
		d.ruleMicroPump,
		d.ruleDeadCatBounce,
		d.ruleAccumulation,
		d.ruleDistribution,
		d.ruleSideways,
	}

	for _, rule := range rules {
		if out := rule(m, recent); out != nil {
			return *out
		}
	}

	return outcome{
		pattern:    Unknown,
		strength:   StrengthLow,
		confidence: 0.40,
		action:     ActionHold,
		risk:       RiskMedium,
		reason:     "no clear pattern detected",
	}
}

func (d *Detector) ruleRugPull(m metrics, _ []PatternType) *outcome {
	if m.change1m > d.config.RugThreshold {
		return nil
	}
	return &outcome{
		pattern:    RugPull,
		strength:   StrengthCritical,
		confidence: 0.95,
		action:     ActionEmergencyExit,
		risk:       RiskExtreme,
		reason:     fmt.Sprintf("price crashed %.1f%% in 1m, likely rug pull", m.change1m*100),
	}
}

func (d *Detector) ruleDump(m metrics, recent []PatternType) *outcome {
	if m.change1m > d.config.DumpThreshold {
		return nil
	}
	// A dump right after a pump reads as profit taking, which is a more
	// reliable exit signal than an isolated drop.
	if containsAny(recent, MegaPump, MidPump) {
		return &outcome{
			pattern:    Dump,
			strength:   StrengthHigh,
			confidence: 0.85,
			action:     ActionSell,
			risk:       RiskHigh,
			reason:     fmt.Sprintf("dump after pump: %.1f%% drop, profit taking exit", m.change1m*100),
		}
	}
	return &outcome{
		pattern:    Dump,
		strength:   StrengthHigh,
		confidence: 0.80,
		action:     ActionSell,
		risk:       RiskHigh,
		reason:     fmt.Sprintf("rapid dump: %.1f%% in 1m", m.change1m*100),
	}
}

func (d *Detector) ruleFomoSpike(m metrics, _ []PatternType) *outcome {
	if m.change1m < d.config.FomoThreshold {
		return nil
	}
	return &outcome{
		pattern:    FomoSpike,
		strength:   StrengthHigh,
		confidence: 0.75,
		action:     ActionHold, // Do not chase, reversal likely
		risk:       RiskExtreme,
		reason:     fmt.Sprintf("FOMO spike: %.1f%% in 1m, do not chase", m.change1m*100),
	}
}

func (d *Detector) ruleMegaPump(m metrics, _ []PatternType) *outcome {
	if m.change1m < d.config.MegaPumpThreshold {
		return nil
	}
	if m.volumeSpike >= d.config.HighVolumeThreshold {
		action := ActionHold
		if m.momentum < 0 {
			action = ActionSell
		}
		return &outcome{
			pattern:    MegaPump,
			strength:   StrengthHigh,
			confidence: 0.80,
			action:     action,
			risk:       RiskHigh,
			reason:     fmt.Sprintf("mega pump: %.1f%% with %.1fx volume", m.change1m*100, m.volumeSpike),
		}
	}
	return &outcome{
		pattern:    MegaPump,
		strength:   StrengthMedium,
		confidence: 0.70,
		action:     ActionHold,
		risk:       RiskHigh,
		reason:     fmt.Sprintf("mega pump: %.1f%%, watching for reversal", m.change1m*100),
	}
}

func (d *Detector) ruleMidPump(m metrics, _ []PatternType) *outcome {
	if m.change1m < d.config.MidPumpThreshold {
		return nil
	}
	if m.momentum >= d.config.StrongMomentum {
		action := ActionBuy
		if m.change5m >= d.config.Pump5mThreshold {
			action = ActionHold
		}
		return &outcome{
			pattern:    MidPump,
			strength:   StrengthMedium,
			confidence: 0.75,
			action:     action,
			risk:       RiskMedium,
			reason:     fmt.Sprintf("mid pump: %.1f%% with strong momentum", m.change1m*100),
		}
	}
	return &outcome{
		pattern:    MidPump,
		strength:   StrengthLow,
		confidence: 0.65,
		action:     ActionHold,
		risk:       RiskMedium,
		reason:     fmt.Sprintf("mid pump: %.1f%%, momentum weakening", m.change1m*100),
	}
}

func (d *Detector) ruleMicroPump(m metrics, _ []PatternType) *outcome {
	if m.change1m < d.config.MicroPumpThreshold {
		return nil
	}
	if m.volumeSpike >= d.config.VolumeSpikeThreshold {
		return &outcome{
			pattern:    MicroPump,
			strength:   StrengthMedium,
			confidence: 0.70,
			action:     ActionBuy,
			risk:       RiskLow,
			reason:     fmt.Sprintf("micro pump: %.1f%% with volume confirmation", m.change1m*100),
		}
	}
	return &outcome{
		pattern:    MicroPump,
		strength:   StrengthLow,
		confidence: 0.60,
		action:     ActionBuy,
		risk:       RiskLow,
		reason:     fmt.Sprintf("micro pump: %.1f%%, low volume, cautious entry", m.change1m*100),
	}
}

func (d *Detector) ruleDeadCatBounce(m metrics, recent []PatternType) *outcome {
	if m.change1m <= 0 || m.momentum > d.config.WeakMomentum {
		return nil
	}
	tail := recent
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	if !containsAny(tail, Dump) {
		return nil
	}
	return &outcome{
		pattern:    DeadCatBounce,
		strength:   StrengthMedium,
		confidence: 0.70,
		action:     ActionSell,
		risk:       RiskHigh,
		reason:     "dead cat bounce: false recovery, don't buy the dip",
	}
}

func (d *Detector) ruleAccumulation(m metrics, _ []PatternType) *outcome {
	if m.change1m <= 0 || m.change1m >= d.config.MicroPumpThreshold {
		return nil
	}
	if m.change5m <= 0.05 || m.momentum <= 0 {
		return nil
	}
	return &outcome{
		pattern:    Accumulation,
		strength:   StrengthLow,
		confidence: 0.60,
		action:     ActionBuy,
		risk:       RiskLow,
		reason:     fmt.Sprintf("accumulation: slow steady rise (%.1f%% in 5m)", m.change5m*100),
	}
}

func (d *Detector) ruleDistribution(m metrics, _ []PatternType) *outcome {
	if m.change1m <= d.config.DumpThreshold || m.change1m >= 0 || m.change5m >= -0.05 {
		return nil
	}
	return &outcome{
		pattern:    Distribution,
		strength:   StrengthLow,
		confidence: 0.55,
		action:     ActionSell,
		risk:       RiskMedium,
		reason:     fmt.Sprintf("distribution: slow decline (%.1f%% in 5m)", m.change5m*100),
	}
}

func (d *Detector) ruleSideways(m metrics, _ []PatternType) *outcome {
	if math.Abs(m.change1m) >= 0.02 || math.Abs(m.change5m) >= 0.05 {
		return nil
	}
	return &outcome{
		pattern:    Sideways,
		strength:   StrengthLow,
		confidence: 0.50,
		action:     ActionHold,
		risk:       RiskLow,
		reason:     "sideways movement, no clear direction",
	}
}

func containsAny(history []PatternType, targets ...PatternType) bool {
	for _, p := range history {
		for _, t := range targets {
			if p == t {
				return true
			}
		}
	}
	return false
}
