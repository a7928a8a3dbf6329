package patterns

// levelTable maps a pattern to stop-loss / take-profit fractions off the
// detection price. Rug pulls get no levels: the position is assumed lost
// and the emergency path handles it.
var levelTable = map[PatternType][2]float64{
	MegaPump:  {0.15, 0.50},
	MidPump:   {0.10, 0.30},
	MicroPump: {0.08, 0.20},
	FomoSpike: {0.05, 0.15},
	Dump:      {0.05, 0.10},
}

const (
	defaultStopLossPct   = 0.10
	defaultTakeProfitPct = 0.25
)

// suggestedLevels computes stop-loss and take-profit prices for a pattern.
// Returns zeros when no levels apply.
func suggestedLevels(currentPrice float64, pattern PatternType) (stopLoss, takeProfit float64) {
	if currentPrice <= 0 || pattern == RugPull {
		return 0, 0
	}

	slPct, tpPct := defaultStopLossPct, defaultTakeProfitPct
	if levels, ok := levelTable[pattern]; ok {
		slPct, tpPct = levels[0], levels[1]
	}

	return currentPrice * (1 - slPct), currentPrice * (1 + tpPct)
}

// urgencyBase ranks how quickly each pattern demands action
var urgencyBase = map[PatternType]float64{
	RugPull:       1.0,
	Dump:          0.85,
	FomoSpike:     0.75,
	MegaPump:      0.70,
	DeadCatBounce: 0.65,
	MidPump:       0.60,
	MicroPump:     0.50,
	Distribution:  0.45,
	Accumulation:  0.40,
	Unknown:       0.30,
	Sideways:      0.20,
}

// UrgencyScore maps a signal to a 0-1 priority used to order exit
// execution. Higher means act faster.
func UrgencyScore(signal *Signal) float64 {
	score, ok := urgencyBase[signal.Pattern]
	if !ok {
		score = 0.5
	}

	magnitude := signal.Change1m
	if magnitude < 0 {
		magnitude = -magnitude
	}
	switch {
	case magnitude > 0.20:
		score += 0.15
	case magnitude > 0.10:
		score += 0.10
	}

	switch {
	case signal.VolumeSpike > 5:
		score += 0.10
	case signal.VolumeSpike > 3:
		score += 0.05
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
