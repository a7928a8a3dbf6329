package pricefeed

import (
	"math"
	"time"
)

// Samples per derived window at the default 5s poll interval
const (
	DefaultMaxHistory = 60 // ~5 minutes of samples
	samplesPerMinute  = 12
	volatilityWindow  = 20
	momentumWindow    = 3
)

// PriceSample is a single immutable price/volume observation
type PriceSample struct {
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// History is a rolling per-instrument buffer of price samples.
// It is not safe for concurrent use; the monitor owns it and mutates it
// only from the polling loop.
type History struct {
	instrument string
	samples    []PriceSample
	maxSize    int
}

// NewHistory creates a rolling history for one instrument
func NewHistory(instrument string, maxSize int) *History {
	if maxSize <= 0 {
		maxSize = DefaultMaxHistory
	}
	return &History{
		instrument: instrument,
		samples:    make([]PriceSample, 0, maxSize),
		maxSize:    maxSize,
	}
}

// Instrument returns the instrument this history tracks
func (h *History) Instrument() string { return h.instrument }

// Len returns the number of retained samples
func (h *History) Len() int { return len(h.samples) }

// Add appends a sample, evicting the oldest when full. Samples with
// timestamps not after the latest retained sample are dropped to keep
// the buffer monotonic.
func (h *History) Add(price, volume float64, ts time.Time) bool {
	if n := len(h.samples); n > 0 && !ts.After(h.samples[n-1].Timestamp) {
		return false
	}
	if len(h.samples) >= h.maxSize {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:len(h.samples)-1]
	}
	h.samples = append(h.samples, PriceSample{Price: price, Volume: volume, Timestamp: ts})
	return true
}

// CurrentPrice returns the latest price, 0 if empty
func (h *History) CurrentPrice() float64 {
	if len(h.samples) == 0 {
		return 0
	}
	return h.samples[len(h.samples)-1].Price
}

// CurrentVolume returns the latest volume, 0 if empty
func (h *History) CurrentVolume() float64 {
	if len(h.samples) == 0 {
		return 0
	}
	return h.samples[len(h.samples)-1].Volume
}

// changeOver returns the fractional change against the sample `steps` back,
// clamped to the oldest retained sample. 0 when there is no usable base.
func (h *History) changeOver(steps int) float64 {
	n := len(h.samples)
	if n == 0 {
		return 0
	}
	base := h.samples[max(0, n-steps)].Price
	if base <= 0 {
		return 0
	}
	return (h.samples[n-1].Price - base) / base
}

// Change1m returns the fractional price change over roughly one minute
func (h *History) Change1m() float64 { return h.changeOver(samplesPerMinute) }

// Change5m returns the fractional price change over roughly five minutes
func (h *History) Change5m() float64 { return h.changeOver(h.maxSize) }

// VolumeSpike returns current volume relative to the buffer average.
// 1.0 means normal; values above 1 mean elevated volume.
func (h *History) VolumeSpike() float64 {
	if len(h.samples) == 0 {
		return 1.0
	}
	var sum float64
	for _, s := range h.samples {
		sum += s.Volume
	}
	avg := sum / float64(len(h.samples))
	if avg <= 0 {
		return 1.0
	}
	return h.CurrentVolume() / avg
}

// Momentum returns the mean of the last few consecutive fractional price
// deltas. Positive means accelerating up, negative accelerating down.
func (h *History) Momentum() float64 {
	n := len(h.samples)
	if n < momentumWindow {
		return 0
	}

	var sum float64
	var count int
	for i := max(1, n-momentumWindow); i < n; i++ {
		prev := h.samples[i-1].Price
		if prev <= 0 {
			continue
		}
		sum += (h.samples[i].Price - prev) / prev
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Volatility returns the population standard deviation of fractional
// deltas over up to the last 20 samples. 0 with fewer than 5 samples.
func (h *History) Volatility() float64 {
	n := len(h.samples)
	if n < 5 {
		return 0
	}

	start := max(1, n-volatilityWindow)
	changes := make([]float64, 0, n-start)
	for i := start; i < n; i++ {
		prev := h.samples[i-1].Price
		if prev <= 0 {
			continue
		}
		changes = append(changes, (h.samples[i].Price-prev)/prev)
	}
	if len(changes) == 0 {
		return 0
	}

	var mean float64
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))

	var variance float64
	for _, c := range changes {
		variance += (c - mean) * (c - mean)
	}
	variance /= float64(len(changes))

	return math.Sqrt(variance)
}

// Snapshot builds a PriceUpdate from the latest state of the buffer
func (h *History) Snapshot() *PriceUpdate {
	n := len(h.samples)
	if n == 0 {
		return nil
	}
	latest := h.samples[n-1]
	return &PriceUpdate{
		Instrument:  h.instrument,
		Price:       latest.Price,
		Volume:      latest.Volume,
		Timestamp:   latest.Timestamp,
		Change1m:    h.Change1m(),
		Change5m:    h.Change5m(),
		VolumeSpike: h.VolumeSpike(),
		Momentum:    h.Momentum(),
	}
}
