package execution

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// KillSwitch halts all new entries while leaving exits untouched.
// Exits must always run: a kill switch that traps open positions is
// worse than no kill switch.
type KillSwitch struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	engaged   bool
	reason    string
	engagedAt time.Time
}

// NewKillSwitch creates a disengaged kill switch
func NewKillSwitch(logger zerolog.Logger) *KillSwitch {
	return &KillSwitch{
		logger: logger.With().Str("component", "kill_switch").Logger(),
	}
}

// Engage blocks new entries until Release is called
func (k *KillSwitch) Engage(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.engaged {
		return
	}
	k.engaged = true
	k.reason = reason
	k.engagedAt = time.Now().UTC()

	k.logger.Error().Str("reason", reason).Msg("kill switch engaged, new entries halted")
}

// Release re-enables entries
func (k *KillSwitch) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.engaged {
		return
	}
	k.engaged = false
	k.reason = ""

	k.logger.Warn().Msg("kill switch released, entries enabled")
}

// Engaged reports whether entries are currently blocked
func (k *KillSwitch) Engaged() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.engaged
}

// Status returns the current state for the status API
func (k *KillSwitch) Status() (engaged bool, reason string, since time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.engaged, k.reason, k.engagedAt
}
