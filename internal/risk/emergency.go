// emergency.go is the kill switch. It arms on any of: daily loss limit
// exceeded, too many consecutive losses, upstream API down too long, stale
// position valuation, an unusually high error rate, or a manual trigger.
// While armed, rule 10 of the checker rejects every new order. Disarming
// requires the configured reset token.
package risk

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"qb-trader/internal/bus"
	"qb-trader/pkg/types"
)

const (
	apiDownAfter        = time.Minute
	valuationStaleAfter = 2 * time.Minute
	errorRateWindow     = time.Minute
	errorRateBudget     = 10
)

// ErrBadResetToken is returned by Disarm on a token mismatch.
var ErrBadResetToken = errors.New("risk: reset token mismatch")

// EmergencyStop is shared between the checker (rule 10) and the monitors
// that feed its arm conditions.
type EmergencyStop struct {
	bus        bus.Bus
	resetToken string
	logger     *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	armed         bool
	reason        string
	apiDownSince  time.Time
	lastValuation time.Time
	errorTimes    []time.Time
}

// NewEmergencyStop creates a disarmed stop.
func NewEmergencyStop(resetToken string, b bus.Bus, logger *slog.Logger) *EmergencyStop {
	return &EmergencyStop{
		bus:        b,
		resetToken: resetToken,
		logger:     logger.With("component", "emergency_stop"),
		now:        time.Now,
	}
}

// Armed reports the current state.
func (e *EmergencyStop) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed
}

// Reason returns the arming reason, empty when disarmed.
func (e *EmergencyStop) Reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// Arm trips the stop. Idempotent: re-arming keeps the first reason.
func (e *EmergencyStop) Arm(reason string) {
	e.mu.Lock()
	if e.armed {
		e.mu.Unlock()
		return
	}
	e.armed = true
	e.reason = reason
	e.mu.Unlock()

	e.logger.Error("EMERGENCY STOP ARMED", "reason", reason)
	e.publish(true, reason)
}

// Disarm resets the stop when the token matches.
func (e *EmergencyStop) Disarm(token string) error {
	if token == "" || token != e.resetToken {
		return ErrBadResetToken
	}
	e.mu.Lock()
	if !e.armed {
		e.mu.Unlock()
		return nil
	}
	e.armed = false
	reason := e.reason
	e.reason = ""
	e.errorTimes = nil
	e.mu.Unlock()

	e.logger.Warn("emergency stop disarmed", "was", reason)
	e.publish(false, "reset")
	return nil
}

func (e *EmergencyStop) publish(armed bool, reason string) {
	e.bus.Publish(bus.NewEnvelope(bus.TopicEmergencyStop, "risk", bus.EmergencyStopEvent{
		Armed:  armed,
		Reason: reason,
		TS:     e.now().UTC(),
	}))
}

// NoteValuation records a fresh portfolio valuation.
func (e *EmergencyStop) NoteValuation(ts time.Time) {
	e.mu.Lock()
	if ts.After(e.lastValuation) {
		e.lastValuation = ts
	}
	e.mu.Unlock()
}

// NoteAPIDown marks the upstream API unreachable; NoteAPIUp clears it.
func (e *EmergencyStop) NoteAPIDown() {
	e.mu.Lock()
	if e.apiDownSince.IsZero() {
		e.apiDownSince = e.now()
	}
	e.mu.Unlock()
}

func (e *EmergencyStop) NoteAPIUp() {
	e.mu.Lock()
	e.apiDownSince = time.Time{}
	e.mu.Unlock()
}

// NoteError records one component error toward the rate condition.
func (e *EmergencyStop) NoteError() {
	now := e.now()
	cutoff := now.Add(-errorRateWindow)
	e.mu.Lock()
	kept := e.errorTimes[:0]
	for _, t := range e.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.errorTimes = append(kept, now)
	e.mu.Unlock()
}

// Evaluate checks the automatic arm conditions against the current context.
// Called by the portfolio monitor each cycle.
func (e *EmergencyStop) Evaluate(ctx types.RiskContext, limits Limits) {
	if e.Armed() {
		return
	}
	now := e.now()

	if ctx.RealizedPnLToday.LessThanOrEqual(limits.MaxDailyLoss.Neg()) {
		e.Arm(ReasonDailyLoss)
		return
	}
	if ctx.ConsecLosses >= limits.MaxConsecLosses {
		e.Arm(ReasonConsecutiveLoss)
		return
	}

	e.mu.Lock()
	apiDown := !e.apiDownSince.IsZero() && now.Sub(e.apiDownSince) > apiDownAfter
	stale := !e.lastValuation.IsZero() && now.Sub(e.lastValuation) > valuationStaleAfter
	errRate := len(e.errorTimes) >= errorRateBudget
	e.mu.Unlock()

	switch {
	case apiDown:
		e.Arm("api_down")
	case stale:
		e.Arm("stale_valuation")
	case errRate:
		e.Arm("error_rate")
	}
}
