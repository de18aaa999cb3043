// Package callend implements the Call-Ending Controller (§4.8): a small
// state machine that ends a call naturally once both sides have signaled
// goodbye, without cutting off a false goodbye.
//
// Grounded on resilience.CircuitBreaker's State-enum + mutex-guarded
// transition idiom: a four-state machine (IDLE -> ARMED -> ENDING -> ENDED)
// with a timer managed under the same lock as the state.
package callend

import (
	"log/slog"
	"sync"
	"time"

	"github.com/careline-ai/careline/pkg/types"
)

// GraceTimeout is the grace period after arming during which any user
// speech cancels the pending end (§4.8).
const GraceTimeout = 3500 * time.Millisecond

// State is the controller's current operating mode.
type State int

const (
	// StateIdle is the normal operating state: watching for a goodbye pair.
	StateIdle State = iota
	// StateArmed means a goodbye exchange occurred; the grace timer is running.
	StateArmed
	// StateEnding means the grace timer expired (or a force-end fired); the
	// pipeline is being told to wind down.
	StateEnding
	// StateEnded is terminal: the transport and post-call processor have taken over.
	StateEnded
)

// String returns the state's human-readable name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Controller tracks goodbye signals from both sides of the call and arms/
// disarms a grace timer accordingly. Safe for concurrent use: user-speech
// events and assistant-output events typically arrive on different
// goroutines.
type Controller struct {
	name string

	mu            sync.Mutex
	state         State
	userGoodbye   bool // strong user goodbye seen since last reset
	assistantBye  bool // assistant goodbye seen since last reset
	timer         *time.Timer
	onEnd         func()
}

// New creates a Controller in StateIdle. onEnd is invoked exactly once,
// from the internal timer goroutine or a direct ForceEnd call, when the
// controller transitions to StateEnding.
func New(name string, onEnd func()) *Controller {
	return &Controller{name: name, state: StateIdle, onEnd: onEnd}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ObserveUser reports a Layer-1 goodbye-strength classification for the
// latest user utterance. Any speech while ARMED cancels the grace timer and
// returns to IDLE; a strong goodbye paired with a prior assistant goodbye
// (or vice versa, via ObserveAssistant) arms the timer.
func (c *Controller) ObserveUser(strength types.GoodbyeStrength, hasSpeech bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateArmed && hasSpeech {
		c.disarmLocked("user spoke during grace period")
		// The new utterance may itself carry a fresh goodbye; fall through to
		// re-evaluate below rather than returning early.
	}
	if c.state != StateIdle {
		return
	}

	if strength == types.GoodbyeStrong {
		c.userGoodbye = true
		c.tryArmLocked()
	}
}

// ObserveAssistant reports whether the assistant's completed utterance
// contained a goodbye cue.
func (c *Controller) ObserveAssistant(isGoodbye bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle || !isGoodbye {
		return
	}
	c.assistantBye = true
	c.tryArmLocked()
}

// tryArmLocked arms the grace timer once both sides have signaled goodbye.
// Must be called with c.mu held.
func (c *Controller) tryArmLocked() {
	if !c.userGoodbye || !c.assistantBye {
		return
	}
	c.state = StateArmed
	slog.Info("callend: armed", "controller", c.name)
	c.timer = time.AfterFunc(GraceTimeout, c.onGraceExpired)
}

// onGraceExpired runs in its own goroutine when the grace timer fires
// without being cancelled.
func (c *Controller) onGraceExpired() {
	c.mu.Lock()
	if c.state != StateArmed {
		c.mu.Unlock()
		return
	}
	c.state = StateEnding
	c.mu.Unlock()

	slog.Info("callend: grace period expired, ending call", "controller", c.name)
	if c.onEnd != nil {
		c.onEnd()
	}
}

// disarmLocked cancels the grace timer and returns to IDLE. Must be called
// with c.mu held.
func (c *Controller) disarmLocked(reason string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateIdle
	c.userGoodbye = false
	c.assistantBye = false
	slog.Info("callend: disarmed", "controller", c.name, "reason", reason)
}

// ForceEnd transitions directly to StateEnding regardless of current state,
// honoring the Director's force_end signal or the 12-minute hard cap
// (§4.8). Idempotent: calling it after the controller is already ending or
// ended is a no-op.
func (c *Controller) ForceEnd(reason string) {
	c.mu.Lock()
	if c.state == StateEnding || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateEnding
	c.mu.Unlock()

	slog.Info("callend: force end", "controller", c.name, "reason", reason)
	if c.onEnd != nil {
		c.onEnd()
	}
}

// MarkEnded transitions to the terminal StateEnded once the transport has
// actually closed.
func (c *Controller) MarkEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateEnded
}
