package presence

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
)

// Recency thresholds. Each boundary belongs to the later state.
const (
	IdleAfter = 2 * time.Minute
	AwayAfter = 10 * time.Minute
)

// Bucket maps time since the operator's last activity to a presence state
func Bucket(since time.Duration, seen bool) models.PresenceState {
	switch {
	case !seen:
		return models.PresenceNeverSeen
	case since < IdleAfter:
		return models.PresencePresent
	case since < AwayAfter:
		return models.PresenceIdle
	default:
		return models.PresenceAway
	}
}

// Snapshot is the tracker's view at one instant
type Snapshot struct {
	State        models.PresenceState `json:"state"`
	LastActivity *time.Time           `json:"last_activity,omitempty"`
	Since        time.Duration        `json:"since_ns,omitempty"`
}

// Tracker records operator activity and derives presence from it
type Tracker struct {
	mu       sync.Mutex
	last     time.Time
	seen     bool
	now      func() time.Time
	onReturn []func()
}

// NewTracker creates a tracker that has never seen the operator
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// NewTrackerWithClock creates a tracker using a custom clock, for tests
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

// OnReturn registers fn to run whenever activity moves the operator back to present
func (t *Tracker) OnReturn(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReturn = append(t.onReturn, fn)
}

// Touch records operator activity now
func (t *Tracker) Touch() {
	t.mu.Lock()
	now := t.now()
	wasPresent := t.seen && Bucket(now.Sub(t.last), true) == models.PresencePresent
	t.last = now
	t.seen = true
	callbacks := append([]func(){}, t.onReturn...)
	t.mu.Unlock()

	if wasPresent {
		return
	}
	for _, fn := range callbacks {
		fn()
	}
}

// Get returns the current presence state
func (t *Tracker) Get() models.PresenceState {
	return t.Snapshot().State
}

// Snapshot returns the current state along with the last activity time
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen {
		return Snapshot{State: models.PresenceNeverSeen}
	}
	since := t.now().Sub(t.last)
	last := t.last
	return Snapshot{
		State:        Bucket(since, true),
		LastActivity: &last,
		Since:        since,
	}
}

// Register installs the get_user_presence capability
func Register(reg *capability.Registry, t *Tracker) {
	capability.Register(reg, capability.GetUserPresence, "Report whether the operator is present, idle, away or never seen",
		func(ctx context.Context, _ capability.Empty) (capability.PresenceOutput, error) {
			return capability.PresenceOutput{State: t.Get()}, nil
		})
}
