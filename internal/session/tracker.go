// Package session tracks which identified vehicle is currently at a scale.
package session

import (
	"time"

	"palletsync/go-mqtt-server/internal/model"
)

// ChangeKind names a session state transition.
type ChangeKind string

const (
	Activated ChangeKind = "activated"
	Refreshed ChangeKind = "refreshed"
	Replaced  ChangeKind = "replaced"
	Expired   ChangeKind = "expired"
	Closed    ChangeKind = "closed"
)

// Change describes a transition. Previous is set when a session ended;
// Current is set when one is active after the transition.
type Change struct {
	Kind     ChangeKind
	Previous *model.VehicleSession
	Current  *model.VehicleSession
	At       time.Time
}

// Tracker is the two-state machine NoActiveVehicle / ActiveVehicle for one
// device. It is owned by a single device worker and is not safe for
// concurrent use.
type Tracker struct {
	timeout time.Duration
	active  *model.VehicleSession
}

// NewTracker returns a tracker whose sessions expire after timeout without
// weight activity.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{timeout: timeout}
}

// Active returns the current session, if any.
func (t *Tracker) Active() (model.VehicleSession, bool) {
	if t.active == nil {
		return model.VehicleSession{}, false
	}
	return *t.active, true
}

// VehicleID returns the active vehicle or an empty string.
func (t *Tracker) VehicleID() string {
	if t.active == nil {
		return ""
	}
	return t.active.VehicleID
}

// Tap handles an identification tap.
func (t *Tracker) Tap(vehicleID string, now time.Time) Change {
	if t.active != nil && t.active.VehicleID == vehicleID {
		t.active.ExpiresAt = now.Add(t.timeout)
		current := *t.active
		return Change{Kind: Refreshed, Current: &current, At: now}
	}

	change := Change{Kind: Activated, At: now}
	if t.active != nil {
		previous := *t.active
		change.Kind = Replaced
		change.Previous = &previous
	}

	t.active = &model.VehicleSession{
		VehicleID:   vehicleID,
		ActivatedAt: now,
		ExpiresAt:   now.Add(t.timeout),
	}
	current := *t.active
	change.Current = &current
	return change
}

// Touch extends the active session after a weight-changing reading.
func (t *Tracker) Touch(now time.Time) {
	if t.active != nil {
		t.active.ExpiresAt = now.Add(t.timeout)
	}
}

// Expire ends the active session once its inactivity window has elapsed.
func (t *Tracker) Expire(now time.Time) (Change, bool) {
	if t.active == nil || now.Before(t.active.ExpiresAt) {
		return Change{}, false
	}
	return t.end(Expired, now), true
}

// Close ends the active session explicitly. Closing with no active session
// reports false.
func (t *Tracker) Close(now time.Time) (Change, bool) {
	if t.active == nil {
		return Change{}, false
	}
	return t.end(Closed, now), true
}

func (t *Tracker) end(kind ChangeKind, now time.Time) Change {
	previous := *t.active
	t.active = nil
	return Change{Kind: kind, Previous: &previous, At: now}
}
