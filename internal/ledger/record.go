// Package ledger holds the warning ledger model: per-instance escalation
// records, cached owner identities, the pure transitions that move a record
// between states, and the repository interfaces backends implement.
package ledger

import "time"

// PostponeWindow is how long a postpone override holds escalation.
const PostponeWindow = time.Hour

// IdentityTTL is how long a cached identity is trusted before a refresh.
const IdentityTTL = 24 * time.Hour

// WarningRecord tracks escalation state for one instance.
type WarningRecord struct {
	ResourceID string     `json:"instance_id"`
	Name       string     `json:"name"`
	Strikes    int        `json:"strikes"`
	LaunchTime time.Time  `json:"launch_date"`
	DelayUntil *time.Time `json:"delay_shutdown,omitempty"`
	Silenced   bool       `json:"silenced"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	// Version increments on every save. Optimistic backends compare it.
	Version int64 `json:"version"`
}

// Held reports whether the record is inside a postpone window at now.
func (r WarningRecord) Held(now time.Time) bool {
	return r.DelayUntil != nil && now.Before(*r.DelayUntil)
}

// Clone returns a copy that shares no pointers with r.
func (r WarningRecord) Clone() WarningRecord {
	c := r
	if r.DelayUntil != nil {
		d := *r.DelayUntil
		c.DelayUntil = &d
	}
	return c
}

// IdentityRecord caches a directory lookup for one owner email.
type IdentityRecord struct {
	Email     string    `json:"email"`
	UserID    string    `json:"slack_user_id"`
	Timezone  string    `json:"timezone"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stale reports whether the record must be refreshed before it is trusted.
func (r IdentityRecord) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.UpdatedAt) >= ttl
}

// NewWarning creates the first-strike record for an instance.
func NewWarning(id, name string, launch, now time.Time) WarningRecord {
	return WarningRecord{
		ResourceID: id,
		Name:       name,
		Strikes:    1,
		LaunchTime: launch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Strike adds one escalation step.
func Strike(r WarningRecord, now time.Time) WarningRecord {
	next := r.Clone()
	next.Strikes++
	next.UpdatedAt = now
	return next
}

// Postpone holds the record for window and forgives prior strikes.
// The silenced flag is left as it was.
func Postpone(r WarningRecord, now time.Time, window time.Duration) WarningRecord {
	next := r.Clone()
	until := now.Add(window)
	next.DelayUntil = &until
	next.Strikes = 1
	next.UpdatedAt = now
	return next
}

// Silence suppresses future warnings and clears any hold.
func Silence(r WarningRecord, now time.Time) WarningRecord {
	next := r.Clone()
	next.Silenced = true
	next.DelayUntil = nil
	next.UpdatedAt = now
	return next
}
