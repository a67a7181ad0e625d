// Package governor drives running instances through the escalation
// sequence: warn, warn again, then stop.
package governor

import (
	"time"

	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/pkg/resource"
)

// DefaultMaxStrikes is the number of warnings before termination.
const DefaultMaxStrikes = 3

// Action is the escalation step chosen for one instance.
type Action int

const (
	// ActionCreate opens a warning record at one strike.
	ActionCreate Action = iota
	// ActionHold leaves a postponed record untouched.
	ActionHold
	// ActionStrike adds a strike.
	ActionStrike
	// ActionTerminate deletes the record and stops the instance.
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionHold:
		return "hold"
	case ActionStrike:
		return "strike"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Notification is the message owed after a decision commits.
type Notification int

const (
	NotifyNone Notification = iota
	NotifyWarning
	NotifyShutdown
)

func (n Notification) String() string {
	switch n {
	case NotifyWarning:
		return "warning"
	case NotifyShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Input is what Decide needs to know about an eligible instance.
type Input struct {
	Instance   resource.Instance
	Name       string
	MaxStrikes int
}

// Decision is the result of Decide. Record is the record to store for
// create and strike, and the current record for hold and terminate.
type Decision struct {
	Action Action
	Record ledger.WarningRecord
	Notify Notification
}

// Decide picks the next escalation step for an eligible instance given its
// current warning record (nil when none exists). It has no side effects.
func Decide(current *ledger.WarningRecord, in Input, now time.Time) Decision {
	limit := in.MaxStrikes
	if limit <= 0 {
		limit = DefaultMaxStrikes
	}

	if current == nil {
		return Decision{
			Action: ActionCreate,
			Record: ledger.NewWarning(in.Instance.ID, in.Name, in.Instance.LaunchTime, now),
			Notify: NotifyWarning,
		}
	}

	// A hold also defers termination.
	if current.Held(now) {
		return Decision{Action: ActionHold, Record: current.Clone(), Notify: NotifyNone}
	}

	if current.Strikes >= limit {
		return Decision{Action: ActionTerminate, Record: current.Clone(), Notify: NotifyShutdown}
	}

	d := Decision{Action: ActionStrike, Record: ledger.Strike(*current, now), Notify: NotifyWarning}
	if current.Silenced {
		d.Notify = NotifyNone
	}
	return d
}

// Mutation converts the decision into the ledger write it implies.
func (d Decision) Mutation() ledger.Mutation {
	switch d.Action {
	case ActionCreate, ActionStrike:
		return ledger.Put(d.Record)
	case ActionTerminate:
		return ledger.Delete()
	default:
		return ledger.Keep()
	}
}
