// Package policy decides which instances are eligible for escalation and
// when an owner may be mentioned.
package policy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/curfew/pkg/resource"
)

// OwnerTag and NameTag are the instance tags the governor reads.
const (
	OwnerTag = "Owner"
	NameTag  = "Name"
)

// Verdict is the outcome of evaluating one instance.
type Verdict int

const (
	// Eligible instances enter escalation.
	Eligible Verdict = iota
	// SkipWhitelisted instances carry a whitelisted tag or are exempted by policy.
	SkipWhitelisted
	// SkipTooYoung instances have not yet run past the time limit.
	SkipTooYoung
)

func (v Verdict) String() string {
	switch v {
	case Eligible:
		return "eligible"
	case SkipWhitelisted:
		return "whitelisted"
	case SkipTooYoung:
		return "too_young"
	default:
		return "unknown"
	}
}

// Exempter is an extra exemption check layered over the static whitelist.
type Exempter interface {
	Exempt(ctx context.Context, inst resource.Instance) (bool, error)
}

// Evaluator applies the whitelist and age threshold.
type Evaluator struct {
	whitelist map[resource.Tag]struct{}
	timeLimit time.Duration
	exempter  Exempter
}

// NewEvaluator creates an evaluator. exempter may be nil.
func NewEvaluator(whitelist []resource.Tag, timeLimit time.Duration, exempter Exempter) *Evaluator {
	wl := make(map[resource.Tag]struct{}, len(whitelist))
	for _, tag := range whitelist {
		wl[tag] = struct{}{}
	}
	return &Evaluator{whitelist: wl, timeLimit: timeLimit, exempter: exempter}
}

// Evaluate classifies inst at now. The whitelist wins over age: a
// whitelisted instance is never eligible regardless of how long it ran.
func (e *Evaluator) Evaluate(ctx context.Context, inst resource.Instance, now time.Time) Verdict {
	for _, tag := range inst.Tags() {
		if _, ok := e.whitelist[tag]; ok {
			return SkipWhitelisted
		}
	}

	if e.exempter != nil {
		exempt, err := e.exempter.Exempt(ctx, inst)
		if err != nil {
			// A broken policy must not terminate anything.
			log.Warn().Err(err).Str("instance", inst.ID).Msg("exemption policy failed, treating as exempt")
			return SkipWhitelisted
		}
		if exempt {
			return SkipWhitelisted
		}
	}

	if inst.RunningFor(now) < e.timeLimit {
		return SkipTooYoung
	}
	return Eligible
}

// OwnerEmail returns the Owner tag when it looks like an email address.
func OwnerEmail(inst resource.Instance) string {
	owner := strings.TrimSpace(inst.Tag(OwnerTag))
	if !strings.Contains(owner, "@") {
		return ""
	}
	return owner
}

// DisplayName returns the Name tag, or the instance id when unnamed.
func DisplayName(inst resource.Instance) string {
	if inst.Name != "" {
		return inst.Name
	}
	if name := inst.Tag(NameTag); name != "" {
		return name
	}
	return inst.ID
}
