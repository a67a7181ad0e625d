package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func TestNewWarning(t *testing.T) {
	launch := now.Add(-12 * time.Hour)
	rec := NewWarning("i-1", "build-box", launch, now)

	assert.Equal(t, "i-1", rec.ResourceID)
	assert.Equal(t, "build-box", rec.Name)
	assert.Equal(t, 1, rec.Strikes)
	assert.Equal(t, launch, rec.LaunchTime)
	assert.Nil(t, rec.DelayUntil)
	assert.False(t, rec.Silenced)
	assert.Equal(t, now, rec.CreatedAt)
}

func TestStrike(t *testing.T) {
	rec := NewWarning("i-1", "box", now, now)
	next := Strike(rec, now.Add(time.Minute))

	assert.Equal(t, 2, next.Strikes)
	assert.Equal(t, 1, rec.Strikes, "input must not change")
	assert.Equal(t, now.Add(time.Minute), next.UpdatedAt)
}

func TestPostpone(t *testing.T) {
	rec := NewWarning("i-1", "box", now, now)
	rec.Strikes = 3
	rec.Silenced = true

	next := Postpone(rec, now, PostponeWindow)

	assert.Equal(t, 1, next.Strikes)
	require.NotNil(t, next.DelayUntil)
	assert.Equal(t, now.Add(time.Hour), *next.DelayUntil)
	assert.True(t, next.Silenced, "postpone keeps silence")
	assert.True(t, next.Held(now))
	assert.True(t, next.Held(now.Add(59*time.Minute)))
	assert.False(t, next.Held(now.Add(time.Hour)))
}

func TestPostpone_Reapply(t *testing.T) {
	rec := Postpone(NewWarning("i-1", "box", now, now), now, PostponeWindow)
	later := now.Add(20 * time.Minute)

	again := Postpone(rec, later, PostponeWindow)

	assert.Equal(t, 1, again.Strikes)
	assert.Equal(t, later.Add(time.Hour), *again.DelayUntil)
}

func TestSilence(t *testing.T) {
	rec := Postpone(NewWarning("i-1", "box", now, now), now, PostponeWindow)
	rec.Strikes = 2

	next := Silence(rec, now)

	assert.True(t, next.Silenced)
	assert.Nil(t, next.DelayUntil)
	assert.Equal(t, 2, next.Strikes)
	assert.NotNil(t, rec.DelayUntil, "input must not change")

	assert.Equal(t, next, Silence(next, now))
}

func TestClone_DoesNotAlias(t *testing.T) {
	rec := Postpone(NewWarning("i-1", "box", now, now), now, PostponeWindow)
	c := rec.Clone()
	*c.DelayUntil = now.Add(5 * time.Hour)

	assert.Equal(t, now.Add(time.Hour), *rec.DelayUntil)
}

func TestIdentityRecord_Stale(t *testing.T) {
	rec := IdentityRecord{Email: "a@example.com", UpdatedAt: now.Add(-23 * time.Hour)}
	assert.False(t, rec.Stale(now, IdentityTTL))

	rec.UpdatedAt = now.Add(-24 * time.Hour)
	assert.True(t, rec.Stale(now, IdentityTTL))
}

func TestFinalize(t *testing.T) {
	cur := NewWarning("i-1", "box", now, now)
	cur.Version = 4

	tests := []struct {
		name    string
		current *WarningRecord
		in      Mutation
		wantOp  Op
		wantVer int64
	}{
		{"put new", nil, Put(NewWarning("i-1", "box", now, now)), OpPut, 1},
		{"put existing", &cur, Put(Strike(cur, now)), OpPut, 5},
		{"delete existing", &cur, Delete(), OpDelete, 4},
		{"delete missing", nil, Delete(), OpKeep, 0},
		{"keep existing", &cur, Keep(), OpKeep, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Finalize("i-1", tt.current, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, got.Op)
			assert.Equal(t, tt.wantVer, got.Record.Version)
		})
	}
}

func TestFinalize_KeyMismatch(t *testing.T) {
	_, err := Finalize("i-2", nil, Put(NewWarning("i-1", "box", now, now)))
	require.Error(t, err)
}
