package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/curfew/pkg/resource"
)

var now = time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC) // Wednesday, 10:00 Pacific

type mockExempter struct {
	ExemptFunc func(ctx context.Context, inst resource.Instance) (bool, error)
}

func (m *mockExempter) Exempt(ctx context.Context, inst resource.Instance) (bool, error) {
	return m.ExemptFunc(ctx, inst)
}

func instance(age time.Duration, labels map[string]string) resource.Instance {
	return resource.Instance{ID: "i-1", LaunchTime: now.Add(-age), Labels: labels}
}

func TestEvaluate(t *testing.T) {
	e := NewEvaluator([]resource.Tag{{Key: "Owner", Value: "AutoScaling"}}, 10*time.Hour, nil)

	tests := []struct {
		name string
		inst resource.Instance
		want Verdict
	}{
		{"old enough", instance(11*time.Hour, nil), Eligible},
		{"exactly at limit", instance(10*time.Hour, nil), Eligible},
		{"too young", instance(9*time.Hour, nil), SkipTooYoung},
		{"whitelisted", instance(30*time.Hour, map[string]string{"Owner": "AutoScaling"}), SkipWhitelisted},
		{"whitelisted and young", instance(time.Hour, map[string]string{"Owner": "AutoScaling"}), SkipWhitelisted},
		{"whitelist value must match", instance(11*time.Hour, map[string]string{"Owner": "autoscaling"}), Eligible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(context.Background(), tt.inst, now))
		})
	}
}

func TestEvaluate_Exempter(t *testing.T) {
	old := instance(11*time.Hour, nil)

	exempt := NewEvaluator(nil, 10*time.Hour, &mockExempter{
		ExemptFunc: func(context.Context, resource.Instance) (bool, error) { return true, nil },
	})
	assert.Equal(t, SkipWhitelisted, exempt.Evaluate(context.Background(), old, now))

	notExempt := NewEvaluator(nil, 10*time.Hour, &mockExempter{
		ExemptFunc: func(context.Context, resource.Instance) (bool, error) { return false, nil },
	})
	assert.Equal(t, Eligible, notExempt.Evaluate(context.Background(), old, now))

	broken := NewEvaluator(nil, 10*time.Hour, &mockExempter{
		ExemptFunc: func(context.Context, resource.Instance) (bool, error) { return false, errors.New("boom") },
	})
	assert.Equal(t, SkipWhitelisted, broken.Evaluate(context.Background(), old, now))
}

func TestOwnerEmail(t *testing.T) {
	assert.Equal(t, "dev@example.com", OwnerEmail(instance(0, map[string]string{"Owner": " dev@example.com "})))
	assert.Empty(t, OwnerEmail(instance(0, map[string]string{"Owner": "AutoScaling"})))
	assert.Empty(t, OwnerEmail(instance(0, nil)))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "box", DisplayName(resource.Instance{ID: "i-1", Name: "box"}))
	assert.Equal(t, "tagged", DisplayName(resource.Instance{ID: "i-1", Labels: map[string]string{"Name": "tagged"}}))
	assert.Equal(t, "i-1", DisplayName(resource.Instance{ID: "i-1"}))
}

func TestWorkHours_Contains(t *testing.T) {
	wh := DefaultWorkHours()

	assert.True(t, wh.Contains(now, ""), "Wednesday 10:00 Pacific")
	assert.False(t, wh.Contains(now, "Asia/Tokyo"), "Thursday 03:00 Tokyo")
	assert.True(t, wh.Contains(now, "Not/AZone"), "unknown zone uses default")

	sat := time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC)
	assert.False(t, wh.Contains(sat, ""))

	assert.True(t, wh.Contains(time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC), ""), "09:00 is inside")
	assert.False(t, wh.Contains(time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC), ""), "17:00 is outside")
}

func TestNewWorkHours_Errors(t *testing.T) {
	_, err := NewWorkHours([]string{"mon"}, 9, 17, "Nowhere/City")
	require.Error(t, err)

	_, err = NewWorkHours([]string{"someday"}, 9, 17, "UTC")
	require.Error(t, err)
}

func TestRegoExempter(t *testing.T) {
	ctx := context.Background()
	r, err := LoadRegoExempter(ctx, "testdata/exempt.rego")
	require.NoError(t, err)

	ci, err := r.Exempt(ctx, resource.Instance{ID: "i-1", Labels: map[string]string{"Environment": "ci"}})
	require.NoError(t, err)
	assert.True(t, ci)

	named, err := r.Exempt(ctx, resource.Instance{ID: "i-2", Name: "keep-db"})
	require.NoError(t, err)
	assert.True(t, named)

	plain, err := r.Exempt(ctx, resource.Instance{ID: "i-3", Name: "scratch"})
	require.NoError(t, err)
	assert.False(t, plain)
}

func TestRegoExempter_NonBoolean(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegoExempter(ctx, "bad.rego", "package curfew\n\nexempt := \"yes\"\n")
	require.NoError(t, err)

	_, err = r.Exempt(ctx, resource.Instance{ID: "i-1"})
	require.Error(t, err)
}

func TestRegoExempter_CompileError(t *testing.T) {
	_, err := NewRegoExempter(context.Background(), "broken.rego", "package curfew\n\nexempt if {")
	require.Error(t, err)
}
