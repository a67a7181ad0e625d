// Package provider defines the compute provider the governor drives.
package provider

import (
	"context"
	"time"

	"github.com/yairfalse/curfew/pkg/resource"
)

// InstanceProvider lists and stops instances.
type InstanceProvider interface {
	// ListRunning returns every running instance matching all filters.
	ListRunning(ctx context.Context, filters []resource.Tag) ([]resource.Instance, error)
	// Stop requests a stop of the instance.
	Stop(ctx context.Context, id string) error
}

// WithTimeout bounds every call on p by d. A non-positive d returns p.
func WithTimeout(p InstanceProvider, d time.Duration) InstanceProvider {
	if d <= 0 {
		return p
	}
	return &timeoutProvider{next: p, timeout: d}
}

type timeoutProvider struct {
	next    InstanceProvider
	timeout time.Duration
}

func (t *timeoutProvider) ListRunning(ctx context.Context, filters []resource.Tag) ([]resource.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.ListRunning(ctx, filters)
}

func (t *timeoutProvider) Stop(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Stop(ctx, id)
}
