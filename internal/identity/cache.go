// Package identity resolves instance owner emails to chat user ids,
// caching directory answers in the ledger's identity store.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/internal/policy"
	"github.com/yairfalse/curfew/internal/slack"
	"github.com/yairfalse/curfew/internal/telemetry"
)

// Directory looks up chat users by email. slack.Client implements it.
type Directory interface {
	LookupUserByEmail(ctx context.Context, email string) (slack.User, error)
}

// Owner is the result of resolving an email.
type Owner struct {
	Email    string
	UserID   string
	Timezone string
	// Pageable is false outside the owner's work hours.
	Pageable bool
}

// Handle returns the user id to mention, or "" when the owner is unknown
// or outside work hours.
func (o Owner) Handle() string {
	if !o.Pageable {
		return ""
	}
	return o.UserID
}

// Cache resolves owners, consulting the directory only for unknown or
// stale emails. Concurrent resolutions of one email share a single lookup.
type Cache struct {
	store     ledger.IdentityStore
	directory Directory
	hours     policy.WorkHours
	ttl       time.Duration
	timeout   time.Duration
	metrics   *telemetry.Metrics
	group     singleflight.Group
}

// Config tunes a Cache.
type Config struct {
	WorkHours policy.WorkHours
	// TTL defaults to ledger.IdentityTTL.
	TTL time.Duration
	// Timeout bounds each directory call. Zero means no extra bound.
	Timeout time.Duration
	Metrics *telemetry.Metrics
}

// NewCache creates a cache over store and directory. A nil directory
// serves cached identities only.
func NewCache(store ledger.IdentityStore, directory Directory, cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = ledger.IdentityTTL
	}
	return &Cache{
		store:     store,
		directory: directory,
		hours:     cfg.WorkHours,
		ttl:       cfg.TTL,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
	}
}

// Resolve returns the owner for email at now. Every failure degrades to a
// zero Owner; Resolve never returns an error.
func (c *Cache) Resolve(ctx context.Context, email string, now time.Time) Owner {
	if email == "" {
		return Owner{}
	}

	v, _, _ := c.group.Do(email, func() (any, error) {
		return c.resolve(ctx, email, now), nil
	})
	owner := v.(Owner)
	if owner.UserID != "" {
		owner.Pageable = c.hours.Contains(now, owner.Timezone)
	}
	return owner
}

func (c *Cache) resolve(ctx context.Context, email string, now time.Time) Owner {
	logger := log.With().Str("email", email).Logger()

	cached, err := c.store.GetIdentity(ctx, email)
	switch {
	case err == nil && !cached.Stale(now, c.ttl):
		c.metrics.RecordLookup(ctx, "hit")
		return Owner{Email: email, UserID: cached.UserID, Timezone: cached.Timezone}
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		logger.Warn().Err(err).Msg("identity store read failed")
		c.metrics.RecordLookup(ctx, "store_error")
		return Owner{}
	}
	stale := err == nil

	user, err := c.lookup(ctx, email)
	switch {
	case errors.Is(err, slack.ErrUserNotFound):
		c.metrics.RecordLookup(ctx, "not_found")
		return Owner{}
	case err != nil:
		logger.Warn().Err(err).Msg("directory lookup failed")
		c.metrics.RecordLookup(ctx, "error")
		return Owner{}
	case user.Deleted:
		c.metrics.RecordLookup(ctx, "deleted")
		if stale {
			logger.Info().Msg("directory marked user deleted, dropping cached identity")
			if err := c.store.DeleteIdentity(ctx, email); err != nil {
				logger.Warn().Err(err).Msg("delete identity failed")
			}
		}
		return Owner{}
	}

	rec := ledger.IdentityRecord{Email: email, UserID: user.ID, Timezone: user.TZ, UpdatedAt: now}
	if err := c.store.PutIdentity(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("persist identity failed")
	}
	if stale {
		c.metrics.RecordLookup(ctx, "refreshed")
	} else {
		c.metrics.RecordLookup(ctx, "created")
	}
	return Owner{Email: email, UserID: user.ID, Timezone: user.TZ}
}

func (c *Cache) lookup(ctx context.Context, email string) (slack.User, error) {
	if c.directory == nil {
		return slack.User{}, slack.ErrUserNotFound
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.directory.LookupUserByEmail(ctx, email)
}
