// Package usercache is the read-through/write-through cache for a single
// user aggregate (profile plus credential hash). Entries carry a sliding
// TTL whose duration is picked from activity-based tiers, so frequently
// accessed users stay cached longer and inactive ones decay naturally
// through the store's own expiry. No background sweeper exists or is
// needed.
package usercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"authcache/kv"
)

// ErrNotCached is returned on a cache miss. The fallback to the primary
// store is the caller's responsibility.
var ErrNotCached = errors.New("user not cached")

// Tier labels the TTL bucket an entry was stored with.
type Tier uint8

const (
	// TierBase is the 24h tier for new or inactive users.
	TierBase Tier = iota
	// TierRegular is the 7d tier for moderately active users.
	TierRegular
	// TierActive is the 30d tier for highly active users.
	TierActive
)

func (t Tier) String() string {
	switch t {
	case TierActive:
		return "active"
	case TierRegular:
		return "regular"
	default:
		return "base"
	}
}

// CachedUser is the cached aggregate. CredentialHash must equal the
// primary store's value at the time of caching; once cached, no separate
// source of truth is consulted.
type CachedUser struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	CredentialHash string    `json:"credential_hash"`
	CachedAt       time.Time `json:"cached_at"`
	Tier           Tier      `json:"tier"`
}

// Config carries the tier thresholds and durations. Zero values are
// filled in by Normalize.
type Config struct {
	Prefix         string
	ActivityPrefix string

	// RegularThreshold and ActiveThreshold are exclusive lower bounds:
	// count > ActiveThreshold selects ActiveTTL, count > RegularThreshold
	// selects RegularTTL, anything else BaseTTL.
	RegularThreshold int
	ActiveThreshold  int

	BaseTTL     time.Duration
	RegularTTL  time.Duration
	ActiveTTL   time.Duration
	ActivityTTL time.Duration
}

// Normalize fills unset fields with the stock tiering scheme.
func (c Config) Normalize() Config {
	if c.Prefix == "" {
		c.Prefix = "user"
	}
	if c.ActivityPrefix == "" {
		c.ActivityPrefix = "activity"
	}
	if c.RegularThreshold == 0 {
		c.RegularThreshold = 5
	}
	if c.ActiveThreshold == 0 {
		c.ActiveThreshold = 20
	}
	if c.BaseTTL == 0 {
		c.BaseTTL = 24 * time.Hour
	}
	if c.RegularTTL == 0 {
		c.RegularTTL = 7 * 24 * time.Hour
	}
	if c.ActiveTTL == 0 {
		c.ActiveTTL = 30 * 24 * time.Hour
	}
	if c.ActivityTTL == 0 {
		c.ActivityTTL = 30 * 24 * time.Hour
	}
	return c
}

// Cache is the typed cache over a kv.Store.
type Cache struct {
	store  kv.Store
	config Config
}

// New creates a Cache with the given store and config.
func New(store kv.Store, cfg Config) *Cache {
	return &Cache{store: store, config: cfg.Normalize()}
}

func (c *Cache) key(identityKey string) string {
	return c.config.Prefix + ":" + identityKey
}

func (c *Cache) activityKey(identityKey string) string {
	return c.config.ActivityPrefix + ":" + identityKey
}

// Fetch returns the cached user for identityKey, or ErrNotCached. A hit
// renews the entry's TTL to the tier-appropriate duration as a side
// effect; the renewal never shortens the remaining TTL, only extends it.
// Store failures surface as kv.ErrStoreUnavailable so the caller can
// degrade to its primary-store fallback.
func (c *Cache) Fetch(ctx context.Context, identityKey string) (*CachedUser, error) {
	data, err := c.store.Get(ctx, c.key(identityKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotCached
		}
		return nil, err
	}

	var user CachedUser
	if err := json.Unmarshal(data, &user); err != nil {
		// Corrupt entries are dropped so the next read falls through to
		// the primary store.
		_, _ = c.store.Delete(ctx, c.key(identityKey))
		return nil, ErrNotCached
	}

	if err := c.renew(ctx, identityKey); err != nil {
		return nil, err
	}

	return &user, nil
}

// Store serializes and writes the user with the TTL of the tier the
// current activity count selects. The tier is recorded on the entry.
func (c *Cache) Store(ctx context.Context, identityKey string, user *CachedUser) error {
	count, err := c.ActivityCount(ctx, identityKey)
	if err != nil {
		// Unknown activity is treated as none; the entry still lands in
		// the base tier rather than failing the write.
		count = 0
	}

	tier := c.TierFor(count)
	user.CachedAt = time.Now().UTC()
	user.Tier = tier

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode cached user: %w", err)
	}

	return c.store.SetWithTTL(ctx, c.key(identityKey), data, c.ttlFor(tier))
}

// Invalidate removes the cache entry and its derived activity counter.
func (c *Cache) Invalidate(ctx context.Context, identityKey string) error {
	_, err := c.store.Delete(ctx, c.key(identityKey), c.activityKey(identityKey))
	return err
}

// RecordActivity increments the per-identity activity counter and returns
// the new count. The counter carries its own TTL so inactivity decays it.
func (c *Cache) RecordActivity(ctx context.Context, identityKey string) (int64, error) {
	return c.store.IncrWithTTL(ctx, c.activityKey(identityKey), c.config.ActivityTTL)
}

// ActivityCount reads the current activity counter; absent counters are
// zero.
func (c *Cache) ActivityCount(ctx context.Context, identityKey string) (int64, error) {
	data, err := c.store.Get(ctx, c.activityKey(identityKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	count, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, nil
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

// TierFor maps an activity count onto its TTL tier. The thresholds are
// exclusive: a count equal to the active threshold still lands in the
// regular tier.
func (c *Cache) TierFor(count int64) Tier {
	switch {
	case count > int64(c.config.ActiveThreshold):
		return TierActive
	case count > int64(c.config.RegularThreshold):
		return TierRegular
	default:
		return TierBase
	}
}

func (c *Cache) ttlFor(tier Tier) time.Duration {
	switch tier {
	case TierActive:
		return c.config.ActiveTTL
	case TierRegular:
		return c.config.RegularTTL
	default:
		return c.config.BaseTTL
	}
}

// renew extends the entry TTL to the tier duration selected by the
// current activity count. TTLs are only ever extended by a read; when the
// activity counter has decayed below the entry's original tier, the
// longer remaining TTL is left untouched.
func (c *Cache) renew(ctx context.Context, identityKey string) error {
	count, err := c.ActivityCount(ctx, identityKey)
	if err != nil {
		return err
	}
	next := c.ttlFor(c.TierFor(count))

	remaining, err := c.store.TTLRemaining(ctx, c.key(identityKey))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if next <= remaining {
		return nil
	}

	return c.store.Expire(ctx, c.key(identityKey), next)
}
