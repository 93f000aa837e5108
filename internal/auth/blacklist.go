package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authgate.org/internal/obs"
)

// TokenCache answers blacklist membership ahead of the durable store.
// Entries self-expire via TTL; implementations must be safe for concurrent
// use. A nil cache degrades the blacklist to store-only lookups.
type TokenCache interface {
	Contains(ctx context.Context, token string) (bool, error)
	Put(ctx context.Context, token string, ttl time.Duration) error
}

// Blacklist records access tokens invalidated before their natural expiry
// (logout, forced revocation) and answers membership queries cache-first.
type Blacklist struct {
	store Store
	cache TokenCache
	codec *Codec
	now   func() time.Time
}

// NewBlacklist constructs a Blacklist. cache may be nil.
func NewBlacklist(store Store, cache TokenCache, codec *Codec) (*Blacklist, error) {
	if store == nil {
		return nil, errors.New("auth: blacklist store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: blacklist codec is required")
	}
	return &Blacklist{store: store, cache: cache, codec: codec, now: time.Now}, nil
}

// Add blacklists token until its natural expiry. Idempotent: adding an
// already-blacklisted token is a no-op. The durable write and the cache
// write are deliberately not atomic; a crash between them is covered by the
// store fallback on lookup.
func (b *Blacklist) Add(ctx context.Context, token, reason string) error {
	blacklisted, err := b.isBlacklisted(ctx, token)
	if err != nil {
		return err
	}
	if blacklisted {
		return nil
	}

	expiresAt, err := b.codec.ExpiresAt(token)
	if err != nil {
		return fmt.Errorf("extract token expiry: %w", err)
	}
	if err := b.store.Blacklist(ctx).Insert(ctx, &BlacklistEntry{
		Token:     token,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}); err != nil {
		return fmt.Errorf("persist blacklist entry: %w", err)
	}

	if b.cache != nil {
		// The cache entry lives exactly as long as the token would have:
		// once the token expires naturally the entry is no longer needed.
		if ttl := expiresAt.Sub(b.now().UTC()); ttl > 0 {
			if err := b.cache.Put(ctx, token, ttl); err != nil {
				obs.Warn("blacklist cache write failed", err)
			}
		}
	}
	return nil
}

// IsBlacklisted reports whether token was invalidated. The cache is
// consulted first; a cache miss falls back to the durable store. A durable
// hit does not repopulate the cache, so repeated misses keep hitting the
// store until the entry expires naturally. A store lookup failure is
// returned to the caller: a token that cannot be verified must not pass.
func (b *Blacklist) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	return b.isBlacklisted(ctx, token)
}

func (b *Blacklist) isBlacklisted(ctx context.Context, token string) (bool, error) {
	if b.cache != nil {
		hit, err := b.cache.Contains(ctx, token)
		if err == nil && hit {
			obs.IncBlacklistLookup("cache")
			return true, nil
		}
		if err != nil {
			obs.Warn("blacklist cache read failed", err)
		}
	}
	exists, err := b.store.Blacklist(ctx).Exists(ctx, token)
	if err != nil {
		return false, err
	}
	if exists {
		obs.IncBlacklistLookup("store")
	}
	return exists, nil
}

// PurgeExpired deletes durable rows whose expiry is before now. Cache
// entries self-expire via TTL and need no explicit purge.
func (b *Blacklist) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := b.store.Blacklist(ctx).DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	obs.AddPurged("token_blacklist", n)
	return n, nil
}
