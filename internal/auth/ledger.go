package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authgate.org/internal/obs"
)

// Ledger is the durable record of issued refresh tokens and their revocation
// state. Validity is fail-closed: an unknown token is invalid.
type Ledger struct {
	store Store
	codec *Codec
	now   func() time.Time
}

// NewLedger constructs a Ledger over the given store and codec.
func NewLedger(store Store, codec *Codec) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("auth: ledger store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: ledger codec is required")
	}
	return &Ledger{store: store, codec: codec, now: time.Now}, nil
}

// Save persists a freshly issued refresh token linked to the access token it
// was minted with. The expiry is taken from the token's own claims.
func (l *Ledger) Save(ctx context.Context, token, userID, accessToken string) error {
	rec, err := l.Record(token, userID, accessToken)
	if err != nil {
		return err
	}
	return l.store.RefreshTokens(ctx).Create(ctx, rec)
}

// Record builds the ledger row for token without persisting it, so callers
// can write it inside a wider transaction.
func (l *Ledger) Record(token, userID, accessToken string) (*RefreshToken, error) {
	expiresAt, err := l.codec.ExpiresAt(token)
	if err != nil {
		return nil, fmt.Errorf("extract refresh expiry: %w", err)
	}
	return &RefreshToken{
		Token:       token,
		UserID:      userID,
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	}, nil
}

// IsValid reports whether a ledger row exists for token, is not revoked, and
// has not expired. Absence of the row is treated as invalid.
func (l *Ledger) IsValid(ctx context.Context, token string) bool {
	rec, err := l.store.RefreshTokens(ctx).Find(ctx, token)
	if err != nil {
		return false
	}
	return !rec.Revoked && rec.ExpiresAt.After(l.now().UTC())
}

// RevokeByAccessToken revokes the ledger row linked to accessToken.
// Best-effort: a missing row is not an error.
func (l *Ledger) RevokeByAccessToken(ctx context.Context, accessToken string) error {
	err := l.store.RefreshTokens(ctx).MarkRevokedByAccessToken(ctx, accessToken)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RevokeAllByUser revokes every non-revoked row for the user. Used for
// forced logout.
func (l *Ledger) RevokeAllByUser(ctx context.Context, userID string) error {
	return l.store.RefreshTokens(ctx).MarkRevokedByUser(ctx, userID)
}

// PurgeExpired deletes all rows whose expiry is before now, revoked or not;
// expiry alone is sufficient grounds for deletion.
func (l *Ledger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := l.store.RefreshTokens(ctx).DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	obs.AddPurged("refresh_tokens", n)
	return n, nil
}
