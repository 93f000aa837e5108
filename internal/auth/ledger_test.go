package auth

import (
	"context"
	"testing"
	"time"
)

func newLedgerFixture(t *testing.T) (*Ledger, *InMemory, *Codec) {
	t.Helper()
	store := NewInMemory()
	codec, err := NewCodec("unit-test-secret")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	l, err := NewLedger(store, codec)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return l, store, codec
}

func TestLedgerSaveAndIsValid(t *testing.T) {
	l, _, codec := newLedgerFixture(t)
	ctx := context.Background()

	refresh, _, err := codec.IssueRefreshToken("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := l.Save(ctx, refresh, "user-1", "access-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !l.IsValid(ctx, refresh) {
		t.Fatal("fresh token reported invalid")
	}
}

func TestLedgerUnknownTokenInvalid(t *testing.T) {
	l, _, _ := newLedgerFixture(t)
	if l.IsValid(context.Background(), "never-saved") {
		t.Fatal("unknown token reported valid")
	}
}

func TestLedgerRevokedTokenInvalid(t *testing.T) {
	l, store, codec := newLedgerFixture(t)
	ctx := context.Background()

	refresh, _, err := codec.IssueRefreshToken("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := l.Save(ctx, refresh, "user-1", "access-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.RefreshTokens(ctx).MarkRevoked(ctx, refresh); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if l.IsValid(ctx, refresh) {
		t.Fatal("revoked token reported valid")
	}
}

func TestLedgerExpiredTokenInvalid(t *testing.T) {
	l, store, _ := newLedgerFixture(t)
	ctx := context.Background()

	if err := store.RefreshTokens(ctx).Create(ctx, &RefreshToken{
		Token:     "stale",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.IsValid(ctx, "stale") {
		t.Fatal("expired token reported valid")
	}
}

func TestLedgerRevokeByAccessTokenMissingIsNoError(t *testing.T) {
	l, _, _ := newLedgerFixture(t)
	if err := l.RevokeByAccessToken(context.Background(), "unknown-access"); err != nil {
		t.Fatalf("want nil, got %v", err)
	}
}

func TestLedgerRevokeAllByUser(t *testing.T) {
	l, _, codec := newLedgerFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		refresh, _, err := codec.IssueRefreshToken("alice")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if err := l.Save(ctx, refresh, "user-1", "access"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		defer func(tok string) {
			if l.IsValid(ctx, tok) {
				t.Fatal("token survived RevokeAllByUser")
			}
		}(refresh)
	}

	if err := l.RevokeAllByUser(ctx, "user-1"); err != nil {
		t.Fatalf("RevokeAllByUser: %v", err)
	}
}

func TestLedgerPurgeExpired(t *testing.T) {
	l, store, codec := newLedgerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.RefreshTokens(ctx).Create(ctx, &RefreshToken{
		Token: "stale", UserID: "user-1", ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	refresh, _, err := codec.IssueRefreshToken("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := l.Save(ctx, refresh, "user-1", "access"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	n, err := l.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows", n)
	}
	if !l.IsValid(ctx, refresh) {
		t.Fatal("live token purged")
	}
}
