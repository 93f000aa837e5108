package auth

import (
	"strings"
	"testing"
	"time"
)

func newTestCodec(t *testing.T, opts ...CodecOption) *Codec {
	t.Helper()
	codec, err := NewCodec("unit-test-secret", opts...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestIssueAndParseAccessToken(t *testing.T) {
	codec := newTestCodec(t)

	token, expiresAt, err := codec.IssueAccessToken("alice", []string{"user", "admin"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if until := time.Until(expiresAt); until < 59*time.Minute || until > time.Hour {
		t.Fatalf("expiry %v off the default hour", until)
	}

	claims, err := codec.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "user" {
		t.Fatalf("roles = %v", claims.Roles)
	}
	if claims.Issuer != "authgate" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("missing jti")
	}
}

func TestRefreshTokenCarriesNoRoles(t *testing.T) {
	codec := newTestCodec(t)

	token, _, err := codec.IssueRefreshToken("alice")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	claims, err := codec.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(claims.Roles) != 0 {
		t.Fatalf("refresh token has roles: %v", claims.Roles)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	codec := newTestCodec(t)
	other := newTestCodec(t)
	other.secret = []byte("different-secret")

	token, _, err := codec.IssueAccessToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := other.Parse(token); err != ErrMalformedToken {
		t.Fatalf("want ErrMalformedToken, got %v", err)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	codec := newTestCodec(t)
	token, _, err := codec.IssueAccessToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := codec.Parse(tampered); err != ErrMalformedToken {
		t.Fatalf("want ErrMalformedToken, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	issuer := newTestCodec(t, WithCodecClock(func() time.Time { return past }))
	verifier := newTestCodec(t)

	token, _, err := issuer.IssueAccessToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Parse(token); err != ErrMalformedToken {
		t.Fatalf("want ErrMalformedToken, got %v", err)
	}
}

func TestExpiresAtWorksOnExpiredToken(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	issuer := newTestCodec(t, WithCodecClock(func() time.Time { return past }))
	codec := newTestCodec(t)

	token, wantExpiry, err := issuer.IssueAccessToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := codec.ExpiresAt(token)
	if err != nil {
		t.Fatalf("ExpiresAt: %v", err)
	}
	if !got.Equal(wantExpiry.Truncate(time.Second)) {
		t.Fatalf("expiry %v, want %v", got, wantExpiry.Truncate(time.Second))
	}
}

func TestVerify(t *testing.T) {
	codec := newTestCodec(t)
	token, _, err := codec.IssueAccessToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !codec.Verify(token) {
		t.Fatal("valid token rejected")
	}
	if codec.Verify("not-a-jwt") {
		t.Fatal("garbage accepted")
	}
}
