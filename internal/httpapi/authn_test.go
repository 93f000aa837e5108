package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", false},
		{"case insensitive scheme", "bearer abc", "abc", false},
		{"missing header", "", "", true},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", true},
		{"empty token", "Bearer   ", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProtectedPathWithoutToken(t *testing.T) {
	env := newTestAPI(t)
	resp := env.post("/v1/auth/logout", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestProtectedPathWithGarbageToken(t *testing.T) {
	env := newTestAPI(t)
	resp := env.post("/v1/auth/logout", nil, "garbage")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

type outageStore struct {
	auth.Store
	err error
}

func (s *outageStore) Blacklist(ctx context.Context) auth.BlacklistStore {
	return &outageBlacklist{BlacklistStore: s.Store.Blacklist(ctx), err: s.err}
}

type outageBlacklist struct {
	auth.BlacklistStore
	err error
}

func (s *outageBlacklist) Exists(context.Context, string) (bool, error) {
	return false, s.err
}

func TestBlacklistOutageRejectsToken(t *testing.T) {
	store := auth.NewInMemory()
	codec, err := auth.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	ledger, err := auth.NewLedger(store, codec)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	// membership lookups fail, as with an unreachable database
	broken := &outageStore{Store: store, err: errors.New("db down")}
	blacklist, err := auth.NewBlacklist(broken, nil, codec)
	if err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	svc, err := auth.NewService(store, codec, ledger, blacklist)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	admin, err := auth.NewAdmin(store, nil)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}

	api := New(svc, admin, codec, audit.NewQuery(nil), ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	env := &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}

	token, _, err := codec.IssueAccessToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp := env.post("/v1/auth/logout", nil, token)
	resp.Body.Close()
	// a token that cannot be checked against the blacklist must not pass
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestPublicPathsSkipAuth(t *testing.T) {
	env := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics", "/openapi.yaml"} {
		resp := env.get(path, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestUnknownPathIsNotFoundWithoutToken(t *testing.T) {
	env := newTestAPI(t)
	for _, path := range []string{"/nope", "/v2/auth/login"} {
		resp := env.get(path, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status %d, want 404", path, resp.StatusCode)
		}
	}
}
