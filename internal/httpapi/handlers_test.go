package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	store *auth.InMemory
	svc   *auth.Service
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	store := auth.NewInMemory()
	codec, err := auth.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	ledger, err := auth.NewLedger(store, codec)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	blacklist, err := auth.NewBlacklist(store, nil, codec)
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

	return &testEnv{
		apiClient: &apiClient{baseURL: srv.URL, client: srv.Client(), t: t},
		store:     store,
		svc:       svc,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path, token string) *http.Response {
	return c.do(http.MethodGet, path, nil, token)
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]any
	decodeBody(t, resp, &body)
	code, _ := body["code"].(string)
	return code
}

func (env *testEnv) register(username, email, password string) {
	env.t.Helper()
	resp := env.post("/v1/auth/register", map[string]any{
		"username": username,
		"email":    email,
		"password": password,
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		env.t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
}

func (env *testEnv) login(username, password string) auth.LoginResult {
	env.t.Helper()
	resp := env.post("/v1/auth/login", map[string]any{
		"username": username,
		"password": password,
	}, "")
	if resp.StatusCode != http.StatusOK {
		env.t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	var result auth.LoginResult
	decodeBody(env.t, resp, &result)
	return result
}

func (env *testEnv) makeAdmin(username string) {
	env.t.Helper()
	ctx := context.Background()
	u, err := env.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		env.t.Fatalf("find %s: %v", username, err)
	}
	if err := env.store.Users(ctx).ReplaceRoles(ctx, u.ID, []string{"role-admin"}); err != nil {
		env.t.Fatalf("assign admin: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestAPI(t)
	resp := env.get("/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["service"] != "authgate-api" {
		t.Fatalf("service = %v", body["service"])
	}
}

func TestLoginIssuesTokenPair(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")

	result := env.login("alice", "correct-horse1")
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("missing tokens")
	}
	if result.TokenType != "Bearer" || result.ExpiresIn != 3600 {
		t.Fatalf("token_type=%q expires_in=%d", result.TokenType, result.ExpiresIn)
	}
	if result.User.Username != "alice" {
		t.Fatalf("user = %+v", result.User)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")

	resp := env.post("/v1/auth/login", map[string]any{
		"username": "alice",
		"password": "wrong",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %q", code)
	}
}

func TestLoginUnknownUserSameError(t *testing.T) {
	env := newTestAPI(t)
	resp := env.post("/v1/auth/login", map[string]any{
		"username": "ghost",
		"password": "whatever",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %q", code)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")

	for i := 0; i < 5; i++ {
		resp := env.post("/v1/auth/login", map[string]any{
			"username": "alice",
			"password": "wrong",
		}, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, resp.StatusCode)
		}
	}

	// correct password no longer helps once locked
	resp := env.post("/v1/auth/login", map[string]any{
		"username": "alice",
		"password": "correct-horse1",
	}, "")
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "ACCOUNT_LOCKED" {
		t.Fatalf("code = %q", code)
	}
}

func TestInactiveAccountRejected(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")

	ctx := context.Background()
	u, err := env.store.Users(ctx).FindByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	u.Status = auth.UserStatusInactive
	if err := env.store.Users(ctx).Update(ctx, u); err != nil {
		t.Fatalf("update: %v", err)
	}

	resp := env.post("/v1/auth/login", map[string]any{
		"username": "alice",
		"password": "correct-horse1",
	}, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "ACCOUNT_INACTIVE" {
		t.Fatalf("code = %q", code)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")
	first := env.login("alice", "correct-horse1")

	resp := env.post("/v1/auth/refresh", map[string]any{
		"refresh_token": first.RefreshToken,
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var second auth.LoginResult
	decodeBody(t, resp, &second)
	if second.AccessToken == "" || second.RefreshToken == "" {
		t.Fatal("missing tokens after refresh")
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	env := newTestAPI(t)
	resp := env.post("/v1/auth/refresh", map[string]any{
		"refresh_token": "not-a-jwt",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_REFRESH_TOKEN" {
		t.Fatalf("code = %q", code)
	}
}

func TestLogoutBlocksTokenAndRefresh(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")
	pair := env.login("alice", "correct-horse1")

	resp := env.post("/v1/auth/logout", nil, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d", resp.StatusCode)
	}

	// the blacklisted access token is refused
	resp = env.post("/v1/auth/change-password", map[string]any{
		"old_password": "x", "new_password": "y", "confirm_password": "y",
	}, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("blacklisted token status %d", resp.StatusCode)
	}

	// the paired refresh token was revoked with it
	resp = env.post("/v1/auth/refresh", map[string]any{
		"refresh_token": pair.RefreshToken,
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "REFRESH_TOKEN_REVOKED" {
		t.Fatalf("code = %q", code)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")

	resp := env.post("/v1/auth/register", map[string]any{
		"username": "alice",
		"email":    "other@example.com",
		"password": "correct-horse1",
	}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "USERNAME_EXISTS" {
		t.Fatalf("code = %q", code)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")

	resp := env.post("/v1/auth/forgot-password", map[string]any{
		"email": "alice@example.com",
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("forgot status %d", resp.StatusCode)
	}

	ctx := context.Background()
	u, err := env.store.Users(ctx).FindByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if u.ResetToken == "" {
		t.Fatal("reset token not stored")
	}

	resp = env.post("/v1/auth/reset-password", map[string]any{
		"token":            u.ResetToken,
		"new_password":     "new-password-1",
		"confirm_password": "different",
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatch status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "PASSWORDS_NOT_MATCH" {
		t.Fatalf("code = %q", code)
	}

	resp = env.post("/v1/auth/reset-password", map[string]any{
		"token":            u.ResetToken,
		"new_password":     "new-password-1",
		"confirm_password": "new-password-1",
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status %d", resp.StatusCode)
	}

	env.login("alice", "new-password-1")
}

func TestChangePassword(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")
	pair := env.login("alice", "correct-horse1")

	resp := env.post("/v1/auth/change-password", map[string]any{
		"old_password":     "wrong",
		"new_password":     "new-password-1",
		"confirm_password": "new-password-1",
	}, pair.AccessToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong old status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_OLD_PASSWORD" {
		t.Fatalf("code = %q", code)
	}

	resp = env.post("/v1/auth/change-password", map[string]any{
		"old_password":     "correct-horse1",
		"new_password":     "new-password-1",
		"confirm_password": "new-password-1",
	}, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change status %d", resp.StatusCode)
	}

	env.login("alice", "new-password-1")
}

func TestUserAdminEndpointsRequireAdminRole(t *testing.T) {
	env := newTestAPI(t)
	env.register("alice", "alice@example.com", "correct-horse1")
	pair := env.login("alice", "correct-horse1")

	resp := env.get("/v1/users", pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestUserAdminCRUD(t *testing.T) {
	env := newTestAPI(t)
	env.register("root", "root@example.com", "root-password1")
	env.makeAdmin("root")
	pair := env.login("root", "root-password1")

	// create
	resp := env.post("/v1/users", map[string]any{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "bob-password1",
	}, pair.AccessToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	var created auth.UserSummary
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Username != "bob" {
		t.Fatalf("created = %+v", created)
	}

	// list
	resp = env.get("/v1/users?page=1&size=10", pair.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	var listPage auth.UserPage
	decodeBody(t, resp, &listPage)
	if listPage.Total != 2 {
		t.Fatalf("total = %d", listPage.Total)
	}

	// search
	resp = env.get("/v1/users?keyword=bob", pair.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status %d", resp.StatusCode)
	}
	var searchPage auth.UserPage
	decodeBody(t, resp, &searchPage)
	if searchPage.Total != 1 {
		t.Fatalf("search total = %d", searchPage.Total)
	}

	// update
	resp = env.do(http.MethodPut, "/v1/users/"+created.ID, map[string]any{
		"full_name": "Bob Builder",
	}, pair.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}
	var updated auth.UserSummary
	decodeBody(t, resp, &updated)
	if updated.FullName != "Bob Builder" {
		t.Fatalf("updated = %+v", updated)
	}

	// assign roles
	resp = env.do(http.MethodPut, "/v1/users/"+created.ID+"/roles", map[string]any{
		"role_ids": []string{"role-admin"},
	}, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign roles status %d", resp.StatusCode)
	}

	// delete
	resp = env.do(http.MethodDelete, "/v1/users/"+created.ID, nil, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", resp.StatusCode)
	}

	resp = env.get("/v1/users/"+created.ID, pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status %d", resp.StatusCode)
	}
}

func TestForceLogoutRevokesSessions(t *testing.T) {
	env := newTestAPI(t)
	env.register("root", "root@example.com", "root-password1")
	env.makeAdmin("root")
	admin := env.login("root", "root-password1")

	env.register("bob", "bob@example.com", "bob-password1")
	bob := env.login("bob", "bob-password1")

	ctx := context.Background()
	u, err := env.store.Users(ctx).FindByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	resp := env.post("/v1/users/"+u.ID+"/force-logout", nil, admin.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("force-logout status %d", resp.StatusCode)
	}

	resp = env.post("/v1/auth/refresh", map[string]any{
		"refresh_token": bob.RefreshToken,
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "REFRESH_TOKEN_REVOKED" {
		t.Fatalf("code = %q", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestAPI(t)
	resp := env.get("/v1/auth/login", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "POST" {
		t.Fatalf("Allow = %q", allow)
	}
}
