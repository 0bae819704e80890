package quickbooks

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Transync-pro/transync-connect/internal/api/middleware"
	"github.com/Transync-pro/transync-connect/internal/core/connections"
	"github.com/Transync-pro/transync-connect/internal/flags"
	qbclient "github.com/Transync-pro/transync-connect/internal/quickbooks"
)

// fakeRepo is a map-backed ConnectionRepository.
type fakeRepo struct {
	mu    sync.Mutex
	conns map[string]*connections.Connection
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{conns: make(map[string]*connections.Connection)}
}

func (r *fakeRepo) Upsert(ctx context.Context, conn *connections.Connection) (*connections.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *conn
	r.conns[conn.UserID] = &c
	return &c, nil
}

func (r *fakeRepo) GetByUserID(ctx context.Context, userID string) (*connections.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[userID]; ok {
		out := *c
		return &out, nil
	}
	return nil, connections.ErrNotConnected
}

func (r *fakeRepo) UpdateTokens(ctx context.Context, userID string, tokens connections.TokenUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	if !ok {
		return connections.ErrNotConnected
	}
	c.AccessToken = tokens.AccessToken
	c.RefreshToken = tokens.RefreshToken
	c.ExpiresAt = time.Unix(tokens.ExpiresAt, 0)
	return nil
}

func (r *fakeRepo) Exists(ctx context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[userID]
	return ok, nil
}

func (r *fakeRepo) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[userID]; !ok {
		return connections.ErrNotConnected
	}
	delete(r.conns, userID)
	return nil
}

// fakeProvider counts exchanges and returns canned responses.
type fakeProvider struct {
	mu        sync.Mutex
	exchanges int
}

func (p *fakeProvider) AuthorizeURL(params qbclient.AuthorizeParams) string {
	return "https://appcenter.intuit.com/connect/oauth2?state=" + params.State
}

func (p *fakeProvider) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*qbclient.TokenSet, error) {
	p.mu.Lock()
	p.exchanges++
	p.mu.Unlock()
	return &qbclient.TokenSet{
		AccessToken:  "at-" + code,
		RefreshToken: "rt-" + code,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*qbclient.TokenSet, error) {
	return &qbclient.TokenSet{
		AccessToken:  "at-refreshed",
		RefreshToken: "rt-refreshed",
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) Revoke(ctx context.Context, token string) error { return nil }

func (p *fakeProvider) GetCompanyInfo(ctx context.Context, accessToken, realmID string) (*qbclient.CompanyInfo, error) {
	return &qbclient.CompanyInfo{CompanyName: "Acme Rentals"}, nil
}

func (p *fakeProvider) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

type passSealer struct{}

func (passSealer) Seal(token string) (string, error)  { return token, nil }
func (passSealer) Open(sealed string) (string, error) { return sealed, nil }

func newTestHandler(t *testing.T) (*Handler, *fakeProvider, *fakeRepo) {
	t.Helper()
	require.NoError(t, InitCookieStore("0123456789abcdef0123456789abcdef"))

	logger := slog.Default()
	repo := newFakeRepo()
	provider := &fakeProvider{}
	store := flags.NewMemoryStore()
	status := connections.NewStatusService(repo, store, logger)
	gate := connections.NewRedirectGate(store, logger)
	flow := connections.NewFlowController(provider, nil, repo, passSealer{}, store, status, gate, connections.FlowConfig{
		RedirectURI: "http://localhost:8082/quickbooks/callback",
	}, logger)
	tokens := connections.NewTokenManager(repo, provider, passSealer{}, status, logger)
	checker := connections.NewChecker(status, logger)
	checker.SetSchedule(2, time.Millisecond, 2*time.Millisecond)

	h := NewHandler(flow, status, tokens, checker, "http://localhost:5173", true, logger)
	return h, provider, repo
}

func withTestUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, middleware.UserIDKey, userID)
}

// authedRequest builds a request carrying a signed session for the user plus
// any extra values (state, verifier).
func authedRequest(t *testing.T, method, target string, values map[string]string) *http.Request {
	t.Helper()
	store := GetCookieStore()

	seed := httptest.NewRequest(http.MethodGet, "/", nil)
	session, err := store.New(seed, sessionName)
	require.NoError(t, err)
	for k, v := range values {
		session.Values[k] = v
	}
	rec := httptest.NewRecorder()
	require.NoError(t, session.Save(seed, rec))

	req := httptest.NewRequest(method, target, nil)
	for _, cookie := range rec.Result().Cookies() {
		req.AddCookie(cookie)
	}
	return req
}

func TestHandleCallback_MissingParameters(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/quickbooks/callback?code=abc", nil)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_ERROR")
}

func TestHandleCallback_DeniedAuthorization(t *testing.T) {
	h, provider, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/quickbooks/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_ERROR")
	assert.Zero(t, provider.exchangeCount())
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	h, provider, _ := newTestHandler(t)

	req := authedRequest(t, http.MethodGet,
		"/quickbooks/callback?code=abc123&state=tampered&realmId=9991",
		map[string]string{sessionUserID: "u1", sessionState: "expected", sessionVerifier: "v"})
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_ERROR")
	assert.Zero(t, provider.exchangeCount())
}

func TestHandleCallback_SuccessRendersHandoffPage(t *testing.T) {
	h, provider, repo := newTestHandler(t)

	req := authedRequest(t, http.MethodGet,
		"/quickbooks/callback?code=abc123&state=st-1&realmId=9991",
		map[string]string{sessionUserID: "u1", sessionState: "st-1", sessionVerifier: "v"})
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "AUTH_SUCCESS")
	assert.Contains(t, body, "Acme Rentals")
	// postMessage targets the configured origin, never "*".
	assert.Contains(t, body, "http://localhost:5173")
	assert.NotContains(t, body, `"*"`)

	assert.Equal(t, 1, provider.exchangeCount())
	conn, err := repo.GetByUserID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "9991", conn.RealmID)
}

func TestHandleCallback_DuplicateDoesNotReExchange(t *testing.T) {
	h, provider, _ := newTestHandler(t)

	values := map[string]string{sessionUserID: "u1", sessionState: "st-1", sessionVerifier: "v"}
	target := "/quickbooks/callback?code=abc123&state=st-1&realmId=9991"

	rec := httptest.NewRecorder()
	h.HandleCallback(rec, authedRequest(t, http.MethodGet, target, values))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleCallback(rec, authedRequest(t, http.MethodGet, target, values))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_SUCCESS")

	assert.Equal(t, 1, provider.exchangeCount())
}

func TestHandleStatus_ReportsConnection(t *testing.T) {
	h, _, repo := newTestHandler(t)

	_, err := repo.Upsert(context.Background(), &connections.Connection{
		UserID: "u1", RealmID: "9991", CompanyName: "Acme Rentals",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	req := authedRequest(t, http.MethodGet, "/api/quickbooks/status?force=true", nil)
	req = req.WithContext(withTestUser(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"connected"`)
	assert.Contains(t, rec.Body.String(), "Acme Rentals")
}

func TestHandleCancel_AbandonedPopupStopsReportingConnecting(t *testing.T) {
	h, _, _ := newTestHandler(t)

	// Start an attempt; status now reports connecting.
	req := authedRequest(t, http.MethodPost, "/api/quickbooks/authorize", map[string]string{sessionUserID: "u1"})
	req = req.WithContext(withTestUser(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = authedRequest(t, http.MethodGet, "/api/quickbooks/status", nil)
	req = req.WithContext(withTestUser(req.Context(), "u1"))
	rec = httptest.NewRecorder()
	h.HandleStatus(rec, req)
	require.Contains(t, rec.Body.String(), `"connecting":true`)

	// The user closed the popup; the opener reports it.
	req = authedRequest(t, http.MethodPost, "/api/quickbooks/connect/cancel",
		map[string]string{sessionUserID: "u1", sessionState: "st-1", sessionVerifier: "v"})
	req = req.WithContext(withTestUser(req.Context(), "u1"))
	rec = httptest.NewRecorder()
	h.HandleCancel(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connecting":false`)

	// The very next poll no longer sees an attempt in progress.
	req = authedRequest(t, http.MethodGet, "/api/quickbooks/status", nil)
	req = req.WithContext(withTestUser(req.Context(), "u1"))
	rec = httptest.NewRecorder()
	h.HandleStatus(rec, req)
	assert.Contains(t, rec.Body.String(), `"connecting":false`)
}

func TestHandleCancel_RequiresUser(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/quickbooks/connect/cancel", nil)
	rec := httptest.NewRecorder()
	h.HandleCancel(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAuthorize_RequiresUser(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/quickbooks/authorize", nil)
	rec := httptest.NewRecorder()
	h.HandleAuthorize(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAuthorize_ReturnsIntent(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := authedRequest(t, http.MethodPost, "/api/quickbooks/authorize", map[string]string{sessionUserID: "u1"})
	req = req.WithContext(withTestUser(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.HandleAuthorize(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "appcenter.intuit.com")
	assert.Contains(t, body, `"width":600`)
	assert.Contains(t, body, `"height":700`)
	// The verifier stays server-side.
	assert.NotContains(t, body, "verifier")
	// The session cookie was (re)written with state and verifier.
	assert.NotEmpty(t, rec.Result().Cookies())
}
