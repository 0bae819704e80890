package connections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Transync-pro/transync-connect/internal/flags"
	"github.com/Transync-pro/transync-connect/internal/quickbooks"
)

type flowFixture struct {
	flow     *FlowController
	repo     *MockConnectionRepository
	provider *MockProvider
	flags    *flags.MemoryStore
	status   *StatusService
}

func newFlowFixture() *flowFixture {
	repo := new(MockConnectionRepository)
	provider := new(MockProvider)
	store := flags.NewMemoryStore()
	status := NewStatusService(repo, store, testLogger())
	gate := NewRedirectGate(store, testLogger())

	flow := NewFlowController(provider, nil, repo, plainSealer{}, store, status, gate, FlowConfig{
		RedirectURI:    "https://app.example.com/quickbooks/callback",
		PostAuthPath:   "/dashboard",
		PostRevokePath: "/",
		ReconnectPath:  "/connect",
	}, testLogger())

	return &flowFixture{flow: flow, repo: repo, provider: provider, flags: store, status: status}
}

func TestConnect_RequiresUser(t *testing.T) {
	fx := newFlowFixture()

	_, err := fx.flow.Connect(context.Background(), "")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestConnect_BuildsIntentAndRecordsAttempt(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	var captured quickbooks.AuthorizeParams
	fx.provider.On("AuthorizeURL", mock.AnythingOfType("quickbooks.AuthorizeParams")).
		Run(func(args mock.Arguments) {
			captured = args.Get(0).(quickbooks.AuthorizeParams)
		}).
		Return("https://appcenter.intuit.com/connect/oauth2?...").Once()

	intent, err := fx.flow.Connect(ctx, "u1")
	require.NoError(t, err)

	assert.NotEmpty(t, intent.AuthURL)
	assert.NotEmpty(t, intent.State)
	assert.Equal(t, PopupWidth, intent.Popup.Width)
	assert.Equal(t, PopupHeight, intent.Popup.Height)
	assert.Contains(t, intent.Popup.Name, "qb-connect-")

	assert.Equal(t, intent.State, captured.State)
	assert.Equal(t, "S256", captured.CodeChallengeMethod)
	assert.NotEmpty(t, captured.CodeChallenge)

	// The verifier is persisted for the callback and marks the attempt live.
	f, err := fx.flags.Get(ctx, "u1", flags.KindVerifier, "")
	require.NoError(t, err)
	assert.Equal(t, intent.Verifier, f.Payload)
	assert.True(t, fx.flow.IsConnecting(ctx, "u1"))
}

func TestConnect_ClearsPriorSignals(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	// Leftovers from an abandoned attempt.
	require.NoError(t, fx.flags.Set(ctx, flags.Flag{
		UserID: "u1", Kind: flags.KindProcessed, Scope: "9991",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, fx.flags.Set(ctx, flags.Flag{
		UserID: "u1", Kind: flags.KindForceDisconnected,
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	fx.provider.On("AuthorizeURL", mock.Anything).Return("https://auth").Once()

	_, err := fx.flow.Connect(ctx, "u1")
	require.NoError(t, err)

	_, err = fx.flags.Get(ctx, "u1", flags.KindProcessed, "9991")
	assert.ErrorIs(t, err, flags.ErrNotFound)
	_, err = fx.flags.Get(ctx, "u1", flags.KindForceDisconnected, "")
	assert.ErrorIs(t, err, flags.ErrNotFound)
}

func TestCancelConnect_RequiresUser(t *testing.T) {
	fx := newFlowFixture()

	err := fx.flow.CancelConnect(context.Background(), "")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestCancelConnect_EndsAbandonedAttemptImmediately(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	fx.provider.On("AuthorizeURL", mock.Anything).Return("https://auth").Once()

	_, err := fx.flow.Connect(ctx, "u1")
	require.NoError(t, err)
	require.True(t, fx.flow.IsConnecting(ctx, "u1"))

	// The popup closed without ever reaching the callback. Cancelling must
	// end the attempt now, not when the flag TTL runs out.
	require.NoError(t, fx.flow.CancelConnect(ctx, "u1"))

	assert.False(t, fx.flow.IsConnecting(ctx, "u1"))
	_, err = fx.flags.Get(ctx, "u1", flags.KindVerifier, "")
	assert.ErrorIs(t, err, flags.ErrNotFound)
}

func TestHandleCallback_ExchangesOnceAndConnects(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	tokens := &quickbooks.TokenSet{
		AccessToken:      "at-1",
		RefreshToken:     "rt-1",
		TokenType:        "bearer",
		ExpiresAt:        time.Now().Add(time.Hour),
		RefreshExpiresAt: time.Now().Add(100 * 24 * time.Hour),
	}
	fx.provider.On("Exchange", ctx, "abc123", "https://app.example.com/quickbooks/callback", "verifier-1").
		Return(tokens, nil).Once()
	fx.provider.On("GetCompanyInfo", ctx, "at-1", "9991").
		Return(&quickbooks.CompanyInfo{CompanyName: "Acme Rentals"}, nil).Once()

	stored := &Connection{UserID: "u1", RealmID: "9991", CompanyName: "Acme Rentals"}
	fx.repo.On("Upsert", ctx, mock.AnythingOfType("*connections.Connection")).Return(stored, nil).Once()
	fx.repo.On("Exists", ctx, "u1").Return(true, nil)
	fx.repo.On("GetByUserID", ctx, "u1").Return(stored, nil)

	result, err := fx.flow.HandleCallback(ctx, CallbackParams{
		Code: "abc123", RealmID: "9991", UserID: "u1", Verifier: "verifier-1",
	})
	require.NoError(t, err)

	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, "Acme Rentals", result.CompanyName)
	assert.Equal(t, "/dashboard", result.RedirectTo)

	// Tokens are sealed before they touch storage.
	upserted := fx.repo.Calls[0].Arguments.Get(1).(*Connection)
	assert.Equal(t, "sealed:at-1", upserted.AccessToken)
	assert.Equal(t, "sealed:rt-1", upserted.RefreshToken)

	assert.Equal(t, StatusConnected, fx.status.Current("u1").Status)

	_, err = fx.flags.Get(ctx, "u1", flags.KindAuthSuccess, "")
	assert.NoError(t, err)
}

func TestHandleCallback_DuplicateSkipsExchange(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	tokens := &quickbooks.TokenSet{AccessToken: "at-1", RefreshToken: "rt-1", TokenType: "bearer"}
	fx.provider.On("Exchange", ctx, "abc123", mock.Anything, mock.Anything).Return(tokens, nil).Once()
	fx.provider.On("GetCompanyInfo", ctx, "at-1", "9991").
		Return(&quickbooks.CompanyInfo{CompanyName: "Acme Rentals"}, nil).Once()

	stored := &Connection{UserID: "u1", RealmID: "9991", CompanyName: "Acme Rentals"}
	fx.repo.On("Upsert", ctx, mock.Anything).Return(stored, nil).Once()
	fx.repo.On("Exists", ctx, "u1").Return(true, nil)
	fx.repo.On("GetByUserID", ctx, "u1").Return(stored, nil)

	params := CallbackParams{Code: "abc123", RealmID: "9991", UserID: "u1", Verifier: "v"}

	first, err := fx.flow.HandleCallback(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "/dashboard", first.RedirectTo)

	// The same callback fires again with identical parameters.
	second, err := fx.flow.HandleCallback(ctx, params)
	require.NoError(t, err)

	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, "Acme Rentals", second.CompanyName)
	// The first invocation already won the redirect.
	assert.Empty(t, second.RedirectTo)

	fx.provider.AssertNumberOfCalls(t, "Exchange", 1)
	fx.repo.AssertNumberOfCalls(t, "Upsert", 1)

	// Route guards still see the just-authenticated signal.
	_, err = fx.flags.Get(ctx, "u1", flags.KindAuthSuccess, "")
	assert.NoError(t, err)
}

func TestHandleCallback_ExchangeErrorClearsFingerprint(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	fx.provider.On("Exchange", ctx, "bad-code", mock.Anything, mock.Anything).
		Return(nil, &quickbooks.OAuthError{StatusCode: 400, Code: "invalid_grant"}).Once()

	_, err := fx.flow.HandleCallback(ctx, CallbackParams{
		Code: "bad-code", RealmID: "9991", UserID: "u1", Verifier: "v",
	})
	require.Error(t, err)

	var exchangeErr *ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, "9991", exchangeErr.RealmID)
	assert.NotEmpty(t, fx.status.LastError("u1"))

	// A fresh attempt with a new code must exchange again, not short-circuit
	// on the failed attempt's fingerprint.
	tokens := &quickbooks.TokenSet{AccessToken: "at-2", RefreshToken: "rt-2", TokenType: "bearer"}
	fx.provider.On("Exchange", ctx, "good-code", mock.Anything, mock.Anything).Return(tokens, nil).Once()
	fx.provider.On("GetCompanyInfo", ctx, "at-2", "9991").Return(nil, errors.New("unavailable"))
	stored := &Connection{UserID: "u1", RealmID: "9991"}
	fx.repo.On("Upsert", ctx, mock.Anything).Return(stored, nil).Once()
	fx.repo.On("Exists", ctx, "u1").Return(true, nil)
	fx.repo.On("GetByUserID", ctx, "u1").Return(stored, nil)

	result, err := fx.flow.HandleCallback(ctx, CallbackParams{
		Code: "good-code", RealmID: "9991", UserID: "u1", Verifier: "v",
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	fx.provider.AssertNumberOfCalls(t, "Exchange", 2)
}

func TestHandleCallback_MissingParams(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	_, err := fx.flow.HandleCallback(ctx, CallbackParams{Code: "c", RealmID: "r"})
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = fx.flow.HandleCallback(ctx, CallbackParams{UserID: "u1", RealmID: "r"})
	assert.Error(t, err)

	_, err = fx.flow.HandleCallback(ctx, CallbackParams{UserID: "u1", Code: "c"})
	assert.Error(t, err)
}

func TestDisconnect_RevokesAndDeletes(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	conn := &Connection{UserID: "u1", RealmID: "9991", RefreshToken: "sealed:rt-1"}
	fx.repo.On("GetByUserID", ctx, "u1").Return(conn, nil).Once()
	fx.provider.On("Revoke", ctx, "rt-1").Return(nil).Once()
	fx.repo.On("Delete", ctx, "u1").Return(nil).Once()
	fx.repo.On("Exists", ctx, "u1").Return(false, nil)

	result, err := fx.flow.Disconnect(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, "/", result.RedirectTo)
	assert.Equal(t, StatusDisconnected, fx.status.Current("u1").Status)
	fx.provider.AssertExpectations(t)
	fx.repo.AssertExpectations(t)
}

func TestDisconnect_RevokeFailureStillDisconnects(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	conn := &Connection{UserID: "u1", RealmID: "9991", RefreshToken: "sealed:rt-1"}
	fx.repo.On("GetByUserID", ctx, "u1").Return(conn, nil).Once()
	fx.provider.On("Revoke", ctx, "rt-1").Return(errors.New("intuit unavailable")).Once()
	fx.repo.On("Delete", ctx, "u1").Return(nil).Once()
	fx.repo.On("Exists", ctx, "u1").Return(false, nil)

	result, err := fx.flow.Disconnect(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, "/", result.RedirectTo)
	assert.Equal(t, StatusDisconnected, fx.status.Current("u1").Status)
	fx.repo.AssertCalled(t, "Delete", ctx, "u1")
}

func TestDisconnect_NoConnectionIsStillClean(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	fx.repo.On("GetByUserID", ctx, "u1").Return(nil, ErrNotConnected).Once()
	fx.repo.On("Exists", ctx, "u1").Return(false, nil)

	result, err := fx.flow.Disconnect(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, "/", result.RedirectTo)
	fx.provider.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
}

func TestDisconnect_ForcedWindowOutvotesStaleRead(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	conn := &Connection{UserID: "u1", RealmID: "9991", RefreshToken: "sealed:rt-1", CompanyName: "Acme"}
	fx.repo.On("GetByUserID", ctx, "u1").Return(conn, nil)
	fx.provider.On("Revoke", ctx, "rt-1").Return(nil).Once()
	fx.repo.On("Delete", ctx, "u1").Return(nil).Once()
	// A racing probe still sees the row as present after the disconnect.
	fx.repo.On("Exists", ctx, "u1").Return(true, nil)

	_, err := fx.flow.Disconnect(ctx, "u1")
	require.NoError(t, err)

	// The forced-disconnected window out-votes the stale "connected" result.
	assert.Equal(t, StatusDisconnected, fx.status.Current("u1").Status)
}
