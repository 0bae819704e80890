package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Transync-pro/transync-connect/internal/flags"
	"github.com/Transync-pro/transync-connect/internal/quickbooks"
)

const (
	// forcedStateWindow bounds how long a just-written state out-votes
	// concurrent stale reads after connect or disconnect.
	forcedStateWindow = 10 * time.Second

	// connectingTTL bounds a connect attempt. If the popup is abandoned the
	// flag expires on its own and the UI stops reporting "connecting".
	connectingTTL = 5 * time.Minute

	// processedTTL is how long an exchange fingerprint stays live. Re-fired
	// callback effects land well inside this window.
	processedTTL = 10 * time.Minute
)

// Popup geometry for the authorization window.
const (
	PopupWidth  = 600
	PopupHeight = 700
)

// ConnectIntent is everything the dashboard needs to open the authorization
// popup for one connect attempt.
type ConnectIntent struct {
	AuthURL  string    `json:"authUrl"`
	State    string    `json:"state"`
	Verifier string    `json:"-"`
	Popup    PopupSpec `json:"popup"`
}

// PopupSpec is the fixed popup geometry plus a unique handle name.
type PopupSpec struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// CallbackParams are the inputs to callback processing, combining the query
// parameters from the redirect with the verifier and user recovered from the
// auth session cookie.
type CallbackParams struct {
	Code        string
	RealmID     string
	UserID      string
	Verifier    string
	RedirectURI string
}

// CallbackResult reports what callback processing decided.
type CallbackResult struct {
	CompanyName      string
	RealmID          string
	AlreadyProcessed bool
	// RedirectTo is non-empty only for the caller that won the redirect.
	RedirectTo string
}

// DisconnectResult reports the outcome of a disconnect.
type DisconnectResult struct {
	// RedirectTo is non-empty only for the caller that won the redirect.
	RedirectTo string
}

// FlowController drives the authorization handshake: building the authorize
// URL with a PKCE challenge, exchanging the one-time code exactly once, and
// tearing the connection down on disconnect.
type FlowController struct {
	provider Provider
	identity IdentityVerifier
	repo     ConnectionRepository
	sealer   Sealer
	flags    flags.Store
	status   *StatusService
	gate     *RedirectGate
	logger   *slog.Logger
	now      func() time.Time

	redirectURI    string
	postAuthPath   string
	postRevokePath string
	reconnectPath  string
}

// FlowConfig holds the redirect targets and callback URI for the flow.
type FlowConfig struct {
	// RedirectURI is the OAuth callback URL registered with Intuit,
	// computed from the deployment's public origin.
	RedirectURI string

	// PostAuthPath is where the opener navigates after a successful connect.
	PostAuthPath string

	// PostRevokePath is where the opener navigates after a disconnect.
	PostRevokePath string

	// ReconnectPath is where a failed exchange sends the user to start over.
	ReconnectPath string
}

// NewFlowController creates the OAuth flow controller.
func NewFlowController(
	provider Provider,
	identity IdentityVerifier,
	repo ConnectionRepository,
	sealer Sealer,
	flagStore flags.Store,
	status *StatusService,
	gate *RedirectGate,
	cfg FlowConfig,
	logger *slog.Logger,
) *FlowController {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PostAuthPath == "" {
		cfg.PostAuthPath = "/dashboard"
	}
	if cfg.PostRevokePath == "" {
		cfg.PostRevokePath = "/"
	}
	if cfg.ReconnectPath == "" {
		cfg.ReconnectPath = "/connect"
	}
	return &FlowController{
		provider:       provider,
		identity:       identity,
		repo:           repo,
		sealer:         sealer,
		flags:          flagStore,
		status:         status,
		gate:           gate,
		logger:         logger,
		now:            time.Now,
		redirectURI:    cfg.RedirectURI,
		postAuthPath:   cfg.PostAuthPath,
		postRevokePath: cfg.PostRevokePath,
		reconnectPath:  cfg.ReconnectPath,
	}
}

// SetClock overrides the controller time source. Test helper.
func (f *FlowController) SetClock(now func() time.Time) {
	f.now = now
}

// ReconnectPath exposes where a failed exchange should send the user.
func (f *FlowController) ReconnectPath() string {
	return f.reconnectPath
}

// Connect starts a fresh connect attempt: clears every prior signal for the
// user, generates a PKCE pair, records the attempt, and returns the
// authorization URL plus popup geometry. Retrying after any failure is always
// a brand-new Connect, never a reuse of earlier parameters.
func (f *FlowController) Connect(ctx context.Context, userID string) (*ConnectIntent, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}

	if err := f.flags.ClearAll(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to clear prior auth signals: %w", err)
	}

	pkce, err := quickbooks.GeneratePKCEChallenge()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE challenge: %w", err)
	}
	state, err := quickbooks.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	now := f.now()
	if err := f.flags.Set(ctx, flags.Flag{
		UserID:    userID,
		Kind:      flags.KindVerifier,
		Payload:   pkce.Verifier,
		ExpiresAt: now.Add(connectingTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist PKCE verifier: %w", err)
	}
	if err := f.flags.Set(ctx, flags.Flag{
		UserID:    userID,
		Kind:      flags.KindConnecting,
		Payload:   now.Format(time.RFC3339),
		ExpiresAt: now.Add(connectingTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to record connect attempt: %w", err)
	}

	authURL := f.provider.AuthorizeURL(quickbooks.AuthorizeParams{
		RedirectURI:         f.redirectURI,
		State:               state,
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: pkce.Method,
	})

	f.logger.Info("starting QuickBooks connect", "user_id", userID)

	return &ConnectIntent{
		AuthURL:  authURL,
		State:    state,
		Verifier: pkce.Verifier,
		Popup: PopupSpec{
			Name:   "qb-connect-" + uuid.NewString(),
			Width:  PopupWidth,
			Height: PopupHeight,
		},
	}, nil
}

// IsConnecting reports whether a connect attempt is currently in progress for
// the user. The flag expires on its own when a popup is abandoned.
func (f *FlowController) IsConnecting(ctx context.Context, userID string) bool {
	_, err := f.flags.Get(ctx, userID, flags.KindConnecting, "")
	return err == nil
}

// CancelConnect abandons an in-progress connect attempt. The opener calls this
// when it sees the popup close without a result message, so status polls stop
// reporting "connecting" right away instead of waiting out the flag TTL. The
// verifier dies with the attempt; a retry is always a fresh Connect.
func (f *FlowController) CancelConnect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrAuthRequired
	}

	if err := f.flags.Clear(ctx, userID, flags.KindConnecting, ""); err != nil {
		return fmt.Errorf("failed to clear connect attempt: %w", err)
	}
	if err := f.flags.Clear(ctx, userID, flags.KindVerifier, ""); err != nil {
		f.logger.Warn("failed to clear verifier on cancel", "user_id", userID, "error", err)
	}

	f.logger.Info("QuickBooks connect attempt cancelled", "user_id", userID)
	return nil
}

// HandleCallback processes the authorization redirect. It runs at most one
// token exchange per (realm, user) fingerprint: a duplicate invocation (a
// re-rendered callback page, a double redirect) skips the network exchange
// entirely, re-asserts the just-authenticated signals so route guards don't
// force a re-auth, and proceeds to post-success handling.
func (f *FlowController) HandleCallback(ctx context.Context, p CallbackParams) (*CallbackResult, error) {
	if p.UserID == "" {
		return nil, ErrAuthRequired
	}
	if p.Code == "" || p.RealmID == "" {
		return nil, fmt.Errorf("missing authorization code or realm")
	}

	fingerprint := Fingerprint(p.RealmID, p.UserID)
	won, err := f.flags.SetNX(ctx, flags.Flag{
		UserID:    p.UserID,
		Kind:      flags.KindProcessed,
		Scope:     p.RealmID,
		Payload:   fingerprint,
		ExpiresAt: f.now().Add(processedTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record exchange fingerprint: %w", err)
	}

	if !won {
		// Already processed: the code was exchanged by an earlier invocation.
		// Never exchange the same code twice; just re-assert the signals.
		f.logger.Info("callback already processed, skipping exchange",
			"user_id", p.UserID, "realm_id", p.RealmID)

		f.assertAuthSuccess(ctx, p.UserID)
		result := &CallbackResult{RealmID: p.RealmID, AlreadyProcessed: true}
		if summary, err := f.flags.Get(ctx, p.UserID, flags.KindSummary, ""); err == nil {
			if s, ok := decodeSummary(summary.Payload); ok {
				result.CompanyName = s.CompanyName
			}
		}
		if result.CompanyName == "" {
			// The summary cache may already have been consumed by a forced
			// check; the stored row is the durable source.
			if conn, err := f.repo.GetByUserID(ctx, p.UserID); err == nil {
				result.CompanyName = conn.CompanyName
			}
		}
		if f.gate.TryAcquire(ctx, p.UserID, EventAuthSuccess) {
			result.RedirectTo = f.postAuthPath
		}
		return result, nil
	}

	redirectURI := p.RedirectURI
	if redirectURI == "" {
		redirectURI = f.redirectURI
	}

	tokens, err := f.provider.Exchange(ctx, p.Code, redirectURI, p.Verifier)
	if err != nil {
		// The code is now unusable regardless of the failure mode. Clear the
		// fingerprint so a brand-new connect attempt can exchange its own
		// code, and send the user back to reconnect.
		if clearErr := f.flags.Clear(ctx, p.UserID, flags.KindProcessed, p.RealmID); clearErr != nil {
			f.logger.Warn("failed to clear fingerprint after exchange error",
				"user_id", p.UserID, "error", clearErr)
		}
		exchangeErr := &ExchangeError{RealmID: p.RealmID, Err: err}
		f.status.SetLastError(p.UserID, exchangeErr.Error())
		return nil, exchangeErr
	}

	var ident *quickbooks.Identity
	if f.identity != nil && tokens.IDToken != "" {
		ident, err = f.identity.Verify(ctx, tokens.IDToken)
		if err != nil {
			// Identity is informational; the connection stands on the tokens.
			f.logger.Warn("failed to verify id_token", "user_id", p.UserID, "error", err)
		}
	}

	companyName := ""
	if info, err := f.provider.GetCompanyInfo(ctx, tokens.AccessToken, p.RealmID); err != nil {
		f.logger.Warn("failed to fetch company info", "user_id", p.UserID, "realm_id", p.RealmID, "error", err)
	} else {
		companyName = info.CompanyName
	}

	sealedAccess, err := f.sealer.Seal(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	sealedRefresh, err := f.sealer.Seal(tokens.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}

	conn := &Connection{
		UserID:           p.UserID,
		RealmID:          p.RealmID,
		AccessToken:      sealedAccess,
		RefreshToken:     sealedRefresh,
		TokenType:        tokens.TokenType,
		ExpiresAt:        tokens.ExpiresAt,
		RefreshExpiresAt: tokens.RefreshExpiresAt,
		CompanyName:      companyName,
	}
	if _, err := f.repo.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to store connection: %w", err)
	}

	logAttrs := []any{"user_id", p.UserID, "realm_id", p.RealmID, "company", companyName}
	if ident != nil {
		logAttrs = append(logAttrs, "intuit_subject", ident.Subject)
	}
	f.logger.Info("QuickBooks connection established", logAttrs...)

	now := f.now()
	f.assertAuthSuccess(ctx, p.UserID)
	if err := f.flags.Set(ctx, flags.Flag{
		UserID:    p.UserID,
		Kind:      flags.KindSummary,
		Payload:   encodeSummary(Summary{RealmID: p.RealmID, CompanyName: companyName}),
		ExpiresAt: now.Add(authSuccessWindow),
	}); err != nil {
		f.logger.Warn("failed to store connection summary", "user_id", p.UserID, "error", err)
	}
	if err := f.flags.Set(ctx, flags.Flag{
		UserID:    p.UserID,
		Kind:      flags.KindForceConnected,
		ExpiresAt: now.Add(forcedStateWindow),
	}); err != nil {
		f.logger.Warn("failed to set forced-connected window", "user_id", p.UserID, "error", err)
	}
	if err := f.flags.Clear(ctx, p.UserID, flags.KindConnecting, ""); err != nil {
		f.logger.Warn("failed to clear connecting flag", "user_id", p.UserID, "error", err)
	}

	if _, err := f.status.CheckStatus(ctx, p.UserID, true, false); err != nil {
		f.logger.Warn("post-auth status check failed", "user_id", p.UserID, "error", err)
	}

	result := &CallbackResult{CompanyName: companyName, RealmID: p.RealmID}
	if f.gate.TryAcquire(ctx, p.UserID, EventAuthSuccess) {
		result.RedirectTo = f.postAuthPath
	}
	return result, nil
}

// Disconnect tears the connection down. The upstream revoke is best-effort:
// the goal is to present the user as disconnected even if the revoke silently
// failed, so local cleanup always proceeds.
func (f *FlowController) Disconnect(ctx context.Context, userID string) (*DisconnectResult, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}

	if err := f.flags.ClearAll(ctx, userID); err != nil {
		f.logger.Warn("failed to clear auth signals on disconnect", "user_id", userID, "error", err)
	}

	conn, err := f.repo.GetByUserID(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return nil, err
	}

	if conn != nil {
		refreshToken, openErr := f.sealer.Open(conn.RefreshToken)
		if openErr != nil {
			f.logger.Warn("failed to unseal refresh token for revoke", "user_id", userID, "error", openErr)
		} else if revokeErr := f.provider.Revoke(ctx, refreshToken); revokeErr != nil {
			f.logger.Warn("upstream revoke failed, continuing local disconnect",
				"user_id", userID, "error", revokeErr)
		}

		if delErr := f.repo.Delete(ctx, userID); delErr != nil && !errors.Is(delErr, ErrNotConnected) {
			return nil, fmt.Errorf("failed to delete connection: %w", delErr)
		}
	}

	// Out-vote any in-flight stale "connected" read for a bounded window.
	if err := f.flags.Set(ctx, flags.Flag{
		UserID:    userID,
		Kind:      flags.KindForceDisconnected,
		ExpiresAt: f.now().Add(forcedStateWindow),
	}); err != nil {
		f.logger.Warn("failed to set forced-disconnected window", "user_id", userID, "error", err)
	}

	f.status.Forget(userID)
	if _, err := f.status.CheckStatus(ctx, userID, true, false); err != nil {
		f.logger.Warn("post-disconnect status check failed", "user_id", userID, "error", err)
	}

	f.logger.Info("QuickBooks connection removed", "user_id", userID)

	result := &DisconnectResult{}
	if f.gate.TryAcquire(ctx, userID, EventDisconnect) {
		result.RedirectTo = f.postRevokePath
	}
	return result, nil
}

// assertAuthSuccess writes the canonical just-authenticated signal.
func (f *FlowController) assertAuthSuccess(ctx context.Context, userID string) {
	if err := f.flags.Set(ctx, flags.Flag{
		UserID:    userID,
		Kind:      flags.KindAuthSuccess,
		Payload:   f.now().Format(time.RFC3339),
		ExpiresAt: f.now().Add(authSuccessWindow),
	}); err != nil {
		f.logger.Warn("failed to set auth-success flag", "user_id", userID, "error", err)
	}
}
