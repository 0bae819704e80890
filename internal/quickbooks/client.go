// Package quickbooks implements the OAuth 2.0 (authorization code + PKCE)
// client for the QuickBooks Online platform: authorization URL composition,
// code exchange, token refresh, revocation, and the company-info probe used
// to resolve the connected company's display name.
package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	productionAuthorizeURL = "https://appcenter.intuit.com/connect/oauth2"
	productionTokenURL     = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	productionRevokeURL    = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
	productionAPIBaseURL   = "https://quickbooks.api.intuit.com"
	sandboxAPIBaseURL      = "https://sandbox-quickbooks.api.intuit.com"

	// DefaultScopes covers the accounting API plus the OpenID claims used to
	// identify the connecting Intuit account.
	DefaultScopes = "com.intuit.quickbooks.accounting openid profile email"
)

// Config holds the Intuit app credentials and environment selection.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       string
	Sandbox      bool

	// Endpoint overrides, used by tests and local stubs. Empty values fall
	// back to the Intuit production endpoints.
	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	APIBaseURL   string
}

// Client talks to the Intuit OAuth and accounting endpoints.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a QuickBooks OAuth client.
func NewClient(config Config) (*Client, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("client ID and secret are required")
	}
	if config.Scopes == "" {
		config.Scopes = DefaultScopes
	}
	if config.AuthorizeURL == "" {
		config.AuthorizeURL = productionAuthorizeURL
	}
	if config.TokenURL == "" {
		config.TokenURL = productionTokenURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = productionRevokeURL
	}
	if config.APIBaseURL == "" {
		if config.Sandbox {
			config.APIBaseURL = sandboxAPIBaseURL
		} else {
			config.APIBaseURL = productionAPIBaseURL
		}
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// TokenSet is the result of a code exchange or a refresh.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	IDToken          string
}

// AuthorizeParams are the per-attempt inputs to the authorization URL.
type AuthorizeParams struct {
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeURL builds the Intuit authorization URL with the PKCE challenge.
func (c *Client) AuthorizeURL(p AuthorizeParams) string {
	q := url.Values{}
	q.Set("client_id", c.config.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", c.config.Scopes)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("state", p.State)
	if p.CodeChallenge != "" {
		q.Set("code_challenge", p.CodeChallenge)
		q.Set("code_challenge_method", p.CodeChallengeMethod)
	}
	return c.config.AuthorizeURL + "?" + q.Encode()
}

// tokenResponse is the wire shape of Intuit's bearer token endpoint.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
	IDToken               string `json:"id_token"`
	Error                 string `json:"error"`
	ErrorDescription      string `json:"error_description"`
}

// Exchange trades a one-time authorization code for tokens. Codes are single
// use and short-lived; the caller must never retry an exchange with the same
// code.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.tokenRequest(ctx, form)
}

// Refresh trades a refresh token for a new token pair. Intuit rotates the
// refresh token on every call; the caller must persist the returned pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		return nil, &OAuthError{
			StatusCode:  resp.StatusCode,
			Code:        tr.Error,
			Description: tr.ErrorDescription,
		}
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	now := time.Now()
	ts := &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		IDToken:      tr.IDToken,
	}
	if ts.TokenType == "" {
		ts.TokenType = "bearer"
	}
	if tr.RefreshTokenExpiresIn > 0 {
		ts.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}
	return ts, nil
}

// Revoke invalidates a refresh (or access) token upstream. Callers treat
// failures as best-effort: local disconnect proceeds regardless.
func (c *Client) Revoke(ctx context.Context, token string) error {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("failed to encode revoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

// CompanyInfo is the subset of the companyinfo resource we care about.
type CompanyInfo struct {
	CompanyName string
}

// GetCompanyInfo fetches the company display name for a realm.
func (c *Client) GetCompanyInfo(ctx context.Context, accessToken, realmID string) (*CompanyInfo, error) {
	endpoint := fmt.Sprintf("%s/v3/company/%s/companyinfo/%s?minorversion=75",
		c.config.APIBaseURL, url.PathEscape(realmID), url.PathEscape(realmID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create companyinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("companyinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("companyinfo returned status %d", resp.StatusCode)
	}

	var payload struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode companyinfo response: %w", err)
	}

	return &CompanyInfo{CompanyName: payload.CompanyInfo.CompanyName}, nil
}

// OAuthError is a protocol-level error from the token endpoint (invalid,
// expired, or reused authorization code, bad refresh token, and so on).
// These are never retried with the same inputs.
type OAuthError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %q (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("oauth error %q (status %d)", e.Code, e.StatusCode)
}
