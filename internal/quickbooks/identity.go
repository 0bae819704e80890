package quickbooks

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	intuitIssuer  = "https://oauth.platform.intuit.com/op/v1"
	intuitJWKSURL = "https://oauth.platform.intuit.com/op/v1/jwks"
)

// Identity is the OpenID identity of the Intuit account that authorized the
// connection, extracted from the id_token returned by the token endpoint.
type Identity struct {
	Subject   string
	Email     string
	GivenName string
}

// IdentityVerifier validates Intuit id_tokens against the platform JWKS and
// extracts the identity claims.
type IdentityVerifier struct {
	clientID string
	jwksURL  string
	cache    *jwk.Cache

	// skipVerify parses without signature verification. Only for local
	// development against stub token endpoints that sign with throwaway keys.
	skipVerify bool
}

// NewIdentityVerifier creates a verifier backed by a refreshing JWKS cache.
func NewIdentityVerifier(ctx context.Context, clientID string, skipVerify bool) (*IdentityVerifier, error) {
	v := &IdentityVerifier{
		clientID:   clientID,
		jwksURL:    intuitJWKSURL,
		skipVerify: skipVerify,
	}
	if skipVerify {
		return v, nil
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(v.jwksURL); err != nil {
		return nil, fmt.Errorf("failed to register Intuit JWKS: %w", err)
	}
	v.cache = cache
	return v, nil
}

// Verify parses the id_token and returns the identity claims. An empty
// id_token is not an error at this layer; callers treat identity as optional.
func (v *IdentityVerifier) Verify(ctx context.Context, idToken string) (*Identity, error) {
	if idToken == "" {
		return nil, nil
	}

	var tok jwt.Token
	var err error
	if v.skipVerify {
		tok, err = jwt.ParseInsecure([]byte(idToken))
	} else {
		var set jwk.Set
		set, err = v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch Intuit JWKS: %w", err)
		}
		tok, err = jwt.Parse([]byte(idToken),
			jwt.WithKeySet(set),
			jwt.WithValidate(true),
			jwt.WithIssuer(intuitIssuer),
			jwt.WithAudience(v.clientID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse id_token: %w", err)
	}

	ident := &Identity{Subject: tok.Subject()}
	if email, ok := tok.Get("email"); ok {
		if s, ok := email.(string); ok {
			ident.Email = s
		}
	}
	if name, ok := tok.Get("givenName"); ok {
		if s, ok := name.(string); ok {
			ident.GivenName = s
		}
	}
	return ident, nil
}
