package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/coworker/internal/infra"
	"github.com/haasonsaas/coworker/internal/protocol"
)

const (
	// RefreshSkew is how long before hard expiry a token is treated as
	// expiring and refreshed.
	RefreshSkew = 60 * time.Second

	// refreshTimeout bounds the refresh network call. The refresh runs on
	// its own context so an aborted turn cannot cancel a refresh other
	// callers are waiting on.
	refreshTimeout = 30 * time.Second
)

// Material is ready-to-use provider access material.
type Material struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
	ExtraHeaders map[string]string
	AccountID    string
	AuthMode     string
}

type issuerDefaults struct {
	issuer   string
	clientID string
}

// Known OAuth issuers per provider, used when the token file does not pin
// its own.
var defaultIssuers = map[string]issuerDefaults{
	"openai":    {issuer: "https://auth.openai.com", clientID: "app_EMoamEEZ73f0CkXaXp7hrann"},
	"anthropic": {issuer: "https://console.anthropic.com", clientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e"},
}

// Resolver turns (session config, provider name) into valid access material,
// refreshing expiring OAuth tokens on the way.
type Resolver struct {
	store      *Store
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	flight infra.Group[string, Material]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithHTTPClient overrides the HTTP client used for token refresh.
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = c }
}

// WithClock overrides the resolver's clock.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over a credential store.
func NewResolver(store *Store, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:  store,
		logger: logger.With("component", "credentials"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func missingErr(provider string, cause error) error {
	return &protocol.TurnError{
		Code:    protocol.ErrCodeCredentialsMissing,
		Source:  protocol.SourceProvider,
		Message: fmt.Sprintf("no usable credentials for %s", provider),
		Err:     cause,
	}
}

// Resolve returns access material for the provider that is valid now.
// API-key providers read straight from the store. OAuth providers refresh
// when the token is within RefreshSkew of expiry and a refresh token is
// present; hard expiry without a refresh token is fatal for the turn.
func (r *Resolver) Resolve(ctx context.Context, provider string) (Material, error) {
	file, err := r.store.Load(provider)
	if err != nil {
		return Material{}, missingErr(provider, err)
	}

	switch file.AuthMode {
	case AuthModeAPIKey:
		if file.Tokens.AccessToken == "" {
			return Material{}, missingErr(provider, nil)
		}
		return Material{AccessToken: file.Tokens.AccessToken, AuthMode: AuthModeAPIKey}, nil
	case AuthModeChatGPT:
		return r.resolveOAuth(ctx, provider, file)
	default:
		return Material{}, missingErr(provider, fmt.Errorf("unknown auth mode %q", file.AuthMode))
	}
}

func (r *Resolver) resolveOAuth(ctx context.Context, provider string, file *File) (Material, error) {
	tokens := file.Tokens
	if tokens.AccessToken == "" {
		return Material{}, missingErr(provider, nil)
	}

	claims := DecodeClaims(tokens)
	accountID := claims.AccountID
	if file.Account != nil && file.Account.AccountID != "" {
		accountID = file.Account.AccountID
	}

	expiresAt := time.UnixMilli(tokens.ExpiresAt)
	expiring := tokens.ExpiresAt != 0 && expiresAt.Sub(r.now()) <= RefreshSkew

	if !expiring {
		return r.material(provider, file, accountID), nil
	}
	if tokens.RefreshToken == "" {
		return Material{}, missingErr(provider, fmt.Errorf("token expired with no refresh token"))
	}

	key := provider + "/" + accountID
	mat, err, shared := r.flight.Do(key, func() (Material, error) {
		return r.refresh(provider, file, accountID)
	})
	if err != nil {
		return Material{}, err
	}
	if shared {
		r.logger.Debug("shared coalesced token refresh", "provider", provider)
	}

	// An abort that fired while the coalesced refresh was in flight
	// surfaces only after the refresh settles.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Material{}, protocol.WrapTurnError(protocol.ErrCodeTurnAborted, protocol.SourceSession, ctxErr)
	}
	return mat, nil
}

// refresh performs the OAuth refresh grant and persists the rotated tokens.
// It deliberately ignores the caller's context: the result is shared across
// coalesced callers.
func (r *Resolver) refresh(provider string, file *File, accountID string) (Material, error) {
	issuer, clientID := file.Issuer, file.ClientID
	if def, ok := defaultIssuers[provider]; ok {
		if issuer == "" {
			issuer = def.issuer
		}
		if clientID == "" {
			clientID = def.clientID
		}
	}
	if issuer == "" {
		return Material{}, missingErr(provider, fmt.Errorf("no issuer configured"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: issuer + "/oauth/token"},
	}

	r.logger.Info("refreshing provider token", "provider", provider, "account_id", accountID)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: file.Tokens.RefreshToken}).Token()
	if err != nil {
		return Material{}, &protocol.TurnError{
			Code:    protocol.ErrCodeCredentialsMissing,
			Source:  protocol.SourceProvider,
			Message: fmt.Sprintf("token refresh failed for %s", provider),
			Err:     err,
		}
	}

	file.Tokens.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		file.Tokens.RefreshToken = tok.RefreshToken
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		file.Tokens.IDToken = idToken
	}
	if !tok.Expiry.IsZero() {
		file.Tokens.ExpiresAt = tok.Expiry.UnixMilli()
	}
	file.LastRefresh = r.now().UTC().Format(time.RFC3339)

	claims := DecodeClaims(file.Tokens)
	if claims.AccountID != "" || claims.Email != "" || claims.PlanType != "" {
		file.Account = &Account{AccountID: claims.AccountID, Email: claims.Email, PlanType: claims.PlanType}
		if accountID == "" {
			accountID = claims.AccountID
		}
	}

	if err := r.store.Save(provider, file); err != nil {
		// The refreshed token is still usable this turn even if the
		// write failed.
		r.logger.Warn("failed to persist refreshed token", "provider", provider, "error", err)
	}

	return r.material(provider, file, accountID), nil
}

func (r *Resolver) material(provider string, file *File, accountID string) Material {
	mat := Material{
		AccessToken:  file.Tokens.AccessToken,
		RefreshToken: file.Tokens.RefreshToken,
		ExpiresAtMs:  file.Tokens.ExpiresAt,
		AccountID:    accountID,
		AuthMode:     file.AuthMode,
	}
	switch provider {
	case "openai":
		if accountID != "" {
			mat.ExtraHeaders = map[string]string{"chatgpt-account-id": accountID}
		}
	case "anthropic":
		mat.ExtraHeaders = map[string]string{"anthropic-beta": "oauth-2025-04-20"}
	}
	return mat
}
