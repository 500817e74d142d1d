package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
)

type oidcAdapter struct {
	provider    *models.SSOProvider
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	timeout     time.Duration
	now         func() time.Time
}

func newOIDCAdapter(provider *models.SSOProvider, opts Options) (Adapter, error) {
	opts = opts.withDefaults()

	if provider.Type != models.ProtocolOIDC {
		return nil, fmt.Errorf("oidc adapter: unexpected provider type %s", provider.Type)
	}
	cfg := provider.OIDC
	if cfg == nil {
		return nil, apperrors.NewConfiguration("oidc adapter: configuration block is missing")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, apperrors.NewConfiguration("oidc adapter: issuer is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, apperrors.NewConfiguration("oidc adapter: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, apperrors.NewConfiguration("oidc adapter: client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, opts.HTTPClient)
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	issuer, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("oidc adapter: discovery failed: %w", err))
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     issuer.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
	}

	return &oidcAdapter{
		provider:    provider,
		oauthConfig: oauthConfig,
		verifier:    issuer.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		httpClient:  opts.HTTPClient,
		timeout:     opts.Timeout,
		now:         opts.Now,
	}, nil
}

func (a *oidcAdapter) Protocol() string { return models.ProtocolOIDC }

// StartLogin builds the authorization-code redirect. The relay state doubles
// as both the OIDC state parameter and the nonce correlation handle.
func (a *oidcAdapter) StartLogin(ctx context.Context, req StartLoginRequest) (*LoginRedirect, error) {
	if strings.TrimSpace(req.RelayState) == "" {
		return nil, errors.New("oidc adapter: relay state is required")
	}

	authURL := a.oauthConfig.AuthCodeURL(req.RelayState, oauth2.SetAuthURLParam("nonce", req.RelayState))
	return &LoginRedirect{URL: authURL, RequestID: req.RelayState}, nil
}

// ProcessCallback exchanges the authorization code for tokens, then verifies
// the ID token signature against the issuer's key set along with issuer,
// audience, expiry, and nonce before any claim is trusted.
func (a *oidcAdapter) ProcessCallback(ctx context.Context, req CallbackRequest) (*ExternalIdentity, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, apperrors.NewProtocol("oidc adapter: authorization code is missing")
	}

	if a.httpClient != nil {
		ctx = oidc.ClientContext(ctx, a.httpClient)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	token, err := a.oauthConfig.Exchange(ctx, req.Code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, apperrors.ErrAuthentication.WithInternal(fmt.Errorf("oidc adapter: exchange rejected: %w", err))
		}
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("oidc adapter: exchange failed: %w", err))
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, apperrors.NewProtocol("oidc adapter: id token missing from token response")
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, apperrors.ErrAuthentication.WithInternal(fmt.Errorf("oidc adapter: verify id token: %w", err))
	}
	if req.Nonce != "" && idToken.Nonce != req.Nonce {
		return nil, apperrors.ErrAuthentication.WithInternal(errors.New("oidc adapter: nonce mismatch"))
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, apperrors.NewProtocol("oidc adapter: decode claims").WithInternal(err)
	}

	return &ExternalIdentity{
		Subject:       idToken.Subject,
		RawAttributes: claims,
		Correlation: Correlation{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			IDToken:      rawIDToken,
		},
	}, nil
}

// FetchDirectory pulls the provider's bulk user listing. Only available when
// the configuration names a directory endpoint.
func (a *oidcAdapter) FetchDirectory(ctx context.Context) ([]map[string]any, error) {
	cfg := a.provider.OIDC
	if cfg == nil || strings.TrimSpace(cfg.DirectoryEndpoint) == "" {
		return nil, apperrors.ErrUnsupportedOperation.WithMessage("oidc adapter: provider exposes no directory endpoint")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.DirectoryEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oidc adapter: build directory request: %w", err)
	}
	if cfg.DirectoryToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.DirectoryToken)
	}

	client := a.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("oidc adapter: directory fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.ErrAuthentication.WithInternal(fmt.Errorf("oidc adapter: directory fetch denied: %s", resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("oidc adapter: directory fetch failed: %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("oidc adapter: read directory response: %w", err))
	}

	var entries []map[string]any
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, apperrors.NewProtocol("oidc adapter: malformed directory response").WithInternal(err)
	}
	return entries, nil
}
