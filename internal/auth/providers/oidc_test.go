package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
)

func TestNewOIDCAdapterRequiresFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  *models.OIDCConfig
	}{
		{"missing block", nil},
		{"missing issuer", &models.OIDCConfig{ClientID: "id", ClientSecret: "secret"}},
		{"missing client id", &models.OIDCConfig{Issuer: "https://issuer.example.com", ClientSecret: "secret"}},
		{"missing client secret", &models.OIDCConfig{Issuer: "https://issuer.example.com", ClientID: "id"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &models.SSOProvider{Type: models.ProtocolOIDC, OIDC: tc.cfg}
			_, err := newOIDCAdapter(provider, Options{})
			if !apperrors.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestNewOIDCAdapterUnreachableIssuerIsTransient(t *testing.T) {
	provider := &models.SSOProvider{
		Type: models.ProtocolOIDC,
		OIDC: &models.OIDCConfig{
			Issuer:       "http://127.0.0.1:1/does-not-exist",
			ClientID:     "client",
			ClientSecret: "secret",
		},
	}
	_, err := newOIDCAdapter(provider, Options{Timeout: 500 * time.Millisecond})
	if !apperrors.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestOIDCLoginRoundTrip(t *testing.T) {
	issuer := newFakeIssuer(t)
	adapter := issuer.newAdapter(t)

	redirect, err := adapter.StartLogin(context.Background(), StartLoginRequest{RelayState: "nonce-1"})
	if err != nil {
		t.Fatalf("StartLogin returned error: %v", err)
	}
	if redirect == nil || redirect.URL == "" {
		t.Fatal("expected an authorization redirect")
	}

	issuer.idToken = issuer.mintIDToken(t, "nonce-1", map[string]any{
		"sub":        "user-77",
		"email":      "carol@example.com",
		"department": "Engineering",
	})

	identity, err := adapter.ProcessCallback(context.Background(), CallbackRequest{
		Code:  "auth-code",
		Nonce: "nonce-1",
	})
	if err != nil {
		t.Fatalf("ProcessCallback returned error: %v", err)
	}
	if identity.Subject != "user-77" {
		t.Fatalf("unexpected subject: %s", identity.Subject)
	}
	if identity.RawAttributes["email"] != "carol@example.com" {
		t.Fatalf("unexpected email claim: %v", identity.RawAttributes["email"])
	}
	if identity.Correlation.IDToken == "" || identity.Correlation.AccessToken == "" {
		t.Fatal("expected tokens in correlation data")
	}
}

func TestOIDCProcessCallbackNonceMismatch(t *testing.T) {
	issuer := newFakeIssuer(t)
	adapter := issuer.newAdapter(t)

	issuer.idToken = issuer.mintIDToken(t, "other-nonce", map[string]any{"sub": "user-77"})

	_, err := adapter.ProcessCallback(context.Background(), CallbackRequest{
		Code:  "auth-code",
		Nonce: "nonce-1",
	})
	if !apperrors.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestOIDCProcessCallbackRequiresCode(t *testing.T) {
	issuer := newFakeIssuer(t)
	adapter := issuer.newAdapter(t)

	_, err := adapter.ProcessCallback(context.Background(), CallbackRequest{})
	if !apperrors.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestOIDCProcessCallbackRejectedExchange(t *testing.T) {
	issuer := newFakeIssuer(t)
	issuer.rejectExchange = true
	adapter := issuer.newAdapter(t)

	_, err := adapter.ProcessCallback(context.Background(), CallbackRequest{Code: "bad-code"})
	if !apperrors.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestOIDCFetchDirectory(t *testing.T) {
	issuer := newFakeIssuer(t)
	issuer.directory = []map[string]any{
		{"sub": "u1", "email": "a@example.com"},
		{"sub": "u2", "email": "b@example.com"},
	}
	adapter := issuer.newAdapter(t).(*oidcAdapter)

	entries, err := adapter.FetchDirectory(context.Background())
	if err != nil {
		t.Fatalf("FetchDirectory returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestOIDCFetchDirectoryWithoutEndpoint(t *testing.T) {
	issuer := newFakeIssuer(t)
	issuer.noDirectory = true
	adapter := issuer.newAdapter(t).(*oidcAdapter)

	_, err := adapter.FetchDirectory(context.Background())
	if !apperrors.IsUnsupportedOperation(err) {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
}

// fakeIssuer is a minimal OIDC provider: discovery, JWKS, token endpoint, and
// an optional directory listing.
type fakeIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	idToken        string
	rejectExchange bool
	directory      []map[string]any
	noDirectory    bool
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	issuer := &fakeIssuer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                 issuer.server.URL,
			"authorization_endpoint": issuer.server.URL + "/authorize",
			"token_endpoint":         issuer.server.URL + "/token",
			"jwks_uri":               issuer.server.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": "test-key",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if issuer.rejectExchange {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     issuer.idToken,
		})
	})
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer directory-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, issuer.directory)
	})

	issuer.server = httptest.NewServer(mux)
	t.Cleanup(issuer.server.Close)
	return issuer
}

func (f *fakeIssuer) newAdapter(t *testing.T) Adapter {
	t.Helper()

	cfg := &models.OIDCConfig{
		Issuer:       f.server.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://sp.example.com/oidc/callback",
	}
	if !f.noDirectory {
		cfg.DirectoryEndpoint = f.server.URL + "/directory"
		cfg.DirectoryToken = "directory-token"
	}

	provider := &models.SSOProvider{Type: models.ProtocolOIDC, OIDC: cfg}
	adapter, err := newOIDCAdapter(provider, Options{HTTPClient: f.server.Client()})
	if err != nil {
		t.Fatalf("newOIDCAdapter returned error: %v", err)
	}
	return adapter
}

func (f *fakeIssuer) mintIDToken(t *testing.T, nonce string, claims map[string]any) string {
	t.Helper()

	now := time.Now()
	merged := jwt.MapClaims{
		"iss":   f.server.URL,
		"aud":   "client-id",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": nonce,
	}
	for k, v := range claims {
		merged[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, merged)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return signed
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		panic(fmt.Sprintf("encode response: %v", err))
	}
}
