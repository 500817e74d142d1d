package providers

import (
	"context"
	"net/url"
)

// StartLoginRequest carries the caller-supplied correlation token that must
// survive the round trip to the identity provider.
type StartLoginRequest struct {
	// RelayState is an opaque token echoed back by the IdP (SAML RelayState,
	// OIDC state parameter).
	RelayState string
}

// LoginRedirect is the artifact a caller redirects the browser to. Protocols
// with synchronous authentication (LDAP) produce no redirect.
type LoginRedirect struct {
	URL string
	// RequestID identifies the outbound request so the callback can be
	// correlated (SAML InResponseTo).
	RequestID string
}

// Credentials are end-user credentials for protocols that authenticate by
// direct bind. They are used for the bind only and never persisted.
type Credentials struct {
	Username string
	Password string
}

// CallbackRequest carries the protocol payload posted back by the identity
// provider, together with the correlation material captured at login start.
type CallbackRequest struct {
	// SAMLResponse is the base64-encoded response XML from a SAML IdP.
	SAMLResponse string
	// RequestID is the AuthnRequest id the response must answer.
	RequestID string

	// Code and State are the OIDC authorization-code callback parameters.
	Code  string
	State string
	// Nonce is the expected nonce embedded in the ID token.
	Nonce string

	RelayState string

	// Credentials are supplied for LDAP logins.
	Credentials *Credentials
}

// Correlation is the protocol-specific session data captured at login,
// required later for single logout or token refresh.
type Correlation struct {
	NameID       string
	SessionIndex string

	AccessToken  string
	RefreshToken string
	IDToken      string
}

// ExternalIdentity is the validated result of a protocol exchange: the raw
// attribute map exactly as the provider supplied it plus correlation data.
// Attribute normalization happens downstream.
type ExternalIdentity struct {
	Subject       string
	RawAttributes map[string]any
	Correlation   Correlation
}

// Adapter is the uniform login contract implemented once per protocol.
type Adapter interface {
	Protocol() string
	// StartLogin builds the redirect artifact that initiates the flow. A nil
	// redirect with nil error means the protocol authenticates synchronously.
	StartLogin(ctx context.Context, req StartLoginRequest) (*LoginRedirect, error)
	// ProcessCallback validates the provider response and returns the
	// identity. Validation failures are AUTHENTICATION_ERRORs, unreachable
	// IdPs TRANSIENT_ERRORs, malformed payloads PROTOCOL_ERRORs.
	ProcessCallback(ctx context.Context, req CallbackRequest) (*ExternalIdentity, error)
}

// LogoutAdapter is implemented by protocols that support IdP-driven single
// logout.
type LogoutAdapter interface {
	Adapter
	MakeLogoutRedirect(correlation Correlation, relayState string) (*url.URL, error)
}

// DirectoryAdapter is implemented by protocols that can enumerate their
// directory outside a login flow.
type DirectoryAdapter interface {
	Adapter
	FetchDirectory(ctx context.Context) ([]map[string]any, error)
}
