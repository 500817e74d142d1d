package models

import "gorm.io/datatypes"

// Protocol types supported by the federation core.
const (
	ProtocolSAML   = "saml"
	ProtocolOIDC   = "oidc"
	ProtocolLDAP   = "ldap"
	ProtocolOAuth2 = "oauth2"
)

// Provider lifecycle states.
const (
	ProviderStatusActive   = "active"
	ProviderStatusDisabled = "disabled"
)

// SSOProvider is a configured external identity provider. Exactly one of the
// protocol configuration blocks is populated, matching Type; the id is
// assigned at creation and never changes.
type SSOProvider struct {
	BaseModel

	Name   string `gorm:"uniqueIndex;not null" json:"name"`
	Type   string `gorm:"not null;index" json:"type"`
	Status string `gorm:"not null;default:active" json:"status"`

	SAML   *SAMLConfig   `gorm:"serializer:json" json:"saml,omitempty"`
	OIDC   *OIDCConfig   `gorm:"serializer:json" json:"oidc,omitempty"`
	OAuth2 *OAuth2Config `gorm:"serializer:json" json:"oauth2,omitempty"`
	LDAP   *LDAPConfig   `gorm:"serializer:json" json:"ldap,omitempty"`

	// AttributeMapping maps canonical identity fields (email, firstName, ...)
	// to the provider's native attribute keys.
	AttributeMapping datatypes.JSONType[map[string]string] `json:"attribute_mapping"`
}

// SAMLConfig holds service-provider side settings for a SAML 2.0 IdP.
type SAMLConfig struct {
	// EntryPoint is the IdP single sign-on URL the AuthnRequest is sent to.
	EntryPoint string `json:"entry_point" validate:"required,url"`
	// Issuer is the SP entity id presented to the IdP.
	Issuer string `json:"issuer" validate:"required"`
	// Cert is the IdP signing certificate (PEM) used to verify response signatures.
	Cert string `json:"cert" validate:"required"`

	CallbackURL string `json:"callback_url,omitempty"`
	MetadataURL string `json:"metadata_url,omitempty"`
	// PrivateKey and SPCert sign outgoing requests when the IdP requires it.
	PrivateKey string `json:"private_key,omitempty"`
	SPCert     string `json:"sp_cert,omitempty"`
}

// OIDCConfig holds relying-party settings for an OpenID Connect issuer.
type OIDCConfig struct {
	Issuer       string   `json:"issuer" validate:"required,url"`
	ClientID     string   `json:"client_id" validate:"required"`
	ClientSecret string   `json:"client_secret" validate:"required"`
	RedirectURL  string   `json:"redirect_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	// DirectoryEndpoint, when set, exposes a bulk user listing used by
	// directory sync. Most issuers do not provide one.
	DirectoryEndpoint string `json:"directory_endpoint,omitempty"`
	// DirectoryToken authorises directory pulls outside a login flow.
	DirectoryToken string `json:"directory_token,omitempty"`
}

// OAuth2Config holds settings for plain OAuth2 providers. The registry
// accepts and validates this block but no login adapter is registered for it.
type OAuth2Config struct {
	AuthURL      string   `json:"auth_url" validate:"required,url"`
	TokenURL     string   `json:"token_url" validate:"required,url"`
	UserInfoURL  string   `json:"user_info_url,omitempty"`
	ClientID     string   `json:"client_id" validate:"required"`
	ClientSecret string   `json:"client_secret" validate:"required"`
	RedirectURL  string   `json:"redirect_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// LDAPConfig holds directory settings for an LDAP provider.
type LDAPConfig struct {
	URL             string `json:"url" validate:"required"`
	BindDN          string `json:"bind_dn" validate:"required"`
	BindCredentials string `json:"bind_credentials,omitempty"`
	SearchBase      string `json:"search_base" validate:"required"`
	SearchFilter    string `json:"search_filter,omitempty"`
	UseTLS          bool   `json:"use_tls,omitempty"`
	SkipVerify      bool   `json:"skip_verify,omitempty"`
}

// Mapping returns the provider's attribute mapping, never nil.
func (p *SSOProvider) Mapping() map[string]string {
	m := p.AttributeMapping.Data()
	if m == nil {
		return map[string]string{}
	}
	return m
}

// IsDisabled reports whether the provider should reject logins and syncs.
func (p *SSOProvider) IsDisabled() bool {
	return p.Status != ProviderStatusActive
}
