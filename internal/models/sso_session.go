package models

import (
	"time"

	"gorm.io/datatypes"
)

// SSOSession represents an issued single sign-on session. The id is an opaque
// random token generated by the session manager (not a UUID hook) and is the
// handle returned to callers. A session references exactly one provider and
// one user and is immutable apart from the IsActive transition to false.
type SSOSession struct {
	ID         string `gorm:"primaryKey" json:"id"`
	UserID     string `gorm:"type:uuid;not null;index" json:"user_id"`
	ProviderID string `gorm:"type:uuid;not null;index" json:"provider_id"`

	// SAML correlation data required to build a single-logout request.
	NameID       string `json:"-"`
	SessionIndex string `json:"-"`

	// OIDC tokens captured at login. Absent for LDAP sessions.
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	IDToken      string `json:"-"`

	// Attributes snapshots the canonical attributes at login time.
	Attributes datatypes.JSONType[map[string]string] `json:"attributes"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	IsActive  bool      `gorm:"default:true;index" json:"is_active"`
}

// Expired reports whether the session TTL has elapsed at the given instant.
func (s *SSOSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
