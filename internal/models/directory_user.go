package models

import (
	"time"

	"gorm.io/datatypes"
)

// DirectoryUser is the canonical identity record produced by federated logins
// and directory syncs. Users are created on first sight and merged on every
// subsequent login or sync. Records are never physically deleted; deactivation
// is a flag so the audit trail stays intact.
type DirectoryUser struct {
	BaseModel

	ExternalID string `gorm:"index" json:"external_id"`
	Email      string `gorm:"uniqueIndex;not null" json:"email"`

	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DisplayName string `json:"display_name"`

	Department  string `json:"department"`
	Title       string `json:"title"`
	Manager     string `json:"manager"`
	PhoneNumber string `json:"phone_number"`
	Location    string `json:"location"`

	Groups datatypes.JSONSlice[string] `json:"groups"`
	Roles  datatypes.JSONSlice[string] `json:"roles"`

	// Attributes carries values written by set_attribute provisioning actions.
	Attributes datatypes.JSONType[map[string]string] `json:"attributes"`

	IsActive    bool       `gorm:"default:true" json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at"`

	// Source is the id of the provider that first created this record.
	Source string `gorm:"type:uuid;index" json:"source"`
}

// HasRole reports whether the user already carries the given role.
func (u *DirectoryUser) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasGroup reports whether the user already belongs to the given group.
func (u *DirectoryUser) HasGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}
