package auth

import (
	"fmt"
	"strings"
)

// Canonical attribute names recognised by the mapper. Mapping keys are matched
// against these case-insensitively; native attribute names are matched exactly
// as the provider supplied them.
const (
	CanonicalUserID      = "userId"
	CanonicalEmail       = "email"
	CanonicalFirstName   = "firstName"
	CanonicalLastName    = "lastName"
	CanonicalDisplayName = "displayName"
	CanonicalDepartment  = "department"
	CanonicalTitle       = "title"
	CanonicalManager     = "manager"
	CanonicalGroups      = "groups"
	CanonicalRoles       = "roles"
	CanonicalPhone       = "phoneNumber"
	CanonicalLocation    = "location"
)

var canonicalNames = map[string]string{
	strings.ToLower(CanonicalUserID):      CanonicalUserID,
	strings.ToLower(CanonicalEmail):       CanonicalEmail,
	strings.ToLower(CanonicalFirstName):   CanonicalFirstName,
	strings.ToLower(CanonicalLastName):    CanonicalLastName,
	strings.ToLower(CanonicalDisplayName): CanonicalDisplayName,
	strings.ToLower(CanonicalDepartment):  CanonicalDepartment,
	strings.ToLower(CanonicalTitle):       CanonicalTitle,
	strings.ToLower(CanonicalManager):     CanonicalManager,
	strings.ToLower(CanonicalGroups):      CanonicalGroups,
	strings.ToLower(CanonicalRoles):       CanonicalRoles,
	strings.ToLower(CanonicalPhone):       CanonicalPhone,
	strings.ToLower(CanonicalLocation):    CanonicalLocation,
}

// CanonicalAttributes is the provider-independent identity shape produced from
// a raw protocol attribute map. Raw keeps the untouched provider payload so
// provisioning rules can still reference native attribute names.
type CanonicalAttributes struct {
	UserID      string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
	Department  string
	Title       string
	Manager     string
	Groups      []string
	Roles       []string
	PhoneNumber string
	Location    string

	Raw map[string]any
}

// Get returns a canonical field by name, matched case-insensitively.
// Multi-valued fields come back comma-joined.
func (c CanonicalAttributes) Get(name string) (string, bool) {
	canonical, ok := canonicalNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", false
	}
	switch canonical {
	case CanonicalUserID:
		return c.UserID, true
	case CanonicalEmail:
		return c.Email, true
	case CanonicalFirstName:
		return c.FirstName, true
	case CanonicalLastName:
		return c.LastName, true
	case CanonicalDisplayName:
		return c.DisplayName, true
	case CanonicalGroups:
		return strings.Join(c.Groups, ","), true
	case CanonicalRoles:
		return strings.Join(c.Roles, ","), true
	case CanonicalDepartment:
		return c.Department, true
	case CanonicalTitle:
		return c.Title, true
	case CanonicalManager:
		return c.Manager, true
	case CanonicalPhone:
		return c.PhoneNumber, true
	case CanonicalLocation:
		return c.Location, true
	}
	return "", false
}

// Values returns the canonical field as a value list, for multi-valued
// condition operators.
func (c CanonicalAttributes) Values(name string) []string {
	canonical, ok := canonicalNames[strings.ToLower(strings.TrimSpace(name))]
	if ok {
		switch canonical {
		case CanonicalGroups:
			return c.Groups
		case CanonicalRoles:
			return c.Roles
		}
	}
	if v, found := c.Get(name); found && v != "" {
		return []string{v}
	}
	return nil
}

// MapAttributes normalizes a raw protocol attribute map into canonical shape
// using the provider's configured mapping (canonical name -> native attribute
// name). Unknown canonical keys are skipped, native names that the provider
// did not send simply produce empty fields. The raw map is carried along
// untouched.
func MapAttributes(raw map[string]any, mapping map[string]string) CanonicalAttributes {
	out := CanonicalAttributes{Raw: raw}
	if raw == nil {
		return out
	}

	for key, native := range mapping {
		canonical, ok := canonicalNames[strings.ToLower(strings.TrimSpace(key))]
		if !ok {
			continue
		}
		switch canonical {
		case CanonicalUserID:
			out.UserID = firstRawString(raw, native)
		case CanonicalEmail:
			out.Email = strings.ToLower(strings.TrimSpace(firstRawString(raw, native)))
		case CanonicalFirstName:
			out.FirstName = firstRawString(raw, native)
		case CanonicalLastName:
			out.LastName = firstRawString(raw, native)
		case CanonicalDisplayName:
			out.DisplayName = firstRawString(raw, native)
		case CanonicalDepartment:
			out.Department = firstRawString(raw, native)
		case CanonicalTitle:
			out.Title = firstRawString(raw, native)
		case CanonicalManager:
			out.Manager = firstRawString(raw, native)
		case CanonicalGroups:
			out.Groups = rawStringSlice(raw, native)
		case CanonicalRoles:
			out.Roles = rawStringSlice(raw, native)
		case CanonicalPhone:
			out.PhoneNumber = firstRawString(raw, native)
		case CanonicalLocation:
			out.Location = firstRawString(raw, native)
		}
	}

	if out.DisplayName == "" {
		out.DisplayName = strings.TrimSpace(strings.TrimSpace(out.FirstName) + " " + strings.TrimSpace(out.LastName))
	}
	return out
}

func firstRawString(raw map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := raw[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case []any:
		for _, item := range v {
			if s := anyToString(item); s != "" {
				return s
			}
		}
	case float64, int, int64, bool:
		return fmt.Sprint(v)
	}
	return ""
}

func rawStringSlice(raw map[string]any, key string) []string {
	if key == "" {
		return nil
	}
	switch v := raw[key].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(anyToString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func anyToString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64, int, int64, bool:
		return fmt.Sprint(v)
	}
	return ""
}
