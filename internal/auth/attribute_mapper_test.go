package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapAttributesCanonicalKeysAreCaseInsensitive(t *testing.T) {
	raw := map[string]any{
		"mail":      []string{"Alice@Example.com"},
		"givenName": "Alice",
		"sn":        []any{"Liddell"},
	}
	mapping := map[string]string{
		"EMAIL":     "mail",
		"FirstName": "givenName",
		"lastname":  "sn",
	}

	attrs := MapAttributes(raw, mapping)
	require.Equal(t, "alice@example.com", attrs.Email)
	require.Equal(t, "Alice", attrs.FirstName)
	require.Equal(t, "Liddell", attrs.LastName)
}

func TestMapAttributesNativeKeysAreExact(t *testing.T) {
	raw := map[string]any{
		"Mail": "alice@example.com",
	}
	attrs := MapAttributes(raw, map[string]string{"email": "mail"})
	require.Empty(t, attrs.Email)
}

func TestMapAttributesMultiValued(t *testing.T) {
	raw := map[string]any{
		"memberOf": []any{"engineering", "platform", ""},
		"roles":    "viewer, editor",
	}
	attrs := MapAttributes(raw, map[string]string{
		"groups": "memberOf",
		"roles":  "roles",
	})
	require.Equal(t, []string{"engineering", "platform"}, attrs.Groups)
	require.Equal(t, []string{"viewer", "editor"}, attrs.Roles)
}

func TestMapAttributesDisplayNameFallback(t *testing.T) {
	raw := map[string]any{"givenName": "Alice", "sn": "Liddell"}
	attrs := MapAttributes(raw, map[string]string{
		"firstName": "givenName",
		"lastName":  "sn",
	})
	require.Equal(t, "Alice Liddell", attrs.DisplayName)
}

func TestMapAttributesUnknownCanonicalKeySkipped(t *testing.T) {
	raw := map[string]any{"shoeSize": "42"}
	attrs := MapAttributes(raw, map[string]string{"shoeSize": "shoeSize"})
	require.Equal(t, raw, attrs.Raw)
	_, ok := attrs.Get("shoeSize")
	require.False(t, ok)
}

func TestCanonicalAttributesGetAndValues(t *testing.T) {
	attrs := CanonicalAttributes{
		Email:  "alice@example.com",
		Groups: []string{"engineering", "platform"},
	}

	email, ok := attrs.Get("Email")
	require.True(t, ok)
	require.Equal(t, "alice@example.com", email)

	require.Equal(t, []string{"engineering", "platform"}, attrs.Values("groups"))
	require.Equal(t, []string{"alice@example.com"}, attrs.Values("email"))
	require.Nil(t, attrs.Values("location"))
}
