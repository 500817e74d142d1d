package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	iauth "github.com/meridianws/identity/internal/auth"
	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
)

func newDirectoryService(t *testing.T) (*DirectoryService, func() *int64) {
	t.Helper()

	db := setupDB(t)
	svc, err := NewDirectoryService(db, nil)
	require.NoError(t, err)

	count := func() *int64 {
		var n int64
		require.NoError(t, db.Model(&models.DirectoryUser{}).Count(&n).Error)
		return &n
	}
	return svc, count
}

func TestUpsertUserCreatesThenMerges(t *testing.T) {
	svc, count := newDirectoryService(t)

	first, err := svc.UpsertUser(context.Background(), UpsertUserInput{
		Source: "provider-1",
		Attrs: iauth.CanonicalAttributes{
			UserID:     "uid-1",
			Email:      "alice@example.com",
			FirstName:  "Alice",
			Department: "Engineering",
			Groups:     []string{"engineering"},
		},
		Touch: true,
	})
	require.NoError(t, err)
	require.True(t, first.IsActive)
	require.NotNil(t, first.LastLoginAt)

	// Second observation is sparse: present fields overwrite, absent fields
	// keep their stored values, sets union.
	second, err := svc.UpsertUser(context.Background(), UpsertUserInput{
		Source: "provider-1",
		Attrs: iauth.CanonicalAttributes{
			UserID: "uid-1",
			Email:  "alice@example.com",
			Title:  "Staff Engineer",
			Groups: []string{"platform"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Alice", second.FirstName)
	require.Equal(t, "Engineering", second.Department)
	require.Equal(t, "Staff Engineer", second.Title)
	require.ElementsMatch(t, []string{"engineering", "platform"}, []string(second.Groups))
	require.EqualValues(t, 1, *count())
}

func TestUpsertUserFallsBackToEmailKey(t *testing.T) {
	svc, count := newDirectoryService(t)

	_, err := svc.UpsertUser(context.Background(), UpsertUserInput{
		Source: "provider-1",
		Attrs:  iauth.CanonicalAttributes{Email: "Bob@Example.com"},
	})
	require.NoError(t, err)

	merged, err := svc.UpsertUser(context.Background(), UpsertUserInput{
		Source: "provider-2",
		Attrs:  iauth.CanonicalAttributes{Email: "bob@example.com", UserID: "uid-bob"},
	})
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", merged.Email)
	require.Equal(t, "uid-bob", merged.ExternalID)
	require.EqualValues(t, 1, *count())
}

func TestUpsertUserRequiresIdentity(t *testing.T) {
	svc, _ := newDirectoryService(t)

	_, err := svc.UpsertUser(context.Background(), UpsertUserInput{Source: "provider-1"})
	require.True(t, apperrors.IsProtocol(err))
}

func TestUpsertUserDeactivationIsOneWay(t *testing.T) {
	svc, _ := newDirectoryService(t)

	_, err := svc.UpsertUser(context.Background(), UpsertUserInput{
		Source:     "provider-1",
		Attrs:      iauth.CanonicalAttributes{Email: "carol@example.com"},
		Deactivate: true,
	})
	require.NoError(t, err)

	// A later observation without the flag must not reactivate the account,
	// but its roles still accumulate.
	user, err := svc.UpsertUser(context.Background(), UpsertUserInput{
		Source:     "provider-1",
		Attrs:      iauth.CanonicalAttributes{Email: "carol@example.com"},
		ExtraRoles: []string{"auditor"},
	})
	require.NoError(t, err)
	require.False(t, user.IsActive)
	require.Equal(t, []string{"auditor"}, []string(user.Roles))
}

func TestUpsertUserConcurrentMergesConverge(t *testing.T) {
	svc, count := newDirectoryService(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpsertUser(context.Background(), UpsertUserInput{
				Source: "provider-1",
				Attrs:  iauth.CanonicalAttributes{UserID: "uid-x", Email: "dave@example.com"},
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, *count())
}

func TestDirectoryLookupsAndListings(t *testing.T) {
	svc, _ := newDirectoryService(t)

	_, err := svc.UpsertUser(context.Background(), UpsertUserInput{
		Source: "provider-1",
		Attrs:  iauth.CanonicalAttributes{UserID: "uid-1", Email: "alice@example.com"},
	})
	require.NoError(t, err)
	_, err = svc.UpsertUser(context.Background(), UpsertUserInput{
		Source: "provider-2",
		Attrs:  iauth.CanonicalAttributes{UserID: "uid-2", Email: "bob@example.com"},
	})
	require.NoError(t, err)

	user, err := svc.GetUserByEmail(context.Background(), " Alice@Example.COM ")
	require.NoError(t, err)
	require.Equal(t, "uid-1", user.ExternalID)

	_, err = svc.GetUserByEmail(context.Background(), "nobody@example.com")
	require.True(t, apperrors.IsNotFound(err))

	all, err := svc.ListUsers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alice@example.com", all[0].Email)

	scoped, err := svc.ListUsers(context.Background(), "provider-2")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.Equal(t, "bob@example.com", scoped[0].Email)
}

func TestListGroupsBySource(t *testing.T) {
	db := setupDB(t)
	svc, err := NewDirectoryService(db, nil)
	require.NoError(t, err)

	for _, g := range []UpsertGroupInput{
		{Source: "provider-1", Name: "platform"},
		{Source: "provider-1", Name: "engineering"},
		{Source: "provider-2", Name: "engineering"},
	} {
		_, err := svc.UpsertGroup(context.Background(), g)
		require.NoError(t, err)
	}

	scoped, err := svc.ListGroups(context.Background(), "provider-1")
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	require.Equal(t, "engineering", scoped[0].Name)

	all, err := svc.ListGroups(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestUpsertGroupMergesMembers(t *testing.T) {
	db := setupDB(t)
	svc, err := NewDirectoryService(db, nil)
	require.NoError(t, err)

	_, err = svc.UpsertGroup(context.Background(), UpsertGroupInput{
		Source:  "provider-1",
		Name:    "engineering",
		Members: []string{"alice@example.com"},
	})
	require.NoError(t, err)

	group, err := svc.UpsertGroup(context.Background(), UpsertGroupInput{
		Source:      "provider-1",
		Name:        "engineering",
		Description: "Engineering org",
		Members:     []string{"bob@example.com", "alice@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, "Engineering org", group.Description)
	require.ElementsMatch(t, []string{"alice@example.com", "bob@example.com"}, []string(group.Members))

	// Same name under a different source is a distinct group.
	other, err := svc.UpsertGroup(context.Background(), UpsertGroupInput{
		Source: "provider-2",
		Name:   "engineering",
	})
	require.NoError(t, err)
	require.NotEqual(t, group.ID, other.ID)
}
