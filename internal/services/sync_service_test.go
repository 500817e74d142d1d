package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
	"github.com/meridianws/identity/pkg/metrics"
)

func TestSyncDirectoryPartialSuccess(t *testing.T) {
	entries := []map[string]any{
		ldapEntry("u1", "a@example.com", map[string]any{"memberOf": []string{"engineering"}}),
		ldapEntry("u2", "b@example.com", nil),
		// Malformed: no external id and no email.
		{"givenName": []string{"Ghost"}},
		ldapEntry("u4", "d@example.com", nil),
	}
	adapter := &fakeAdapter{directory: entries}
	stack := newServiceStack(t, adapter)
	provider := seedLDAPProvider(t, stack.db)

	partialRuns := testutil.ToFloat64(metrics.DirectorySyncRuns.WithLabelValues(models.ProtocolLDAP, "partial"))

	result, err := stack.sync.SyncDirectory(context.Background(), provider.ID)
	require.NoError(t, err)
	require.Equal(t, 3, result.Users)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "entry 2")

	// A run with entry failures counts as partial, not success.
	require.Equal(t, partialRuns+1, testutil.ToFloat64(metrics.DirectorySyncRuns.WithLabelValues(models.ProtocolLDAP, "partial")))

	var users int64
	require.NoError(t, stack.db.Model(&models.DirectoryUser{}).Count(&users).Error)
	require.EqualValues(t, 3, users)

	// Group observed during sync was mirrored.
	var group models.DirectoryGroup
	require.NoError(t, stack.db.First(&group, "name = ? AND source = ?", "engineering", provider.ID).Error)
	require.Contains(t, []string(group.Members), "a@example.com")
}

func TestSyncDirectoryDoesNotTouchLastLogin(t *testing.T) {
	adapter := &fakeAdapter{directory: []map[string]any{ldapEntry("u1", "a@example.com", nil)}}
	stack := newServiceStack(t, adapter)
	provider := seedLDAPProvider(t, stack.db)

	_, err := stack.sync.SyncDirectory(context.Background(), provider.ID)
	require.NoError(t, err)

	var user models.DirectoryUser
	require.NoError(t, stack.db.First(&user, "email = ?", "a@example.com").Error)
	require.Nil(t, user.LastLoginAt)
}

func TestSyncDirectoryAppliesSyncRules(t *testing.T) {
	adapter := &fakeAdapter{directory: []map[string]any{
		ldapEntry("u1", "a@example.com", map[string]any{"department": []string{"Engineering"}}),
	}}
	stack := newServiceStack(t, adapter)
	provider := seedLDAPProvider(t, stack.db)

	_, err := stack.provisioning.CreateRule(context.Background(), &models.ProvisioningRule{
		ProviderID: provider.ID,
		Name:       "engineers get editor",
		Trigger:    models.TriggerSync,
		IsActive:   true,
		Conditions: []models.ProvisioningCondition{
			{Type: "department", Operator: models.OperatorEquals, Value: "Engineering"},
		},
		Actions: []models.ProvisioningAction{{Type: models.ActionAssignRole, Value: "editor"}},
	})
	require.NoError(t, err)

	_, err = stack.sync.SyncDirectory(context.Background(), provider.ID)
	require.NoError(t, err)

	var user models.DirectoryUser
	require.NoError(t, stack.db.First(&user, "email = ?", "a@example.com").Error)
	require.Contains(t, []string(user.Roles), "editor")
}

func TestSyncDirectoryJoinsConcurrentRuns(t *testing.T) {
	adapter := &fakeAdapter{
		directory:  []map[string]any{ldapEntry("u1", "a@example.com", nil)},
		fetchDelay: 100 * time.Millisecond,
	}
	stack := newServiceStack(t, adapter)
	provider := seedLDAPProvider(t, stack.db)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := stack.sync.SyncDirectory(context.Background(), provider.ID)
			require.NoError(t, err)
			require.Equal(t, 1, result.Users)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&adapter.fetchCalls))
}

func TestSyncDirectoryUnsupportedProtocol(t *testing.T) {
	stack := newServiceStack(t, &fakeAdapter{})

	// A protocol whose adapter cannot enumerate a directory.
	provider := &models.SSOProvider{
		Name: "corp-saml",
		Type: models.ProtocolSAML,
		SAML: &models.SAMLConfig{
			EntryPoint: "https://idp.example.com/sso",
			Issuer:     "https://sp.example.com",
			Cert:       "cert",
		},
	}
	require.NoError(t, stack.db.Create(provider).Error)

	_, err := stack.sync.SyncDirectory(context.Background(), provider.ID)
	require.True(t, apperrors.IsUnsupportedOperation(err))
}

func TestSyncDirectoryRejectsDisabledProvider(t *testing.T) {
	adapter := &fakeAdapter{directory: []map[string]any{}}
	stack := newServiceStack(t, adapter)
	provider := seedLDAPProvider(t, stack.db)

	_, err := stack.providers.SetStatus(context.Background(), provider.ID, models.ProviderStatusDisabled)
	require.NoError(t, err)

	_, err = stack.sync.SyncDirectory(context.Background(), provider.ID)
	require.True(t, apperrors.IsConfiguration(err))
}

func TestSyncDirectoryFetchFailure(t *testing.T) {
	adapter := &fakeAdapter{dirErr: apperrors.ErrTransient.WithMessage("directory unreachable")}
	stack := newServiceStack(t, adapter)
	provider := seedLDAPProvider(t, stack.db)

	_, err := stack.sync.SyncDirectory(context.Background(), provider.ID)
	require.True(t, apperrors.IsTransient(err))
}

func TestSyncableSelection(t *testing.T) {
	require.True(t, Syncable(&models.SSOProvider{Type: models.ProtocolLDAP}))
	require.False(t, Syncable(&models.SSOProvider{Type: models.ProtocolSAML}))
	require.False(t, Syncable(&models.SSOProvider{Type: models.ProtocolOIDC, OIDC: &models.OIDCConfig{}}))
	require.True(t, Syncable(&models.SSOProvider{
		Type: models.ProtocolOIDC,
		OIDC: &models.OIDCConfig{DirectoryEndpoint: "https://issuer.example.com/directory"},
	}))
}
