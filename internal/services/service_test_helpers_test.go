package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	iauth "github.com/meridianws/identity/internal/auth"
	"github.com/meridianws/identity/internal/auth/providers"
	"github.com/meridianws/identity/internal/database"
	"github.com/meridianws/identity/internal/models"
)

var testDBSeq int64

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:services_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

// fakeAdapter satisfies the full adapter surface with canned data, so the
// orchestration services can be exercised without a live identity provider.
type fakeAdapter struct {
	identity    *providers.ExternalIdentity
	callbackErr error

	directory  []map[string]any
	dirErr     error
	fetchDelay time.Duration
	fetchCalls int32
}

func (f *fakeAdapter) Protocol() string { return models.ProtocolLDAP }

func (f *fakeAdapter) StartLogin(context.Context, providers.StartLoginRequest) (*providers.LoginRedirect, error) {
	return nil, nil
}

func (f *fakeAdapter) ProcessCallback(context.Context, providers.CallbackRequest) (*providers.ExternalIdentity, error) {
	if f.callbackErr != nil {
		return nil, f.callbackErr
	}
	return f.identity, nil
}

func (f *fakeAdapter) FetchDirectory(context.Context) ([]map[string]any, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	if f.fetchDelay > 0 {
		time.Sleep(f.fetchDelay)
	}
	if f.dirErr != nil {
		return nil, f.dirErr
	}
	return f.directory, nil
}

func newFakeRegistry(t *testing.T, adapter *fakeAdapter) *providers.Registry {
	t.Helper()

	registry := providers.NewRegistry(providers.Options{})
	require.NoError(t, registry.Register(models.ProtocolLDAP, func(*models.SSOProvider, providers.Options) (providers.Adapter, error) {
		return adapter, nil
	}))
	return registry
}

// serviceStack bundles a fully wired service graph over one test database.
type serviceStack struct {
	db           *gorm.DB
	registry     *providers.Registry
	sessions     *iauth.SessionManager
	providers    *ProviderService
	directory    *DirectoryService
	provisioning *ProvisioningService
	login        *LoginService
	sync         *SyncService
}

func newServiceStack(t *testing.T, adapter *fakeAdapter) *serviceStack {
	t.Helper()

	db := setupDB(t)
	registry := newFakeRegistry(t, adapter)

	sessions, err := iauth.NewSessionManager(db, registry, iauth.SessionManagerConfig{TTL: time.Hour})
	require.NoError(t, err)

	providerSvc, err := NewProviderService(db, sessions)
	require.NoError(t, err)

	directory, err := NewDirectoryService(db, nil)
	require.NoError(t, err)

	provisioning, err := NewProvisioningService(db)
	require.NoError(t, err)

	state, err := iauth.NewStateCodec("service-test-secret", time.Minute, nil)
	require.NoError(t, err)

	login, err := NewLoginService(providerSvc, registry, state, sessions, directory, provisioning)
	require.NoError(t, err)

	syncSvc, err := NewSyncService(providerSvc, registry, directory, provisioning)
	require.NoError(t, err)

	return &serviceStack{
		db:           db,
		registry:     registry,
		sessions:     sessions,
		providers:    providerSvc,
		directory:    directory,
		provisioning: provisioning,
		login:        login,
		sync:         syncSvc,
	}
}

func seedLDAPProvider(t *testing.T, db *gorm.DB) *models.SSOProvider {
	t.Helper()

	provider := &models.SSOProvider{
		Name: "corp-directory",
		Type: models.ProtocolLDAP,
		LDAP: &models.LDAPConfig{
			URL:        "ldap://directory.example.com",
			BindDN:     "cn=service,dc=example,dc=com",
			SearchBase: "dc=example,dc=com",
		},
		AttributeMapping: datatypes.NewJSONType(map[string]string{
			"userId":     "uid",
			"email":      "mail",
			"firstName":  "givenName",
			"lastName":   "sn",
			"department": "department",
			"groups":     "memberOf",
		}),
	}
	require.NoError(t, db.Create(provider).Error)
	return provider
}

func ldapEntry(uid, mail string, extra map[string]any) map[string]any {
	entry := map[string]any{
		"uid":  []string{uid},
		"mail": []string{mail},
	}
	for k, v := range extra {
		entry[k] = v
	}
	return entry
}
