package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/meridianws/identity/internal/auth"
	"github.com/meridianws/identity/internal/auth/providers"
	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
	"github.com/meridianws/identity/pkg/logger"
	"github.com/meridianws/identity/pkg/metrics"
)

// SyncResult summarises one directory reconciliation run. A run with entry
// failures is still a success for the entries that imported.
type SyncResult struct {
	// Users is the number of directory users created or merged.
	Users int
	// Errors describes each entry that could not be imported.
	Errors []string
}

// SyncService pulls a provider's full directory and reconciles it into the
// local store. Concurrent syncs of the same provider join the in-flight run
// instead of racing it.
type SyncService struct {
	providers    *ProviderService
	registry     *providers.Registry
	directory    *DirectoryService
	provisioning *ProvisioningService
	group        singleflight.Group
	log          *zap.Logger
}

// NewSyncService wires the directory sync service.
func NewSyncService(
	providerSvc *ProviderService,
	registry *providers.Registry,
	directory *DirectoryService,
	provisioning *ProvisioningService,
) (*SyncService, error) {
	switch {
	case providerSvc == nil:
		return nil, errors.New("sync service: provider service is required")
	case registry == nil:
		return nil, errors.New("sync service: adapter registry is required")
	case directory == nil:
		return nil, errors.New("sync service: directory service is required")
	case provisioning == nil:
		return nil, errors.New("sync service: provisioning service is required")
	}
	return &SyncService{
		providers:    providerSvc,
		registry:     registry,
		directory:    directory,
		provisioning: provisioning,
		log:          logger.WithModule("sync"),
	}, nil
}

// SyncDirectory reconciles one provider's directory. Entry-level failures are
// collected, not fatal: the run reports how many users imported alongside
// what went wrong.
func (s *SyncService) SyncDirectory(ctx context.Context, providerID string) (*SyncResult, error) {
	value, err, _ := s.group.Do(providerID, func() (any, error) {
		return s.syncDirectory(ctx, providerID)
	})
	if err != nil {
		return nil, err
	}
	return value.(*SyncResult), nil
}

func (s *SyncService) syncDirectory(ctx context.Context, providerID string) (*SyncResult, error) {
	provider, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider.IsDisabled() {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("provider %q is disabled", provider.Name))
	}

	adapter, err := s.registry.AdapterFor(provider)
	if err != nil {
		return nil, err
	}
	dirAdapter, ok := adapter.(providers.DirectoryAdapter)
	if !ok {
		return nil, apperrors.ErrUnsupportedOperation.WithMessage(
			fmt.Sprintf("protocol %q does not support directory sync", provider.Type))
	}

	entries, err := dirAdapter.FetchDirectory(ctx)
	if err != nil {
		metrics.DirectorySyncRuns.WithLabelValues(provider.Type, "failure").Inc()
		return nil, err
	}

	result := &SyncResult{}
	var entryErrs error
	for i, raw := range entries {
		if err := s.importEntry(ctx, provider, raw); err != nil {
			entryErrs = multierr.Append(entryErrs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		result.Users++
	}

	for _, err := range multierr.Errors(entryErrs) {
		result.Errors = append(result.Errors, err.Error())
	}

	runResult := "success"
	if len(result.Errors) > 0 {
		runResult = "partial"
	}
	metrics.DirectorySyncRuns.WithLabelValues(provider.Type, runResult).Inc()
	metrics.DirectorySyncEntryFailures.Add(float64(len(result.Errors)))

	s.log.Info("directory sync finished",
		zap.String("provider_id", provider.ID),
		zap.String("protocol", provider.Type),
		zap.Int("users", result.Users),
		zap.Int("failures", len(result.Errors)))

	return result, nil
}

func (s *SyncService) importEntry(ctx context.Context, provider *models.SSOProvider, raw map[string]any) error {
	attrs := auth.MapAttributes(raw, provider.Mapping())
	if attrs.UserID == "" && attrs.Email == "" {
		return apperrors.NewProtocol("entry carries neither an external id nor an email")
	}

	outcome := s.provisioning.Evaluate(ctx, provider.ID, models.TriggerSync, attrs)

	_, err := s.directory.UpsertUser(ctx, UpsertUserInput{
		Source:          provider.ID,
		Attrs:           attrs,
		ExtraRoles:      outcome.Roles,
		ExtraGroups:     outcome.Groups,
		ExtraAttributes: outcome.Attributes,
		Deactivate:      outcome.Deactivate,
	})
	if err != nil {
		return err
	}

	for _, group := range attrs.Groups {
		if _, err := s.directory.UpsertGroup(ctx, UpsertGroupInput{
			Source:  provider.ID,
			Name:    group,
			Members: []string{memberKey(attrs)},
		}); err != nil {
			return err
		}
	}
	return nil
}

// Syncable reports whether a provider can serve directory pulls at all, used
// by the scheduler to pick candidates without instantiating adapters for
// protocols that never sync.
func Syncable(provider *models.SSOProvider) bool {
	switch provider.Type {
	case models.ProtocolLDAP:
		return true
	case models.ProtocolOIDC:
		return provider.OIDC != nil && provider.OIDC.DirectoryEndpoint != ""
	default:
		return false
	}
}

func memberKey(attrs auth.CanonicalAttributes) string {
	if attrs.Email != "" {
		return attrs.Email
	}
	return attrs.UserID
}
