package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
	"github.com/meridianws/identity/pkg/validator"
)

// SessionCounter reports live sessions per provider, used to gate deletion.
type SessionCounter interface {
	CountActiveForProvider(ctx context.Context, providerID string) (int64, error)
}

// ProviderService manages identity provider definitions: registration,
// reconfiguration, status, and removal.
type ProviderService struct {
	db       *gorm.DB
	sessions SessionCounter
}

// NewProviderService constructs the provider service.
func NewProviderService(db *gorm.DB, sessions SessionCounter) (*ProviderService, error) {
	if db == nil {
		return nil, errors.New("provider service: database handle is required")
	}
	if sessions == nil {
		return nil, errors.New("provider service: session counter is required")
	}
	return &ProviderService{db: db, sessions: sessions}, nil
}

// CreateProviderInput is the registration payload. Exactly one configuration
// block must be set and it must match Type.
type CreateProviderInput struct {
	Name             string
	Type             string
	SAML             *models.SAMLConfig
	OIDC             *models.OIDCConfig
	OAuth2           *models.OAuth2Config
	LDAP             *models.LDAPConfig
	AttributeMapping map[string]string
}

// UpdateProviderInput carries a partial reconfiguration. Config keys merge
// into the existing protocol block; omitted keys keep their current values.
type UpdateProviderInput struct {
	Name             *string
	Status           *string
	AttributeMapping map[string]string
	Config           map[string]any
}

// Create validates and persists a new provider. Every missing required field
// is reported in one pass rather than one error at a time.
func (s *ProviderService) Create(ctx context.Context, input CreateProviderInput) (*models.SSOProvider, error) {
	provider := &models.SSOProvider{
		Name:   strings.TrimSpace(input.Name),
		Type:   strings.ToLower(strings.TrimSpace(input.Type)),
		Status: models.ProviderStatusActive,
		SAML:   input.SAML,
		OIDC:   input.OIDC,
		OAuth2: input.OAuth2,
		LDAP:   input.LDAP,
	}
	if len(input.AttributeMapping) > 0 {
		provider.AttributeMapping = datatypes.NewJSONType(input.AttributeMapping)
	}

	if provider.Name == "" {
		return nil, apperrors.NewConfiguration("provider name is required")
	}
	if err := validateProviderConfig(provider); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(provider).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("provider name %q already exists", provider.Name))
		}
		return nil, fmt.Errorf("provider service: create: %w", err)
	}
	return provider, nil
}

// Get loads a provider by id.
func (s *ProviderService) Get(ctx context.Context, id string) (*models.SSOProvider, error) {
	var provider models.SSOProvider
	err := s.db.WithContext(ctx).First(&provider, "id = ?", strings.TrimSpace(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("provider not found")
		}
		return nil, fmt.Errorf("provider service: get: %w", err)
	}
	return &provider, nil
}

// List returns all registered providers ordered by name.
func (s *ProviderService) List(ctx context.Context) ([]models.SSOProvider, error) {
	var out []models.SSOProvider
	if err := s.db.WithContext(ctx).Order("name asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("provider service: list: %w", err)
	}
	return out, nil
}

// Update applies a partial reconfiguration. The merged result is re-validated
// as a whole; if anything is invalid, nothing is applied.
func (s *ProviderService) Update(ctx context.Context, id string, input UpdateProviderInput) (*models.SSOProvider, error) {
	provider, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		provider.Name = strings.TrimSpace(*input.Name)
		if provider.Name == "" {
			return nil, apperrors.NewConfiguration("provider name is required")
		}
	}
	if input.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*input.Status))
		if status != models.ProviderStatusActive && status != models.ProviderStatusDisabled {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("unknown provider status %q", status))
		}
		provider.Status = status
	}
	if input.AttributeMapping != nil {
		provider.AttributeMapping = datatypes.NewJSONType(input.AttributeMapping)
	}
	if len(input.Config) > 0 {
		if err := mergeProviderConfig(provider, input.Config); err != nil {
			return nil, err
		}
	}

	if err := validateProviderConfig(provider); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Save(provider).Error; err != nil {
		return nil, fmt.Errorf("provider service: update: %w", err)
	}
	return provider, nil
}

// Delete removes a provider. Removal is refused while live sessions reference
// it, naming the count in the error.
func (s *ProviderService) Delete(ctx context.Context, id string) error {
	provider, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	active, err := s.sessions.CountActiveForProvider(ctx, provider.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return apperrors.ErrProviderInUse.WithMessage(
			fmt.Sprintf("provider %q has %d active session(s)", provider.Name, active))
	}

	if err := s.db.WithContext(ctx).Delete(&models.SSOProvider{}, "id = ?", provider.ID).Error; err != nil {
		return fmt.Errorf("provider service: delete: %w", err)
	}
	return nil
}

// SetStatus toggles a provider between active and disabled.
func (s *ProviderService) SetStatus(ctx context.Context, id, status string) (*models.SSOProvider, error) {
	return s.Update(ctx, id, UpdateProviderInput{Status: &status})
}

func validateProviderConfig(provider *models.SSOProvider) error {
	switch provider.Type {
	case models.ProtocolSAML, models.ProtocolOIDC, models.ProtocolLDAP, models.ProtocolOAuth2:
	default:
		return apperrors.NewConfiguration(fmt.Sprintf("unknown provider type %q", provider.Type))
	}

	blocks := map[string]bool{
		models.ProtocolSAML:   provider.SAML != nil,
		models.ProtocolOIDC:   provider.OIDC != nil,
		models.ProtocolOAuth2: provider.OAuth2 != nil,
		models.ProtocolLDAP:   provider.LDAP != nil,
	}
	for blockType, present := range blocks {
		if present && blockType != provider.Type {
			return apperrors.NewConfiguration(
				fmt.Sprintf("provider type %q cannot carry a %s configuration block", provider.Type, blockType))
		}
	}
	if !blocks[provider.Type] {
		return apperrors.NewConfiguration(
			fmt.Sprintf("provider type %q requires a %s configuration block", provider.Type, provider.Type))
	}

	var block any
	switch provider.Type {
	case models.ProtocolSAML:
		block = provider.SAML
	case models.ProtocolOIDC:
		block = provider.OIDC
	case models.ProtocolOAuth2:
		block = provider.OAuth2
	case models.ProtocolLDAP:
		block = provider.LDAP
	}

	if err := validator.ValidateStruct(block); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apperrors.NewConfiguration(
				fmt.Sprintf("missing or invalid fields: %s", strings.Join(verrs.Fields(), ", "))).WithInternal(err)
		}
		return apperrors.NewConfiguration("invalid provider configuration").WithInternal(err)
	}
	return nil
}

// mergeProviderConfig decodes the partial key set onto the provider's existing
// protocol block, leaving omitted keys untouched.
func mergeProviderConfig(provider *models.SSOProvider, partial map[string]any) error {
	var target any
	switch provider.Type {
	case models.ProtocolSAML:
		if provider.SAML == nil {
			provider.SAML = &models.SAMLConfig{}
		}
		target = provider.SAML
	case models.ProtocolOIDC:
		if provider.OIDC == nil {
			provider.OIDC = &models.OIDCConfig{}
		}
		target = provider.OIDC
	case models.ProtocolOAuth2:
		if provider.OAuth2 == nil {
			provider.OAuth2 = &models.OAuth2Config{}
		}
		target = provider.OAuth2
	case models.ProtocolLDAP:
		if provider.LDAP == nil {
			provider.LDAP = &models.LDAPConfig{}
		}
		target = provider.LDAP
	default:
		return apperrors.NewConfiguration(fmt.Sprintf("unknown provider type %q", provider.Type))
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("provider service: build config decoder: %w", err)
	}
	if err := decoder.Decode(partial); err != nil {
		return apperrors.NewConfiguration("invalid configuration payload").WithInternal(err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}
