package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianws/identity/internal/auth/providers"
	"github.com/meridianws/identity/internal/models"
	"github.com/meridianws/identity/pkg/crypto"
	apperrors "github.com/meridianws/identity/pkg/errors"
	"github.com/meridianws/identity/pkg/logger"
	"github.com/meridianws/identity/pkg/metrics"
)

const (
	defaultSessionTTL    = 8 * time.Hour
	sessionTokenLength   = 32
	maxSessionAttributes = 256
)

// SessionManagerConfig tunes session issuance.
type SessionManagerConfig struct {
	TTL time.Duration
	Now func() time.Time
}

// SessionManager owns the lifecycle of authenticated SSO sessions. Expiry is
// enforced lazily at validation time; there is no background sweeper.
type SessionManager struct {
	db       *gorm.DB
	registry *providers.Registry
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionManager wires a session manager over the given store and adapter
// registry.
func NewSessionManager(db *gorm.DB, registry *providers.Registry, cfg SessionManagerConfig) (*SessionManager, error) {
	if db == nil {
		return nil, errors.New("session manager: database handle is required")
	}
	if registry == nil {
		return nil, errors.New("session manager: provider registry is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{db: db, registry: registry, ttl: ttl, now: now}, nil
}

// WithTx returns a copy of the manager bound to the given transaction handle,
// so session persistence can commit atomically with other writes.
func (m *SessionManager) WithTx(tx *gorm.DB) *SessionManager {
	if tx == nil {
		return m
	}
	cpy := *m
	cpy.db = tx
	return &cpy
}

// Create issues a new session bound to the user and the provider that
// authenticated them. The session id doubles as the bearer token, so it is
// generated from the CSPRNG rather than the uuid hook.
func (m *SessionManager) Create(ctx context.Context, user *models.DirectoryUser, provider *models.SSOProvider, correlation providers.Correlation, attrs map[string]string) (*models.SSOSession, error) {
	if user == nil || user.ID == "" {
		return nil, errors.New("session manager: user is required")
	}
	if provider == nil || provider.ID == "" {
		return nil, errors.New("session manager: provider is required")
	}

	token, err := crypto.GenerateToken(sessionTokenLength)
	if err != nil {
		return nil, fmt.Errorf("session manager: generate token: %w", err)
	}

	if len(attrs) > maxSessionAttributes {
		trimmed := make(map[string]string, maxSessionAttributes)
		for k, v := range attrs {
			if len(trimmed) == maxSessionAttributes {
				break
			}
			trimmed[k] = v
		}
		attrs = trimmed
	}

	now := m.now().UTC()
	session := &models.SSOSession{
		ID:           token,
		UserID:       user.ID,
		ProviderID:   provider.ID,
		NameID:       correlation.NameID,
		SessionIndex: correlation.SessionIndex,
		AccessToken:  correlation.AccessToken,
		RefreshToken: correlation.RefreshToken,
		IDToken:      correlation.IDToken,
		Attributes:   datatypes.NewJSONType(attrs),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		IsActive:     true,
	}

	if err := m.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("session manager: persist session: %w", err)
	}

	metrics.ActiveSessions.Inc()
	return session, nil
}

// Validate loads a session and enforces expiry lazily: an expired session is
// deactivated on read and reported as not found, indistinguishable from a
// session that never existed.
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (*models.SSOSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperrors.ErrNotFound.WithMessage("session not found")
	}

	var session models.SSOSession
	err := m.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("session not found")
		}
		return nil, fmt.Errorf("session manager: load session: %w", err)
	}

	if !session.IsActive {
		return nil, apperrors.ErrNotFound.WithMessage("session not found")
	}
	if session.Expired(m.now().UTC()) {
		if err := m.deactivate(ctx, session.ID); err != nil {
			logger.WithModule("session").Warn("failed to deactivate expired session",
				zap.Error(err))
		}
		return nil, apperrors.ErrNotFound.WithMessage("session not found")
	}

	return &session, nil
}

// Terminate invalidates a session. Terminating an unknown or already
// terminated session succeeds: the outcome, no live session, is identical.
func (m *SessionManager) Terminate(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	return m.deactivate(ctx, sessionID)
}

// InitiateSingleLogout terminates the local session and, when the originating
// protocol supports IdP-driven logout, returns the redirect that propagates
// the logout to the provider. A nil URL with nil error means the session was
// terminated locally only.
func (m *SessionManager) InitiateSingleLogout(ctx context.Context, sessionID string) (*url.URL, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperrors.ErrNotFound.WithMessage("session not found")
	}

	var session models.SSOSession
	err := m.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("session not found")
		}
		return nil, fmt.Errorf("session manager: load session: %w", err)
	}

	if err := m.deactivate(ctx, session.ID); err != nil {
		return nil, err
	}

	if session.NameID == "" {
		return nil, nil
	}

	var provider models.SSOProvider
	if err := m.db.WithContext(ctx).First(&provider, "id = ?", session.ProviderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session manager: load provider: %w", err)
	}

	adapter, err := m.registry.AdapterFor(&provider)
	if err != nil {
		// Local termination already happened; a missing adapter only means
		// the logout cannot propagate upstream.
		logger.WithModule("session").Warn("single logout cannot propagate",
			zap.Error(err))
		return nil, nil
	}

	logoutAdapter, ok := adapter.(providers.LogoutAdapter)
	if !ok {
		return nil, nil
	}

	redirect, err := logoutAdapter.MakeLogoutRedirect(providers.Correlation{
		NameID:       session.NameID,
		SessionIndex: session.SessionIndex,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("session manager: build logout redirect: %w", err)
	}
	return redirect, nil
}

// CountActiveForProvider reports live sessions bound to a provider, used to
// gate provider deletion.
func (m *SessionManager) CountActiveForProvider(ctx context.Context, providerID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&models.SSOSession{}).
		Where("provider_id = ? AND is_active = ? AND expires_at > ?", providerID, true, m.now().UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("session manager: count sessions: %w", err)
	}
	return count, nil
}

func (m *SessionManager) deactivate(ctx context.Context, sessionID string) error {
	result := m.db.WithContext(ctx).
		Model(&models.SSOSession{}).
		Where("id = ? AND is_active = ?", sessionID, true).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("session manager: deactivate session: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Dec()
	}
	return nil
}
