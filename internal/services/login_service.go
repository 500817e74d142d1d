package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianws/identity/internal/auth"
	"github.com/meridianws/identity/internal/auth/providers"
	"github.com/meridianws/identity/internal/models"
	"github.com/meridianws/identity/pkg/crypto"
	apperrors "github.com/meridianws/identity/pkg/errors"
	"github.com/meridianws/identity/pkg/logger"
	"github.com/meridianws/identity/pkg/metrics"
)

const loginNonceLength = 16

// LoginService is the single entry point for federated authentication.
// Callers never talk to protocol adapters directly: they start a login, hand
// back the provider's callback payload, and receive a directory user plus an
// issued session.
type LoginService struct {
	providers    *ProviderService
	registry     *providers.Registry
	state        *auth.StateCodec
	sessions     *auth.SessionManager
	directory    *DirectoryService
	provisioning *ProvisioningService
	log          *zap.Logger
}

// NewLoginService wires the login orchestrator.
func NewLoginService(
	providerSvc *ProviderService,
	registry *providers.Registry,
	state *auth.StateCodec,
	sessions *auth.SessionManager,
	directory *DirectoryService,
	provisioning *ProvisioningService,
) (*LoginService, error) {
	switch {
	case providerSvc == nil:
		return nil, errors.New("login service: provider service is required")
	case registry == nil:
		return nil, errors.New("login service: adapter registry is required")
	case state == nil:
		return nil, errors.New("login service: state codec is required")
	case sessions == nil:
		return nil, errors.New("login service: session manager is required")
	case directory == nil:
		return nil, errors.New("login service: directory service is required")
	case provisioning == nil:
		return nil, errors.New("login service: provisioning service is required")
	}
	return &LoginService{
		providers:    providerSvc,
		registry:     registry,
		state:        state,
		sessions:     sessions,
		directory:    directory,
		provisioning: provisioning,
		log:          logger.WithModule("login"),
	}, nil
}

// LoginStart is the artifact handed to the caller to begin a login.
// RedirectURL is empty for synchronous protocols (LDAP); State must come back
// with the callback payload either way.
type LoginStart struct {
	RedirectURL string
	State       string
}

// CompleteLoginInput carries the provider's callback payload plus the state
// token issued at login start.
type CompleteLoginInput struct {
	State        string
	SAMLResponse string
	Code         string
	Credentials  *providers.Credentials
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	User    *models.DirectoryUser
	Session *models.SSOSession
	Roles   []string
	Groups  []string
}

// StartLogin builds the redirect (or, for synchronous protocols, just the
// state token) that initiates a login against the given provider.
func (s *LoginService) StartLogin(ctx context.Context, providerID string) (*LoginStart, error) {
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

	nonce, err := crypto.GenerateToken(loginNonceLength)
	if err != nil {
		return nil, fmt.Errorf("login service: generate nonce: %w", err)
	}

	// The adapter embeds the nonce as its relay state; once the protocol
	// request id is known the final encrypted state replaces it in the URL.
	redirect, err := adapter.StartLogin(ctx, providers.StartLoginRequest{RelayState: nonce})
	if err != nil {
		return nil, err
	}

	payload := auth.StatePayload{ProviderID: provider.ID, Nonce: nonce}
	if redirect != nil {
		payload.RequestID = redirect.RequestID
	}
	token, err := s.state.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("login service: encode state: %w", err)
	}

	start := &LoginStart{State: token}
	if redirect != nil {
		rewritten, err := rewriteStateParam(redirect.URL, token)
		if err != nil {
			return nil, fmt.Errorf("login service: rewrite redirect: %w", err)
		}
		start.RedirectURL = rewritten
	}
	return start, nil
}

// CompleteLogin validates the callback payload and, on success, merges the
// identity into the directory, runs provisioning, and issues a session.
// Nothing caller-visible is created on failure.
func (s *LoginService) CompleteLogin(ctx context.Context, input CompleteLoginInput) (*LoginResult, error) {
	payload, err := s.state.Decode(input.State)
	if err != nil {
		return nil, apperrors.ErrAuthentication.WithMessage("login state is invalid or expired").WithInternal(err)
	}

	provider, err := s.providers.Get(ctx, payload.ProviderID)
	if err != nil {
		return nil, err
	}

	result, err := s.completeLogin(ctx, provider, payload, input)
	s.recordAttempt(provider.Type, err)
	return result, err
}

func (s *LoginService) completeLogin(ctx context.Context, provider *models.SSOProvider, payload auth.StatePayload, input CompleteLoginInput) (*LoginResult, error) {
	if provider.IsDisabled() {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("provider %q is disabled", provider.Name))
	}

	adapter, err := s.registry.AdapterFor(provider)
	if err != nil {
		return nil, err
	}

	identity, err := adapter.ProcessCallback(ctx, providers.CallbackRequest{
		SAMLResponse: input.SAMLResponse,
		RequestID:    payload.RequestID,
		Code:         input.Code,
		Nonce:        payload.Nonce,
		RelayState:   input.State,
		Credentials:  input.Credentials,
	})
	if err != nil {
		return nil, err
	}

	attrs := auth.MapAttributes(identity.RawAttributes, provider.Mapping())
	if attrs.UserID == "" {
		attrs.UserID = identity.Subject
	}

	outcome := s.provisioning.Evaluate(ctx, provider.ID, models.TriggerLogin, attrs)

	// The user merge and the session insert commit together: a failure on
	// either leaves no trace of the attempt. A provisioning deactivation is
	// the one write that must survive the refused login, so that path commits
	// the merge and skips the session.
	var (
		user    *models.DirectoryUser
		session *models.SSOSession
	)
	err = s.directory.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		user, txErr = s.directory.withTx(tx).UpsertUser(ctx, UpsertUserInput{
			Source:          provider.ID,
			Attrs:           attrs,
			ExtraRoles:      outcome.Roles,
			ExtraGroups:     outcome.Groups,
			ExtraAttributes: outcome.Attributes,
			Deactivate:      outcome.Deactivate,
			Touch:           true,
		})
		if txErr != nil {
			return txErr
		}
		if !user.IsActive {
			return nil
		}
		session, txErr = s.sessions.WithTx(tx).Create(ctx, user, provider, identity.Correlation, snapshotAttributes(attrs))
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return nil, apperrors.ErrAuthentication.WithMessage("account is deactivated")
	}

	s.log.Info("login completed",
		zap.String("provider_id", provider.ID),
		zap.String("protocol", provider.Type),
		zap.String("user_id", user.ID))

	return &LoginResult{
		User:    user,
		Session: session,
		Roles:   []string(user.Roles),
		Groups:  []string(user.Groups),
	}, nil
}

// ValidateSession resolves a session token to its user and role/group set.
func (s *LoginService) ValidateSession(ctx context.Context, sessionID string) (*LoginResult, error) {
	session, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	user, err := s.directory.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		User:    user,
		Session: session,
		Roles:   []string(user.Roles),
		Groups:  []string(user.Groups),
	}, nil
}

// TerminateSession invalidates a session; unknown sessions terminate cleanly.
func (s *LoginService) TerminateSession(ctx context.Context, sessionID string) error {
	return s.sessions.Terminate(ctx, sessionID)
}

// InitiateSingleLogout terminates the session and returns the IdP logout
// redirect when the originating protocol supports one.
func (s *LoginService) InitiateSingleLogout(ctx context.Context, sessionID string) (*url.URL, error) {
	return s.sessions.InitiateSingleLogout(ctx, sessionID)
}

func (s *LoginService) recordAttempt(protocol string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.LoginAttempts.WithLabelValues(protocol, result).Inc()
}

// rewriteStateParam replaces the relay-state query parameter in a provider
// redirect with the final encrypted state token. SAML carries it as
// RelayState, OIDC as state.
func rewriteStateParam(rawURL, token string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	switch {
	case query.Has("RelayState"):
		query.Set("RelayState", token)
	case query.Has("state"):
		query.Set("state", token)
	default:
		return "", errors.New("redirect carries no relay-state parameter")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func snapshotAttributes(attrs auth.CanonicalAttributes) map[string]string {
	snapshot := map[string]string{}
	for _, name := range []string{
		auth.CanonicalUserID, auth.CanonicalEmail, auth.CanonicalFirstName,
		auth.CanonicalLastName, auth.CanonicalDisplayName, auth.CanonicalDepartment,
		auth.CanonicalTitle, auth.CanonicalManager, auth.CanonicalPhone,
		auth.CanonicalLocation,
	} {
		if value, ok := attrs.Get(name); ok && value != "" {
			snapshot[name] = value
		}
	}
	if len(attrs.Groups) > 0 {
		snapshot[auth.CanonicalGroups] = strings.Join(attrs.Groups, ",")
	}
	if len(attrs.Roles) > 0 {
		snapshot[auth.CanonicalRoles] = strings.Join(attrs.Roles, ",")
	}
	return snapshot
}
