package providers

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
)

const defaultDirectoryFilter = "(objectClass=person)"

type ldapAdapter struct {
	provider *models.SSOProvider
	cfg      models.LDAPConfig
	timeout  time.Duration
}

func newLDAPAdapter(provider *models.SSOProvider, opts Options) (Adapter, error) {
	opts = opts.withDefaults()

	if provider.Type != models.ProtocolLDAP {
		return nil, fmt.Errorf("ldap adapter: unexpected provider type %s", provider.Type)
	}
	cfg := provider.LDAP
	if cfg == nil {
		return nil, apperrors.NewConfiguration("ldap adapter: configuration block is missing")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, apperrors.NewConfiguration("ldap adapter: url is required")
	}
	if strings.TrimSpace(cfg.BindDN) == "" {
		return nil, apperrors.NewConfiguration("ldap adapter: bind dn is required")
	}
	if strings.TrimSpace(cfg.SearchBase) == "" {
		return nil, apperrors.NewConfiguration("ldap adapter: search base is required")
	}

	return &ldapAdapter{provider: provider, cfg: *cfg, timeout: opts.Timeout}, nil
}

func (a *ldapAdapter) Protocol() string { return models.ProtocolLDAP }

// StartLogin is a no-op for LDAP: authentication is a synchronous bind
// performed during the callback with the caller-supplied credentials.
func (a *ldapAdapter) StartLogin(ctx context.Context, req StartLoginRequest) (*LoginRedirect, error) {
	return nil, nil
}

// ProcessCallback resolves the user's DN via the service account, then binds
// as the user with the submitted password. The password is used for the bind
// only and never stored.
func (a *ldapAdapter) ProcessCallback(ctx context.Context, req CallbackRequest) (*ExternalIdentity, error) {
	if req.Credentials == nil {
		return nil, apperrors.ErrAuthentication.WithInternal(errors.New("ldap adapter: credentials are required"))
	}
	identifier := strings.TrimSpace(req.Credentials.Username)
	if identifier == "" || req.Credentials.Password == "" {
		return nil, apperrors.ErrAuthentication.WithInternal(errors.New("ldap adapter: username and password are required"))
	}

	conn, err := a.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := a.bindServiceAccount(conn); err != nil {
		return nil, err
	}

	searchFilter := buildLDAPFilter(a.cfg.SearchFilter, identifier)
	searchRequest := ldap.NewSearchRequest(
		a.cfg.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1,
		0,
		false,
		searchFilter,
		buildAttributeList(a.provider.Mapping()),
		nil,
	)

	result, err := conn.Search(searchRequest)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("ldap adapter: search: %w", err))
	}
	if result == nil || len(result.Entries) == 0 {
		return nil, apperrors.ErrAuthentication.WithInternal(fmt.Errorf("ldap adapter: user %q not found", identifier))
	}
	userEntry := result.Entries[0]

	if err := conn.Bind(userEntry.DN, req.Credentials.Password); err != nil {
		return nil, apperrors.ErrAuthentication.WithInternal(errors.New("ldap adapter: invalid credentials"))
	}

	return &ExternalIdentity{
		Subject:       userEntry.DN,
		RawAttributes: entryAttributes(userEntry),
		// No correlation data: LDAP has no IdP-driven logout or tokens.
		Correlation: Correlation{},
	}, nil
}

// FetchDirectory enumerates every entry under the search base using the
// configured filter, for bulk reconciliation outside a login flow.
func (a *ldapAdapter) FetchDirectory(ctx context.Context) ([]map[string]any, error) {
	conn, err := a.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := a.bindServiceAccount(conn); err != nil {
		return nil, err
	}

	filter := strings.TrimSpace(a.cfg.SearchFilter)
	if filter == "" || strings.Contains(filter, "{") {
		// Login filters are templated per identifier; directory pulls need a
		// closed filter.
		filter = defaultDirectoryFilter
	}

	searchRequest := ldap.NewSearchRequest(
		a.cfg.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		0,
		false,
		filter,
		buildAttributeList(a.provider.Mapping()),
		nil,
	)

	result, err := conn.SearchWithPaging(searchRequest, 500)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("ldap adapter: directory search: %w", err))
	}

	entries := make([]map[string]any, 0, len(result.Entries))
	for _, entry := range result.Entries {
		entries = append(entries, entryAttributes(entry))
	}
	return entries, nil
}

func (a *ldapAdapter) dial() (*ldap.Conn, error) {
	dialOpts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: a.timeout})}
	if strings.HasPrefix(a.cfg.URL, "ldaps://") || a.cfg.SkipVerify {
		dialOpts = append(dialOpts, ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: a.cfg.SkipVerify}))
	}

	conn, err := ldap.DialURL(a.cfg.URL, dialOpts...)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("ldap adapter: dial: %w", err))
	}
	conn.SetTimeout(a.timeout)

	if a.cfg.UseTLS && !strings.HasPrefix(a.cfg.URL, "ldaps://") {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: a.cfg.SkipVerify}); err != nil {
			conn.Close()
			return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("ldap adapter: start tls: %w", err))
		}
	}

	return conn, nil
}

func (a *ldapAdapter) bindServiceAccount(conn *ldap.Conn) error {
	if err := conn.Bind(a.cfg.BindDN, a.cfg.BindCredentials); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return apperrors.NewConfiguration("ldap adapter: service account bind rejected").WithInternal(err)
		}
		return apperrors.ErrTransient.WithInternal(fmt.Errorf("ldap adapter: service bind: %w", err))
	}
	return nil
}

func buildLDAPFilter(template string, identifier string) string {
	escaped := ldap.EscapeFilter(identifier)
	if strings.TrimSpace(template) == "" {
		return fmt.Sprintf("(uid=%s)", escaped)
	}
	filter := strings.ReplaceAll(template, "{identifier}", escaped)
	filter = strings.ReplaceAll(filter, "{username}", escaped)
	filter = strings.ReplaceAll(filter, "{email}", escaped)
	return filter
}

func buildAttributeList(mapping map[string]string) []string {
	attrs := map[string]struct{}{
		"dn":          {},
		"uid":         {},
		"mail":        {},
		"displayName": {},
	}
	for _, v := range mapping {
		if strings.TrimSpace(v) == "" {
			continue
		}
		attrs[strings.TrimSpace(v)] = struct{}{}
	}
	list := make([]string, 0, len(attrs))
	for k := range attrs {
		list = append(list, k)
	}
	return list
}

func entryAttributes(entry *ldap.Entry) map[string]any {
	result := make(map[string]any, len(entry.Attributes)+1)
	for _, attr := range entry.Attributes {
		values := make([]string, len(attr.Values))
		copy(values, attr.Values)
		result[attr.Name] = values
	}
	result["dn"] = entry.DN
	return result
}
