package providers

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	saml "github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
)

type samlAdapter struct {
	provider *models.SSOProvider
	sp       *saml.ServiceProvider
	now      func() time.Time
}

func newSAMLAdapter(provider *models.SSOProvider, opts Options) (Adapter, error) {
	opts = opts.withDefaults()

	if provider.Type != models.ProtocolSAML {
		return nil, fmt.Errorf("saml adapter: unexpected provider type %s", provider.Type)
	}
	cfg := provider.SAML
	if cfg == nil {
		return nil, apperrors.NewConfiguration("saml adapter: configuration block is missing")
	}
	if strings.TrimSpace(cfg.EntryPoint) == "" {
		return nil, apperrors.NewConfiguration("saml adapter: entry point is required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, apperrors.NewConfiguration("saml adapter: issuer is required")
	}
	if strings.TrimSpace(cfg.Cert) == "" {
		return nil, apperrors.NewConfiguration("saml adapter: idp certificate is required")
	}

	acs := strings.TrimSpace(cfg.CallbackURL)
	if acs == "" {
		acs = strings.TrimSuffix(cfg.Issuer, "/") + "/saml/acs"
	}
	acsURL, err := url.Parse(acs)
	if err != nil {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("saml adapter: parse callback url: %v", err))
	}

	metadataURL := *acsURL
	metadataURL.Path = ensureTrailingPath(metadataURL.Path, "/metadata")

	sp := &saml.ServiceProvider{
		EntityID:    cfg.Issuer,
		MetadataURL: metadataURL,
		AcsURL:      *acsURL,
	}

	if strings.TrimSpace(cfg.PrivateKey) != "" {
		key, err := parsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("saml adapter: parse private key: %v", err))
		}
		sp.Key = key
	}
	if strings.TrimSpace(cfg.SPCert) != "" {
		cert, intermediates, err := parseCertificateChain(cfg.SPCert)
		if err != nil {
			return nil, apperrors.NewConfiguration(fmt.Sprintf("saml adapter: parse sp certificate: %v", err))
		}
		sp.Certificate = cert
		sp.Intermediates = intermediates
	}

	if err := populateIDPMetadata(opts.HTTPClient, *cfg, sp, opts.Timeout); err != nil {
		return nil, err
	}

	return &samlAdapter{provider: provider, sp: sp, now: opts.Now}, nil
}

func (a *samlAdapter) Protocol() string { return models.ProtocolSAML }

// StartLogin builds a deflated, base64-encoded AuthnRequest and returns the
// redirect URL carrying it together with the caller's RelayState.
func (a *samlAdapter) StartLogin(ctx context.Context, req StartLoginRequest) (*LoginRedirect, error) {
	if strings.TrimSpace(req.RelayState) == "" {
		return nil, errors.New("saml adapter: relay state is required")
	}

	authnReq, err := a.sp.MakeAuthenticationRequest(
		a.sp.GetSSOBindingLocation(saml.HTTPRedirectBinding),
		saml.HTTPRedirectBinding,
		saml.HTTPPostBinding,
	)
	if err != nil {
		return nil, fmt.Errorf("saml adapter: make authn request: %w", err)
	}

	redirectURL, err := authnReq.Redirect(req.RelayState, a.sp)
	if err != nil {
		return nil, fmt.Errorf("saml adapter: build redirect: %w", err)
	}

	return &LoginRedirect{
		URL:       redirectURL.String(),
		RequestID: authnReq.ID,
	}, nil
}

// ProcessCallback verifies the response signature against the configured IdP
// certificate, checks Destination and timestamp validity, and only then
// extracts assertion attributes. A failed check is terminal for the attempt.
func (a *samlAdapter) ProcessCallback(ctx context.Context, req CallbackRequest) (*ExternalIdentity, error) {
	if strings.TrimSpace(req.SAMLResponse) == "" {
		return nil, apperrors.NewProtocol("saml adapter: SAMLResponse payload is missing")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, apperrors.ErrAuthentication.WithInternal(errors.New("saml adapter: request id missing"))
	}

	form := url.Values{}
	form.Set("SAMLResponse", req.SAMLResponse)
	if req.RelayState != "" {
		form.Set("RelayState", req.RelayState)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sp.AcsURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("saml adapter: build callback request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	assertion, err := a.sp.ParseResponse(httpReq, []string{req.RequestID})
	if err != nil {
		return nil, mapParseError(err)
	}

	attrs := collectAttributes(assertion)

	identity := &ExternalIdentity{
		RawAttributes: attrs,
		Correlation:   Correlation{},
	}
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		identity.Subject = assertion.Subject.NameID.Value
		identity.Correlation.NameID = assertion.Subject.NameID.Value
	}
	for _, stmt := range assertion.AuthnStatements {
		if stmt.SessionIndex != "" {
			identity.Correlation.SessionIndex = stmt.SessionIndex
			break
		}
	}

	return identity, nil
}

// MakeLogoutRedirect builds the single-logout redirect URL carrying a
// LogoutRequest with the session's NameID and SessionIndex.
func (a *samlAdapter) MakeLogoutRedirect(correlation Correlation, relayState string) (*url.URL, error) {
	if strings.TrimSpace(correlation.NameID) == "" {
		return nil, errors.New("saml adapter: name id is required for logout")
	}

	sloURL := a.sp.GetSLOBindingLocation(saml.HTTPRedirectBinding)
	if sloURL == "" {
		return nil, apperrors.ErrUnsupportedOperation.WithMessage("saml adapter: idp does not advertise a logout endpoint")
	}

	logoutReq, err := a.sp.MakeLogoutRequest(sloURL, correlation.NameID)
	if err != nil {
		return nil, fmt.Errorf("saml adapter: make logout request: %w", err)
	}
	if correlation.SessionIndex != "" {
		logoutReq.SessionIndex = &saml.SessionIndex{Value: correlation.SessionIndex}
	}

	return logoutReq.Redirect(relayState), nil
}

func mapParseError(err error) error {
	var invalid *saml.InvalidResponseError
	if errors.As(err, &invalid) && invalid.PrivateErr != nil {
		msg := invalid.PrivateErr.Error()
		if strings.Contains(msg, "cannot parse") || strings.Contains(msg, "cannot unmarshal") || strings.Contains(msg, "invalid xml") {
			return apperrors.NewProtocol("saml adapter: malformed response").WithInternal(invalid.PrivateErr)
		}
		return apperrors.ErrAuthentication.WithInternal(invalid.PrivateErr)
	}
	return apperrors.ErrAuthentication.WithInternal(err)
}

func populateIDPMetadata(httpClient *http.Client, cfg models.SAMLConfig, sp *saml.ServiceProvider, timeout time.Duration) error {
	client := httpClient
	if client == nil {
		client = http.DefaultClient
	}

	if strings.TrimSpace(cfg.MetadataURL) != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.MetadataURL, nil)
		if err != nil {
			return apperrors.NewConfiguration(fmt.Sprintf("saml adapter: build metadata request: %v", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return apperrors.ErrTransient.WithInternal(fmt.Errorf("saml adapter: fetch metadata: %w", err))
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return apperrors.ErrTransient.WithInternal(fmt.Errorf("saml adapter: metadata fetch failed: %s", resp.Status))
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.ErrTransient.WithInternal(fmt.Errorf("saml adapter: read metadata: %w", err))
		}
		entity, err := samlsp.ParseMetadata(data)
		if err != nil {
			return apperrors.NewProtocol("saml adapter: parse metadata").WithInternal(err)
		}
		sp.IDPMetadata = entity
		return nil
	}

	idpCert, _, err := parseCertificateChain(cfg.Cert)
	if err != nil {
		return apperrors.NewConfiguration(fmt.Sprintf("saml adapter: parse idp certificate: %v", err))
	}
	certData := base64.StdEncoding.EncodeToString(idpCert.Raw)

	sp.IDPMetadata = &saml.EntityDescriptor{
		EntityID: cfg.EntryPoint,
		IDPSSODescriptors: []saml.IDPSSODescriptor{{
			SSODescriptor: saml.SSODescriptor{
				RoleDescriptor: saml.RoleDescriptor{
					KeyDescriptors: []saml.KeyDescriptor{{
						Use:     "signing",
						KeyInfo: saml.KeyInfo{X509Data: saml.X509Data{X509Certificates: []saml.X509Certificate{{Data: certData}}}},
					}},
				},
				SingleLogoutServices: []saml.Endpoint{
					{Binding: saml.HTTPRedirectBinding, Location: cfg.EntryPoint},
				},
			},
			SingleSignOnServices: []saml.Endpoint{
				{Binding: saml.HTTPRedirectBinding, Location: cfg.EntryPoint},
				{Binding: saml.HTTPPostBinding, Location: cfg.EntryPoint},
			},
		}},
	}

	return nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid private key pem")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key must be RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseCertificateChain(pemData string) (*x509.Certificate, []*x509.Certificate, error) {
	var (
		primary       *x509.Certificate
		intermediates []*x509.Certificate
	)

	rest := []byte(pemData)
	for {
		if len(strings.TrimSpace(string(rest))) == 0 {
			break
		}
		block, remaining := pem.Decode(rest)
		if block == nil {
			break
		}
		rest = remaining
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, err
		}
		if primary == nil {
			primary = cert
		} else {
			intermediates = append(intermediates, cert)
		}
	}

	if primary == nil {
		return nil, nil, errors.New("certificate not found")
	}
	return primary, intermediates, nil
}

func ensureTrailingPath(path string, suffix string) string {
	if strings.HasSuffix(path, suffix) {
		return path
	}
	if strings.HasSuffix(path, "/") {
		return path + strings.TrimPrefix(suffix, "/")
	}
	return path + suffix
}

// collectAttributes flattens assertion attribute statements into the raw
// attribute map. Attributes are recorded under their full Name and, when one
// is present, their FriendlyName, so mappings may use either key.
func collectAttributes(assertion *saml.Assertion) map[string]any {
	result := make(map[string]any)

	record := func(name string, value string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		existing, _ := result[name].([]string)
		result[name] = append(existing, strings.TrimSpace(value))
	}

	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			for _, v := range attr.Values {
				record(attr.Name, v.Value)
				if attr.FriendlyName != "" && attr.FriendlyName != attr.Name {
					record(attr.FriendlyName, v.Value)
				}
			}
		}
	}

	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		result["nameid"] = []string{assertion.Subject.NameID.Value}
	}

	return result
}
