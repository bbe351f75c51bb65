package federation

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// SAMLConfig carries the settings for a SAML 2.0 identity provider.
type SAMLConfig struct {
	EntityID     string `yaml:"entity_id"`
	SSOURL       string `yaml:"sso_url"`
	Certificate  string `yaml:"certificate"`
	PrivateKey   string `yaml:"private_key,omitempty"`
	SignRequests bool   `yaml:"sign_requests"`
	NameIDFormat string `yaml:"name_id_format,omitempty"`
}

// SAMLProvider authenticates users via SAML 2.0 assertions.
type SAMLProvider struct {
	cfg Config
	sp  *saml2.SAMLServiceProvider
}

// NewSAMLProvider builds the service provider from the IdP certificate
// and endpoints.
func NewSAMLProvider(cfg Config, baseURL string) (*SAMLProvider, error) {
	certBlock, _ := pem.Decode([]byte(cfg.SAML.Certificate))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	var keyStore dsig.X509KeyStore
	if cfg.SAML.PrivateKey != "" {
		keyBlock, _ := pem.Decode([]byte(cfg.SAML.PrivateKey))
		if keyBlock == nil {
			return nil, fmt.Errorf("failed to decode private key PEM")
		}
		privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
		if err != nil {
			pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			var ok bool
			privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("private key is not RSA")
			}
		}
		keyStore = &dsig.TLSCertKeyStore{
			PrivateKey:  privateKey,
			Certificate: [][]byte{[]byte(cfg.SAML.Certificate)},
		}
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SAML.SSOURL,
		IdentityProviderIssuer:      cfg.SAML.EntityID,
		ServiceProviderIssuer:       baseURL + "/api/v1/auth/federated/metadata",
		AssertionConsumerServiceURL: fmt.Sprintf("%s/api/v1/auth/federated/%s/callback", baseURL, cfg.Name),
		SignAuthnRequests:           cfg.SAML.SignRequests,
		AudienceURI:                 baseURL,
		IDPCertificateStore:         &certStore,
		SPKeyStore:                  keyStore,
	}
	if cfg.SAML.NameIDFormat != "" {
		sp.NameIdFormat = cfg.SAML.NameIDFormat
	}

	return &SAMLProvider{cfg: cfg, sp: sp}, nil
}

// Name returns the configured provider name.
func (p *SAMLProvider) Name() string {
	return p.cfg.Name
}

// Kind returns KindSAML.
func (p *SAMLProvider) Kind() Kind {
	return KindSAML
}

// Login redirects the browser to the IdP with a fresh AuthnRequest. The
// state rides along as RelayState.
func (p *SAMLProvider) Login(w http.ResponseWriter, r *http.Request, state string) error {
	authURL, err := p.sp.BuildAuthURL(state)
	if err != nil {
		return fmt.Errorf("failed to build auth URL: %w", err)
	}
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// Callback validates the posted assertion and maps its attributes to an
// ExternalUser.
func (p *SAMLProvider) Callback(r *http.Request) (*ExternalUser, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	samlResponse := r.FormValue("SAMLResponse")
	if samlResponse == "" {
		return nil, fmt.Errorf("missing SAMLResponse parameter")
	}

	assertionBytes, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SAMLResponse: %w", err)
	}

	info, err := p.sp.RetrieveAssertionInfo(string(assertionBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return nil, fmt.Errorf("assertion has invalid time")
		}
		if info.WarningInfo.NotInAudience {
			return nil, fmt.Errorf("assertion not in expected audience")
		}
	}

	user := &ExternalUser{
		Attributes: make(map[string]string),
	}
	mapping := p.cfg.Attributes
	for _, attr := range info.Values {
		if len(attr.Values) == 0 {
			continue
		}
		user.Attributes[attr.Name] = attr.Values[0].Value

		switch attr.Name {
		case mapping.UserID:
			user.ExternalID = attr.Values[0].Value
		case mapping.Username:
			user.Username = attr.Values[0].Value
		case mapping.Email:
			user.Email = attr.Values[0].Value
		case mapping.FullName:
			user.FullName = attr.Values[0].Value
		case mapping.Groups:
			for _, v := range attr.Values {
				user.Groups = append(user.Groups, v.Value)
			}
		}
	}

	if user.ExternalID == "" {
		user.ExternalID = info.NameID
	}
	if user.Username == "" {
		user.Username = user.Email
	}

	if user.ExternalID == "" {
		return nil, fmt.Errorf("missing user ID in assertion")
	}
	if user.Email == "" {
		return nil, fmt.Errorf("missing email in assertion")
	}

	return user, nil
}

// Validate checks the SAML settings, including certificate parseability.
func (p *SAMLProvider) Validate() error {
	cfg := p.cfg.SAML
	if cfg == nil {
		return fmt.Errorf("saml settings are required")
	}
	if cfg.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if cfg.SSOURL == "" {
		return fmt.Errorf("sso_url is required")
	}
	if cfg.Certificate == "" {
		return fmt.Errorf("certificate is required")
	}

	block, _ := pem.Decode([]byte(cfg.Certificate))
	if block == nil {
		return fmt.Errorf("invalid certificate PEM format")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return fmt.Errorf("invalid certificate: %w", err)
	}
	return nil
}
