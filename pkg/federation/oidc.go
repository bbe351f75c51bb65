package federation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig carries the settings for an OpenID Connect provider.
type OIDCConfig struct {
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// OIDCProvider authenticates users via OpenID Connect.
type OIDCProvider struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
	oauth2   *oauth2.Config
}

// NewOIDCProvider discovers the issuer and builds the provider.
func NewOIDCProvider(ctx context.Context, cfg Config) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OIDC.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID})

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.OIDC.RedirectURL,
		Scopes:       cfg.OIDC.Scopes,
	}

	return &OIDCProvider{
		cfg:      cfg,
		verifier: verifier,
		oauth2:   oauth2Config,
	}, nil
}

// Name returns the configured provider name.
func (p *OIDCProvider) Name() string {
	return p.cfg.Name
}

// Kind returns KindOIDC.
func (p *OIDCProvider) Kind() Kind {
	return KindOIDC
}

// Login redirects to the provider's authorization endpoint.
func (p *OIDCProvider) Login(w http.ResponseWriter, r *http.Request, state string) error {
	http.Redirect(w, r, p.oauth2.AuthCodeURL(state), http.StatusFound)
	return nil
}

// Callback exchanges the authorization code, verifies the ID token and
// maps its claims to an ExternalUser.
func (p *OIDCProvider) Callback(r *http.Request) (*ExternalUser, error) {
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}

	ctx := r.Context()
	token, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	user := &ExternalUser{
		Attributes: make(map[string]string),
	}
	for k, v := range claims {
		if s, ok := v.(string); ok {
			user.Attributes[k] = s
		}
	}

	mapping := p.cfg.Attributes
	user.ExternalID = stringClaim(claims, mapping.UserID)
	user.Username = stringClaim(claims, mapping.Username)
	user.Email = stringClaim(claims, mapping.Email)
	user.FullName = stringClaim(claims, mapping.FullName)
	user.Groups = arrayClaim(claims, mapping.Groups)

	if user.ExternalID == "" {
		user.ExternalID = idToken.Subject
	}
	if user.Username == "" {
		user.Username = user.Email
	}

	if user.ExternalID == "" {
		return nil, fmt.Errorf("missing user ID in ID token")
	}
	if user.Email == "" {
		return nil, fmt.Errorf("missing email in ID token")
	}

	return user, nil
}

// Validate checks the OIDC settings.
func (p *OIDCProvider) Validate() error {
	cfg := p.cfg.OIDC
	if cfg == nil {
		return fmt.Errorf("oidc settings are required")
	}
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}

	hasOpenID := false
	for _, scope := range cfg.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("'openid' scope is required")
	}
	return nil
}
