// Package federation integrates external identity providers (OIDC and
// SAML 2.0) as alternative front doors to credential sign-in. A
// successful federated login resolves to a local user and opens a
// console session like any other sign-in.
package federation

import (
	"context"
	"fmt"
	"net/http"
)

// Kind identifies the federation protocol.
type Kind string

const (
	KindOIDC Kind = "oidc"
	KindSAML Kind = "saml"
)

// ExternalUser is the normalized identity returned by a provider
// callback. ExternalID and Email are always populated.
type ExternalUser struct {
	ExternalID string
	Username   string
	Email      string
	FullName   string
	Groups     []string
	Attributes map[string]string
}

// AttributeMap names the provider claims or assertion attributes that
// carry each identity field.
type AttributeMap struct {
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	FullName string `yaml:"full_name"`
	Groups   string `yaml:"groups"`
}

// Config describes one configured identity provider.
type Config struct {
	Name       string       `yaml:"name"`
	Kind       Kind         `yaml:"kind"`
	Enabled    bool         `yaml:"enabled"`
	Attributes AttributeMap `yaml:"attributes"`

	OIDC *OIDCConfig `yaml:"oidc,omitempty"`
	SAML *SAMLConfig `yaml:"saml,omitempty"`
}

// Provider is one external identity provider wired into the sign-in
// flow.
type Provider interface {
	// Name returns the configured provider name, used in routes.
	Name() string

	// Kind returns the federation protocol.
	Kind() Kind

	// Login redirects the browser to the provider. The state value is
	// round-tripped and comes back on the callback.
	Login(w http.ResponseWriter, r *http.Request, state string) error

	// Callback validates the provider response and returns the
	// normalized external identity.
	Callback(r *http.Request) (*ExternalUser, error)

	// Validate checks the provider configuration for completeness.
	Validate() error
}

// Build constructs a provider from its configuration.
func Build(ctx context.Context, cfg Config, baseURL string) (Provider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", cfg.Name)
	}

	switch cfg.Kind {
	case KindOIDC:
		if cfg.OIDC == nil {
			return nil, fmt.Errorf("oidc settings are required for provider %s", cfg.Name)
		}
		return NewOIDCProvider(ctx, cfg)
	case KindSAML:
		if cfg.SAML == nil {
			return nil, fmt.Errorf("saml settings are required for provider %s", cfg.Name)
		}
		return NewSAMLProvider(cfg, baseURL)
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", cfg.Kind)
	}
}

func stringClaim(claims map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func arrayClaim(claims map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
