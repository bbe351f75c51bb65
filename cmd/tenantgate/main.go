package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tenantgate/tenantgate/pkg/api"
	"github.com/tenantgate/tenantgate/pkg/apps"
	"github.com/tenantgate/tenantgate/pkg/audit"
	"github.com/tenantgate/tenantgate/pkg/catalog"
	"github.com/tenantgate/tenantgate/pkg/config"
	"github.com/tenantgate/tenantgate/pkg/entitlement"
	"github.com/tenantgate/tenantgate/pkg/federation"
	"github.com/tenantgate/tenantgate/pkg/grants"
	"github.com/tenantgate/tenantgate/pkg/identity"
	"github.com/tenantgate/tenantgate/pkg/middleware"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/session"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	// Postgres
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxConns)
	db.SetMaxIdleConns(cfg.Postgres.MinConns)
	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	// Redis session store
	sessionStore, err := session.NewStore(cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to redis")
		os.Exit(1)
	}
	sessionStore.SetTTL(cfg.Auth.SessionTTL)

	// Application registry
	registry, err := apps.LoadRegistry(cfg.Apps.RegistryPath)
	if err != nil {
		logger.WithError(err).Error("Failed to load application registry")
		os.Exit(1)
	}
	stopWatch := make(chan struct{})
	if cfg.Apps.WatchEnabled {
		go func() {
			if err := registry.Watch(stopWatch); err != nil {
				logger.WithError(err).Error("Application registry watcher stopped")
			}
		}()
	}

	// Core services
	users := identity.NewPostgresStore(db)
	sessions := session.NewManager(users, sessionStore)

	grantStore := grants.NewPostgresStore(db)
	issuer := grants.NewService(grantStore, registry)
	issuer.SetTTL(cfg.Handoff.GrantTTL)

	roleCatalog := catalog.NewCachedCatalog(catalog.NewRolePermissionCatalog(db), 256, 5*time.Minute)
	roleEngine := entitlement.New(roleCatalog)
	userEngine := entitlement.New(catalog.NewUserAccessCatalog(db))
	roleStore := catalog.NewRoleStore(db)

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("Failed to create audit logger")
		os.Exit(1)
	}

	// Federated identity providers
	providers := make(map[string]federation.Provider)
	for _, provCfg := range federationConfigs() {
		provider, err := federation.Build(ctx, provCfg, cfg.Server.BaseURL)
		if err != nil {
			logger.WithError(err).Warnf("Skipping identity provider %s", provCfg.Name)
			continue
		}
		if err := provider.Validate(); err != nil {
			logger.WithError(err).Warnf("Skipping misconfigured identity provider %s", provCfg.Name)
			continue
		}
		providers[provider.Name()] = provider
	}

	// Observability
	promRegistry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	limiter := middleware.NewSignInRateLimiter(sessionStore.Client(), nil)

	authHandlers := api.NewAuthHandlers(sessions, issuer, issuer, registry, providers, auditLog, metrics, cfg.Auth.SecureCookies)
	entHandlers := api.NewEntitlementHandlers(roleStore, roleEngine, userEngine, roleCatalog, auditLog, metrics)
	server := api.NewServer(logger, metrics, authHandlers, entHandlers, limiter)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Separate health/metrics listener for probes and scrapes.
	healthChecker := observability.NewHealthChecker(db, sessionStore.Client())
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthChecker.Liveness)
	healthMux.HandleFunc("/readyz", healthChecker.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(promRegistry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.Infof("Health server listening on :%s", cfg.Server.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.Infof("Console API listening on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		close(stopWatch)
		return nil
	})
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return otelProviders.Shutdown(ctx)
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

// federationConfigs reads identity provider definitions from the
// environment. Providers are optional; an empty list disables federated
// sign-in.
func federationConfigs() []federation.Config {
	var configs []federation.Config

	if issuer := os.Getenv("TENANTGATE_OIDC_ISSUER_URL"); issuer != "" {
		configs = append(configs, federation.Config{
			Name:    envOr("TENANTGATE_OIDC_NAME", "oidc"),
			Kind:    federation.KindOIDC,
			Enabled: true,
			Attributes: federation.AttributeMap{
				UserID:   "sub",
				Username: "preferred_username",
				Email:    "email",
				FullName: "name",
				Groups:   "groups",
			},
			OIDC: &federation.OIDCConfig{
				IssuerURL:    issuer,
				ClientID:     os.Getenv("TENANTGATE_OIDC_CLIENT_ID"),
				ClientSecret: os.Getenv("TENANTGATE_OIDC_CLIENT_SECRET"),
				RedirectURL:  os.Getenv("TENANTGATE_OIDC_REDIRECT_URL"),
				Scopes:       []string{"openid", "profile", "email"},
			},
		})
	}

	if ssoURL := os.Getenv("TENANTGATE_SAML_SSO_URL"); ssoURL != "" {
		configs = append(configs, federation.Config{
			Name:    envOr("TENANTGATE_SAML_NAME", "saml"),
			Kind:    federation.KindSAML,
			Enabled: true,
			Attributes: federation.AttributeMap{
				UserID:   "uid",
				Username: "username",
				Email:    "email",
				FullName: "displayName",
				Groups:   "groups",
			},
			SAML: &federation.SAMLConfig{
				EntityID:    os.Getenv("TENANTGATE_SAML_ENTITY_ID"),
				SSOURL:      ssoURL,
				Certificate: os.Getenv("TENANTGATE_SAML_CERTIFICATE"),
				PrivateKey:  os.Getenv("TENANTGATE_SAML_PRIVATE_KEY"),
			},
		})
	}

	return configs
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
