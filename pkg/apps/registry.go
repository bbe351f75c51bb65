// Package apps maintains the registry of delegating applications: which
// app_ids exist, what they are called, and which callback redirect URIs
// they are allowed to receive grants on.
package apps

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// App is one registered delegating application.
type App struct {
	AppID        string   `yaml:"app_id"`
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Active       bool     `yaml:"active"`
}

type registryFile struct {
	Applications []App `yaml:"applications"`
}

// Registry is the in-memory view of the registry file. It can watch the
// file and hot-reload on change.
type Registry struct {
	path string
	log  *logrus.Entry

	mu   sync.RWMutex
	apps map[string]App
}

// LoadRegistry reads and parses the registry file.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		log:  logrus.WithField("component", "apps-registry"),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse registry file: %w", err)
	}

	apps := make(map[string]App, len(file.Applications))
	for _, app := range file.Applications {
		if app.AppID == "" {
			return fmt.Errorf("registry entry missing app_id")
		}
		apps[app.AppID] = app
	}

	r.mu.Lock()
	r.apps = apps
	r.mu.Unlock()

	r.log.WithField("applications", len(apps)).Info("application registry loaded")
	return nil
}

// Watch reloads the registry whenever the file changes. It blocks until
// stop is closed and is meant to run in its own goroutine. A reload
// failure keeps the previous registry and logs the error.
func (r *Registry) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("failed to watch registry file: %w", err)
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.log.WithError(err).Warn("registry reload failed, keeping previous registry")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("registry watcher error")
		}
	}
}

// Lookup returns the registered application for an app_id.
func (r *Registry) Lookup(appID string) (App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[appID]
	return app, ok
}

// DisplayName resolves a human-readable name for an app_id, falling back
// to the id itself for unregistered applications.
func (r *Registry) DisplayName(appID string) string {
	if app, ok := r.Lookup(appID); ok && app.Name != "" {
		return app.Name
	}
	return appID
}

// ValidateRedirect checks a redirect URI against the application's
// registered callbacks. It implements grants.RedirectValidator.
func (r *Registry) ValidateRedirect(appID, redirectURI string) error {
	app, ok := r.Lookup(appID)
	if !ok {
		return fmt.Errorf("unknown application: %s", appID)
	}
	if !app.Active {
		return fmt.Errorf("application is disabled: %s", appID)
	}
	for _, uri := range app.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri not registered for %s", appID)
}
