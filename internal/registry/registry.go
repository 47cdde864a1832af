// Package registry implements the app registry (spec §4.6, C8): a
// hostname-to-controller map built once at startup from the loaded
// configuration, with case-insensitive lookup and coordinated shutdown of
// every controller it owns.
package registry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/controller"
	"github.com/pennyhq/penny/internal/journal"
)

// Registry maps normalized hostnames to their controller.
type Registry struct {
	apps map[string]*controller.Controller
}

// New builds a Registry with one Controller per app, keyed by its
// normalized hostname. Returns an error if two apps normalize to the same
// hostname.
func New(apps []appspec.App, c clock.Clock, j *journal.Journal, log *logrus.Entry) (*Registry, error) {
	r := &Registry{apps: make(map[string]*controller.Controller, len(apps))}
	for _, app := range apps {
		key := appspec.NormalizeHost(app.Hostname)
		if _, exists := r.apps[key]; exists {
			return nil, fmt.Errorf("duplicate hostname %q after normalization", app.Hostname)
		}
		entry := log.WithField("host", app.Hostname)
		r.apps[key] = controller.New(app, c, j, entry)
	}
	return r, nil
}

// Lookup returns the controller for host (case-insensitively, ignoring any
// ":port" suffix), or nil if host isn't configured.
func (r *Registry) Lookup(host string) *controller.Controller {
	return r.apps[appspec.NormalizeHost(host)]
}

// Hostnames returns every configured hostname's normalized form.
func (r *Registry) Hostnames() []string {
	out := make([]string, 0, len(r.apps))
	for host := range r.apps {
		out = append(out, host)
	}
	return out
}

// All returns every controller the registry owns, for the admin API's
// "all apps" overview.
func (r *Registry) All() map[string]*controller.Controller {
	return r.apps
}

// Shutdown tears every controller down concurrently, returning the first
// error (if any), but always waiting for every controller to finish.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for host, ctrl := range r.apps {
		host, ctrl := host, ctrl
		g.Go(func() error {
			if err := ctrl.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutting down %q: %w", host, err)
			}
			return nil
		})
	}
	return g.Wait()
}
