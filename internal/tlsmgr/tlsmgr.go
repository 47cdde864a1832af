// Package tlsmgr wraps golang.org/x/crypto/acme/autocert for automatic
// Let's Encrypt certificate provisioning and renewal (spec §4.8, C10).
package tlsmgr

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/pennyhq/penny/internal/clock"
)

// Manager issues and renews certificates for a fixed set of hostnames,
// storing them under certsDir.
type Manager struct {
	cm  *autocert.Manager
	log *logrus.Entry
}

// New constructs a Manager restricted to hostnames, caching issued
// certificates under certsDir.
func New(hostnames []string, certsDir string, log *logrus.Entry) *Manager {
	return &Manager{
		cm: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hostnames...),
			Cache:      autocert.DirCache(certsDir),
		},
		log: log,
	}
}

// HTTPHandler answers ACME HTTP-01 challenges; any request that isn't a
// challenge is handed to fallback (with nil, GET and HEAD requests are
// redirected to HTTPS and other methods get 400).
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	return m.cm.HTTPHandler(fallback)
}

// TLSConfig returns a *tls.Config wired to the manager's GetCertificate,
// ready to pass to an *http.Server listening on the HTTPS port.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
	}
}

// RunRenewalLoop periodically forces a renewal check by requesting each
// hostname's certificate, so expiring certificates are refreshed well ahead
// of their deadline instead of only on the next incoming handshake.
// autocert.Manager already renews opportunistically during GetCertificate,
// so this loop exists to keep low-traffic hosts (which may not see a fresh
// TLS handshake for days) from ever serving a near-expiry certificate.
func (m *Manager) RunRenewalLoop(ctx context.Context, c clock.Clock, hostnames []string, checkInterval time.Duration) {
	ticker := c.NewTimer(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.checkRenewals(ctx, hostnames)
			ticker.Reset(checkInterval)
		}
	}
}

func (m *Manager) checkRenewals(ctx context.Context, hostnames []string) {
	for _, host := range hostnames {
		hello := &tlsClientHelloStub{serverName: host}
		if _, err := m.cm.GetCertificate(hello.toTLS()); err != nil {
			m.log.WithField("host", host).WithError(err).Warn("certificate renewal check failed")
		}
	}
}

// tlsClientHelloStub builds the minimal *tls.ClientHelloInfo GetCertificate
// needs (just the SNI) to drive a renewal check outside of a real handshake.
type tlsClientHelloStub struct {
	serverName string
}

func (s *tlsClientHelloStub) toTLS() *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{ServerName: s.serverName}
}
