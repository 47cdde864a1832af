// Package proxyfront implements the HTTP(S) front-end (spec §4.6/§4.8, C9):
// it resolves the request's Host header against the app registry, drives
// the matched controller's Acquire/Release contract, and reverse-proxies
// the request to the backend once it is Ready. Construction of the
// *httputil.ReverseProxy follows the Director-rewrap pattern common to
// on-demand-backend proxies: a Director that rewrites the destination, a
// shared http.Transport, and an ErrorHandler that turns backend failures
// into a clean status code instead of the default connection-reset text.
package proxyfront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/controller"
	"github.com/pennyhq/penny/internal/metrics"
)

// hostLookup is the subset of *registry.Registry the front-end needs.
type hostLookup interface {
	Lookup(host string) *controller.Controller
}

// LoadColdStartPages reads every configured app's cold-start HTML page (if
// any) into memory, keyed by normalized hostname, so requests never block
// on disk I/O while deciding how to respond to a Starting backend.
func LoadColdStartPages(apps []appspec.App) (map[string][]byte, error) {
	pages := make(map[string][]byte)
	for _, app := range apps {
		if app.ColdStartPagePath == "" {
			continue
		}
		data, err := os.ReadFile(app.ColdStartPagePath)
		if err != nil {
			return nil, fmt.Errorf("reading cold_start_page for %q: %w", app.Hostname, err)
		}
		pages[appspec.NormalizeHost(app.Hostname)] = data
	}
	return pages, nil
}

// Front is the reverse-proxying HTTP handler.
type Front struct {
	registry       hostLookup
	clock          clock.Clock
	transport      *http.Transport
	coldStartPages map[string][]byte
	requestTimeout time.Duration
	log            *logrus.Entry
}

// New constructs a Front. requestTimeout bounds how long a request may wait
// on a Waiting acquire before it is answered with 504.
func New(registry hostLookup, c clock.Clock, coldStartPages map[string][]byte, requestTimeout time.Duration, log *logrus.Entry) *Front {
	return &Front{
		registry: registry,
		clock:    c,
		transport: &http.Transport{
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		coldStartPages: coldStartPages,
		requestTimeout: requestTimeout,
		log:            log,
	}
}

func (f *Front) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := appspec.NormalizeHost(r.Host)
	ctrl := f.registry.Lookup(host)
	if ctrl == nil {
		http.Error(w, "no app configured for this host", http.StatusNotFound)
		return
	}

	now := f.clock.Now()
	res := ctrl.Acquire(now, prefersColdStartPage(r))

	switch res.Kind {
	case controller.Ready:
		metrics.RequestsProxiedTotal.WithLabelValues(host, "ready").Inc()
		f.forward(w, r, ctrl, res.Addr)

	case controller.ColdStart:
		metrics.RequestsProxiedTotal.WithLabelValues(host, "cold_start_page").Inc()
		f.serveColdStartPage(w, host)

	case controller.Error:
		metrics.RequestsProxiedTotal.WithLabelValues(host, "error").Inc()
		f.log.WithField("host", host).WithError(res.Err).Warn("rejecting request, backend unavailable")
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)

	case controller.Waiting:
		metrics.RequestsProxiedTotal.WithLabelValues(host, "waited").Inc()
		f.awaitThenForward(w, r, ctrl, res.Wait, host)

	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// awaitThenForward blocks (bounded by requestTimeout) for a Waiting
// acquire's resolution, then forwards or answers an error.
func (f *Front) awaitThenForward(w http.ResponseWriter, r *http.Request, ctrl *controller.Controller, wait *controller.Waiter, host string) {
	timer := time.NewTimer(f.requestTimeout)
	defer timer.Stop()

	select {
	case outcome := <-wait.Chan():
		if outcome.Err != nil {
			http.Error(w, "backend failed to start", http.StatusServiceUnavailable)
			return
		}
		f.forward(w, r, ctrl, outcome.Addr)

	case <-r.Context().Done():
		wait.Cancel(f.clock.Now())

	case <-timer.C:
		wait.Cancel(f.clock.Now())
		http.Error(w, "backend did not become ready in time", http.StatusGatewayTimeout)
	}
}

// serveColdStartPage answers a Starting request with the app's configured
// cold-start HTML instead of blocking the connection open.
func (f *Front) serveColdStartPage(w http.ResponseWriter, host string) {
	page, ok := f.coldStartPages[host]
	if !ok {
		http.Error(w, "backend is starting", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "2")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(page)
}

// forward reverse-proxies the request to addr, holding the controller's
// in-flight count until the response body has finished copying, then
// releases it. Constructing a fresh *httputil.ReverseProxy per request is
// cheap (no dial happens until RoundTrip) and lets addr vary per call
// without a long-lived proxy-to-backend binding.
func (f *Front) forward(w http.ResponseWriter, r *http.Request, ctrl *controller.Controller, addr string) {
	released := false
	release := func() {
		if !released {
			released = true
			ctrl.Release(f.clock.Now())
		}
	}
	defer release()

	upstream := &url.URL{Scheme: "http", Host: addr}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	standardDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		standardDirector(req)
		req.Host = addr
	}
	proxy.Transport = f.transport
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		f.log.WithField("addr", addr).WithError(err).Warn("error proxying to backend")
		w.WriteHeader(http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
}

// prefersColdStartPage reports whether the request's Accept header
// indicates an HTML-rendering client, used to decide whether a Starting
// backend should be answered with its cold-start page instead of a
// held-open wait.
func prefersColdStartPage(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
