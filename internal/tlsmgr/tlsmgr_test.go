package tlsmgr_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/tlsmgr"
)

func TestHTTPHandlerPassesNonChallengeRequestsToFallback(t *testing.T) {
	mgr := tlsmgr.New([]string{"app.example.com"}, t.TempDir(), logrus.NewEntry(logrus.New()))

	called := false
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/not-a-challenge", nil)
	rec := httptest.NewRecorder()
	mgr.HTTPHandler(fallback).ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTLSConfigSetsMinimumVersionAndGetCertificate(t *testing.T) {
	mgr := tlsmgr.New([]string{"app.example.com"}, t.TempDir(), logrus.NewEntry(logrus.New()))

	cfg := mgr.TLSConfig()

	require.NotNil(t, cfg.GetCertificate)
	require.Equal(t, uint16(0x0303), cfg.MinVersion) // tls.VersionTLS12
}

func TestRunRenewalLoopStopsOnContextCancel(t *testing.T) {
	mgr := tlsmgr.New([]string{"unreachable.invalid"}, t.TempDir(), logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		mgr.RunRenewalLoop(ctx, clock.New(), []string{"unreachable.invalid"}, time.Hour)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRenewalLoop did not return after context cancellation")
	}
}
