package penny

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/controller"
	"github.com/pennyhq/penny/internal/journal"
	"github.com/pennyhq/penny/internal/warmup"
)

type fakeLookup struct {
	controllers map[string]*controller.Controller
}

func (f *fakeLookup) Lookup(host string) *controller.Controller {
	return f.controllers[appspec.NormalizeHost(host)]
}

func TestWarmupMiddlewareDoesNotBlockTheRequest(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(logrus.NewEntry(logrus.New()), "sqlite://"+dir+"/penny.db")
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	c := clock.New()
	app := appspec.App{
		Hostname:     "app.example.com",
		Address:      "127.0.0.1:1",
		Command:      appspec.Command{Start: "./run.sh"},
		StartTimeout: time.Second,
		StopTimeout:  time.Second,
		WaitPeriod:   time.Minute,
	}
	ctrl := controller.New(app, c, j, logrus.NewEntry(logrus.New()).WithField("host", app.Hostname))
	t.Cleanup(func() { _ = ctrl.Shutdown(t.Context()) })

	lookup := &fakeLookup{controllers: map[string]*controller.Controller{
		"app.example.com": ctrl,
	}}
	fanner := warmup.New(warmup.BuildGraph([]appspec.App{app}), lookup, c, logrus.NewEntry(logrus.New()))

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := warmupMiddleware(next, fanner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "app.example.com"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("warmupMiddleware did not forward the request to the wrapped handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
