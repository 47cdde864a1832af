package penny

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pennyhq/penny/internal/adminapi"
	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/config"
	"github.com/pennyhq/penny/internal/journal"
	"github.com/pennyhq/penny/internal/proxyfront"
	"github.com/pennyhq/penny/internal/registry"
	"github.com/pennyhq/penny/internal/tlsmgr"
	"github.com/pennyhq/penny/internal/warmup"
)

func newServeCommand() *cobra.Command {
	var (
		httpAddress  string
		httpsAddress string
		noTLS        bool
		password     string
	)

	cmd := &cobra.Command{
		Use:   "serve <config>",
		Short: "Run Penny as a daemon, proxying host traffic to on-demand backends.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("PENNY_PASSWORD")
			}
			return runServe(cmd.Context(), args[0], serveOptions{
				httpAddress:  httpAddress,
				httpsAddress: httpsAddress,
				noTLS:        noTLS,
				password:     password,
			})
		},
	}

	cmd.Flags().StringVar(&httpAddress, "address", ":80", "HTTP listen address for the proxy front-end")
	cmd.Flags().StringVar(&httpsAddress, "https-address", ":443", "HTTPS listen address for the proxy front-end")
	cmd.Flags().BoolVar(&noTLS, "no-tls", false, "disable the HTTPS listener even if [tls] is configured")
	cmd.Flags().StringVar(&password, "password", "", "admin API password (falls back to PENNY_PASSWORD)")

	return cmd
}

type serveOptions struct {
	httpAddress  string
	httpsAddress string
	noTLS        bool
	password     string
}

func runServe(ctx context.Context, configPath string, opts serveOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	j, err := journal.Open(log.WithField("component", "journal"), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	sysClock := clock.New()

	reg, err := registry.New(cfg.Apps, sysClock, j, log.WithField("component", "registry"))
	if err != nil {
		return fmt.Errorf("building app registry: %w", err)
	}

	warmGraph := warmup.BuildGraph(cfg.Apps)
	fanner := warmup.New(warmGraph, reg, sysClock, log.WithField("component", "warmup"))

	coldStartPages, err := proxyfront.LoadColdStartPages(cfg.Apps)
	if err != nil {
		return fmt.Errorf("loading cold-start pages: %w", err)
	}

	front := proxyfront.New(reg, sysClock, coldStartPages, 30*time.Second, log.WithField("component", "proxyfront"))
	proxyHandler := warmupMiddleware(front, fanner)

	adminAPI := adminapi.New(Version, opts.password, reg, j, log.WithField("component", "adminapi"))

	servers := make([]*http.Server, 0, 3)
	errs := make(chan error, 3)

	adminSrv := &http.Server{Addr: cfg.APIAddress, Handler: adminAPI.Router()}
	servers = append(servers, adminSrv)
	go func() { errs <- serveOrNil(adminSrv.ListenAndServe()) }()
	log.WithField("addr", cfg.APIAddress).Info("admin API listening")

	httpSrv := &http.Server{Addr: opts.httpAddress, Handler: proxyHandler}

	var mgr *tlsmgr.Manager
	if cfg.TLS.Enabled && !opts.noTLS {
		mgr = tlsmgr.New(hostnamesOf(cfg.Apps), cfg.TLS.CertsDir, log.WithField("component", "tlsmgr"))
		httpSrv.Handler = mgr.HTTPHandler(proxyHandler)

		httpsSrv := &http.Server{Addr: opts.httpsAddress, Handler: proxyHandler, TLSConfig: mgr.TLSConfig()}
		servers = append(servers, httpsSrv)
		go func() { errs <- serveOrNil(httpsSrv.ListenAndServeTLS("", "")) }()
		log.WithField("addr", opts.httpsAddress).Info("HTTPS proxy listening")

		go mgr.RunRenewalLoop(ctx, sysClock, hostnamesOf(cfg.Apps), time.Duration(cfg.TLS.RenewalCheckIntervalHours)*time.Hour)
	}

	servers = append(servers, httpSrv)
	go func() { errs <- serveOrNil(httpSrv.ListenAndServe()) }()
	log.WithField("addr", opts.httpAddress).Info("HTTP proxy listening")

	select {
	case err := <-errs:
		if err != nil {
			log.WithError(err).Error("server error")
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown error")
		}
	}

	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("registry shutdown error")
	}

	log.Info("penny stopped")
	return nil
}

func serveOrNil(err error) error {
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func hostnamesOf(apps []appspec.App) []string {
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		out = append(out, a.Hostname)
	}
	return out
}
