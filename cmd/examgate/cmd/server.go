package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/jmcleod/examgate/api"
	"github.com/jmcleod/examgate/config"
	"github.com/jmcleod/examgate/gate"
	"github.com/jmcleod/examgate/internal/telemetry"
	"github.com/jmcleod/examgate/webhook"
)

var (
	addr      string
	storeKind string
	tlsCert   string
	tlsKey    string

	autocertDomains  []string
	autocertCacheDir string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the access token service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if addr != "" {
			cfg.Addr = addr
		}
		if storeKind != "" {
			cfg.Store = storeKind
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger := telemetry.SetupLogger(os.Stdout, cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tp, err := telemetry.InitTracer(ctx, cfg, Version)
		if err != nil {
			return fmt.Errorf("failed to initialise tracing: %w", err)
		}
		if tp != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shut down tracer provider", "error", err)
				}
			}()
		}

		store, closeFn, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(closeFn, logger)

		key, err := loadSecret(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to load token secret: %w", err)
		}
		defer key.Destroy()

		svc, err := gate.New(store, newMailer(cfg, logger), key,
			gate.WithDefaultUnlockTTL(cfg.UnlockTTLDefault),
			gate.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		logger.Info("one-time key store ready", "store", cfg.Store, "atomicity", svc.Atomicity().String())

		apiOpts, err := apiOptions(cfg, logger)
		if err != nil {
			return err
		}
		if cfg.AlertWebhookURL != "" {
			fwd := api.NewAlertForwarder(cfg.AlertWebhookURL, cfg.AlertWebhookAuthHeader)
			defer fwd.Close()
			apiOpts = append(apiOpts, api.WithAlertFunc(fwd.Alert))
		}
		a := api.New(svc, apiOpts...)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", a.Router())

		var handler http.Handler = r
		if cfg.OtelEnabled {
			handler = otelhttp.NewHandler(r, "examgate")
		}

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		tlsConfig, err := serverTLSConfig()
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig

		go a.RunSweeper(ctx, 5*time.Minute)
		go runStoreSweeper(ctx, store, cfg.SweepInterval, logger)

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("starting server", "addr", cfg.Addr, "env", cfg.Env, "tls", server.TLSConfig != nil)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// serverTLSConfig returns the TLS configuration selected by the flags, or
// nil to serve plain HTTP behind a terminating proxy.
func serverTLSConfig() (*tls.Config, error) {
	switch {
	case tlsCert != "" && tlsKey != "":
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	case len(autocertDomains) > 0:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(autocertDomains...),
			Cache:      autocert.DirCache(autocertCacheDir),
		}
		cfg := m.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		return cfg, nil
	}
	return nil, nil
}

// apiOptions translates the proxy and webhook settings into api options.
func apiOptions(cfg *config.Config, logger *slog.Logger) ([]api.Option, error) {
	opts := []api.Option{api.WithLogger(logger)}

	if len(cfg.TrustedProxies) > 0 {
		prefixes, err := api.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("invalid EXAMGATE_TRUSTED_PROXIES: %w", err)
		}
		opts = append(opts, api.WithTrustedProxies(prefixes))
	}

	if cfg.WebhookPublicKey == "" && !cfg.WebhookBypass {
		logger.Warn("EXAMGATE_WEBHOOK_PUBLIC_KEY is not set; webhook endpoint disabled")
		return opts, nil
	}

	var verifierOpts []webhook.VerifierOption
	if cfg.WebhookBypass {
		logger.Warn("webhook signature verification is bypassed")
		verifierOpts = append(verifierOpts, webhook.WithBypass(true))
	}
	if cfg.WebhookMaxSkew > 0 {
		verifierOpts = append(verifierOpts, webhook.WithMaxSkew(cfg.WebhookMaxSkew))
	}

	var pub []byte
	if cfg.WebhookPublicKey != "" {
		k, err := webhook.ParsePublicKey(cfg.WebhookPublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid EXAMGATE_WEBHOOK_PUBLIC_KEY: %w", err)
		}
		pub = k
	}
	v, err := webhook.NewVerifier(pub, verifierOpts...)
	if err != nil {
		return nil, err
	}

	handlerOpts := []webhook.HandlerOption{webhook.WithCommand(cfg.WebhookCommand)}
	if cfg.WebhookChannel != "" {
		handlerOpts = append(handlerOpts, webhook.WithChannel(cfg.WebhookChannel))
	}
	return append(opts, api.WithWebhook(v, handlerOpts...)), nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides EXAMGATE_ADDR)")
	serverCmd.Flags().StringVar(&storeKind, "store", "", "One-time key store: memory, bbolt, mongo, sql or postgres (overrides EXAMGATE_STORE)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringSliceVar(&autocertDomains, "autocert-domain", nil, "Obtain certificates from Let's Encrypt for these domains")
	serverCmd.Flags().StringVar(&autocertCacheDir, "autocert-cache", "./data/autocert", "Directory for cached ACME certificates")
}
