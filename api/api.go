// Package api exposes the exam access protocol over HTTP.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/examgate/gate"
	"github.com/jmcleod/examgate/webhook"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	gate           *gate.Service
	webhook        http.Handler
	ipLimiter      *ipRateLimiter
	globalLimiter  *globalRateLimiter
	audit          *auditLogger
	alertFn        AlertFunc
	trustedProxies []netip.Prefix

	webhookVerifier *webhook.Verifier
	webhookOpts     []webhook.HandlerOption
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc registers a callback for failure spikes. Alerts are
// always logged; fn receives them afterwards.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies sets the proxies whose forwarding headers are honoured
// when identifying clients for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithWebhook mounts the interaction webhook, verified by v. Tokens are
// minted through the gate service.
func WithWebhook(v *webhook.Verifier, opts ...webhook.HandlerOption) Option {
	return func(a *API) {
		a.webhookVerifier = v
		a.webhookOpts = opts
	}
}

// New creates a new API instance.
func New(svc *gate.Service, opts ...Option) *API {
	a := &API{
		gate:          svc,
		ipLimiter:     newIPRateLimiter(),
		globalLimiter: newGlobalRateLimiter(),
		audit:         newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil))),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.audit.clientIP = a.extractClientIP
	a.audit.metrics = newMetricsCollector(a.alert)

	if a.webhookVerifier != nil {
		hooks := []webhook.HandlerOption{
			webhook.WithRejectHook(func(r *http.Request, reason string) {
				a.audit.logFailure(AuditWebhookRejected, r, reason)
			}),
			webhook.WithMintHook(func(r *http.Request) {
				a.audit.log(AuditWebhookTokenMinted, r)
			}),
		}
		a.webhook = webhook.NewHandler(a.webhookVerifier, svc, append(hooks, a.webhookOpts...)...)
	}
	return a
}

func (a *API) alert(evt AlertEvent) {
	a.audit.logger.Warn("alert",
		"type", string(evt.Type),
		"count", evt.Count,
		"threshold", evt.Threshold,
		"message", evt.Message,
	)
	if a.alertFn != nil {
		a.alertFn(evt)
	}
}

// Router returns a chi.Router with all API routes mounted. It is meant to
// be mounted at /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Route("/access", func(r chi.Router) {
		r.Post("/pre", a.PreAccess)
		r.Post("/key", a.RequestUnlockKey)
		r.Post("/unlock", a.Unlock)
		r.Get("/status", a.Status)
	})

	if a.webhook != nil {
		r.Method(http.MethodPost, "/webhooks/interactions", a.webhook)
	}

	return r
}

// RunSweeper periodically drops stale rate-limit records until ctx is done.
func (a *API) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ipLimiter.sweep()
		}
	}
}
