package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"passgate.org/internal/auth"
	"passgate.org/internal/obs"
)

const serviceName = "passgate"

// Pinger is implemented by stores and caches that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named readiness dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

// Readiness reports readiness by pinging every dependency.
type Readiness struct {
	Checks  []Check
	Timeout time.Duration
}

func (rp Readiness) Check(ctx context.Context) error {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, c := range rp.Checks {
		if c.Pinger == nil {
			continue
		}
		if err := c.Pinger.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

// Options tunes the HTTP layer.
type Options struct {
	Version string
	// AdminKey guards /admin; empty leaves the management API unmounted.
	AdminKey      string
	RateBurst     int
	RatePerSecond float64
	MaxBodyBytes  int64
}

// API is the HTTP surface of the authorization server.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	ready   Readiness
	opts    Options
	limiter *rateLimiter
}

func New(svc *auth.Service, rp Readiness, opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	a := &API{
		mux:     http.NewServeMux(),
		svc:     svc,
		ready:   rp,
		opts:    opts,
		limiter: newRateLimiter(opts.RateBurst, opts.RatePerSecond),
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /oauth/token", a.limiter.middleware(http.HandlerFunc(a.handleToken)))
	a.mux.Handle("POST /oauth/revoke", a.limiter.middleware(http.HandlerFunc(a.handleRevoke)))

	guard := RequireToken(svc)
	a.mux.Handle("GET /v1/me", guard(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("GET /yolo", guard(http.HandlerFunc(a.handleYolo)))

	if opts.AdminKey != "" {
		admin := a.requireAdminKey
		a.mux.Handle("POST /admin/users", admin(http.HandlerFunc(a.handleCreateUser)))
		a.mux.Handle("GET /admin/users", admin(http.HandlerFunc(a.handleListUsers)))
		a.mux.Handle("DELETE /admin/users/{username}", admin(http.HandlerFunc(a.handleDeleteUser)))
		a.mux.Handle("POST /admin/clients", admin(http.HandlerFunc(a.handleGenerateClient)))
		a.mux.Handle("GET /admin/clients", admin(http.HandlerFunc(a.handleListClients)))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler wraps the mux with the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
