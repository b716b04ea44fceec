package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"labwatch/pkg/backend"
	"labwatch/services/view"
)

// ServerOptions configures the status server.
type ServerOptions struct {
	AllowedOrigins []string
	// RateLimit is requests per minute per client; zero means 100.
	RateLimit int
	Gatherer  prometheus.Gatherer
	// Middleware wraps the whole router, e.g. tracing.
	Middleware func(http.Handler) http.Handler
}

// Routes builds the status server router.
func (c *Console) Routes(opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = 100
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.LimitByIP(limit, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !c.Ready() {
			http.Error(w, "waiting for first snapshot", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", c.handleState)
		r.Get("/logs", c.handleLogs)
		r.Get("/views/{view}", c.handleRenderView)
		r.Post("/view", c.handleSetView)
		r.Post("/select", c.handleSelect)
		r.Post("/downloads", c.handleDownload)
	})

	if opts.Middleware != nil {
		return opts.Middleware(r)
	}
	return r
}

func (c *Console) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, c.State())
}

func (c *Console) handleLogs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(c.Logs()))
}

func (c *Console) handleRenderView(w http.ResponseWriter, r *http.Request) {
	v, err := view.ParseView(chi.URLParam(r, "view"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	text, err := c.Render(v)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

type setViewRequest struct {
	View string `json:"view"`
}

func (c *Console) handleSetView(w http.ResponseWriter, r *http.Request) {
	var req setViewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.SetView(req.View); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"view": c.bridge.Active()})
}

type selectRequest struct {
	Cycle    int `json:"cycle"`
	Proposal int `json:"proposal"`
}

func (c *Console) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	target, err := c.Select(req.Cycle, req.Proposal)
	switch {
	case errors.Is(err, ErrNoCheckpoints):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, ErrCheckpointNotFound):
		respondError(w, http.StatusNotFound, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusOK, target)
	}
}

type downloadRequest struct {
	CID string `json:"cid"`
}

func (c *Console) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.CID) == "" {
		respondError(w, http.StatusBadRequest, errors.New("cid is required"))
		return
	}

	res, err := c.Download(r.Context(), req.CID)
	if err != nil {
		respondError(w, downloadStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func downloadStatus(err error) int {
	var (
		authErr  *backend.AuthError
		fetchErr *backend.FetchError
	)
	switch {
	case errors.Is(err, backend.ErrInvalidCID):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// Serve runs the status server on addr until ctx ends.
func Serve(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
