package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pewpost/internal/delivery"
	"pewpost/internal/markup"
	"pewpost/internal/publisher"
	rtsup "pewpost/internal/runtime/supervisor"
	"pewpost/internal/segment"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

const maxBody = 8 << 20

// Sender is the synchronous side of the dispatcher.
type Sender interface {
	SendText(ctx context.Context, dest, text string) (int, error)
	SendStructuredItem(ctx context.Context, dest string, it delivery.Item) (int, error)
	Configured() bool
}

// Jobs is the async publisher.
type Jobs interface {
	Enqueue(ctx context.Context, j publisher.Job) (string, error)
	Status(id string) (publisher.JobStatus, bool)
	Recent(n int) []publisher.JobStatus
}

// Deps are the components behind the routes. Jobs, Metrics and
// Supervisors are optional.
type Deps struct {
	Sender      Sender
	Jobs        Jobs
	Metrics     http.Handler
	Supervisors *rtsup.Registry
	Version     string
}

// Handler builds the router for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg, deps, log := s.cfg, s.deps, s.log
	s.mu.Unlock()
	return newRouter(cfg, deps, log)
}

func newRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(log))

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/text", h.sendText)
			r.Post("/items", h.sendItem)
			r.Post("/jobs", h.enqueue)
			r.Get("/jobs", h.recent)
			r.Get("/jobs/{id}", h.status)
		})
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.String("req_id", middleware.GetReqID(r.Context())),
				logx.Duration("dur", d),
			}
			switch {
			case ww.Status() >= 500:
				log.Warn("request failed", fields...)
			case d >= 750*time.Millisecond:
				log.Info("request ok", fields...)
			default:
				log.Debug("request ok", fields...)
			}
		})
	}
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

type healthResponse struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version,omitempty"`
	Configured  bool                      `json:"configured"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Version:     h.deps.Version,
		Configured:  h.deps.Sender != nil && h.deps.Sender.Configured(),
		Supervisors: h.deps.Supervisors.Snapshot(),
	}
	code := http.StatusOK
	if !h.deps.Supervisors.Healthy() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type textRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type itemBody struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Format    string `json:"format"`
	URL       string `json:"url"`
	Image     string `json:"image"`
	ImageData []byte `json:"image_data"`
	ImageName string `json:"image_name"`
}

func (b itemBody) item() (delivery.Item, error) {
	f, err := markup.ParseFormat(b.Format)
	if err != nil {
		return delivery.Item{}, err
	}
	return delivery.Item{
		Title:  b.Title,
		Body:   b.Body,
		Format: f,
		URL:    b.URL,
		Image:  transport.PhotoSource{Ref: strings.TrimSpace(b.Image), Data: b.ImageData, Name: b.ImageName},
	}, nil
}

type itemRequest struct {
	To string `json:"to"`
	itemBody
}

type jobRequest struct {
	To   []string  `json:"to"`
	Text string    `json:"text"`
	Item *itemBody `json:"item"`
}

type sendResponse struct {
	MessageID int  `json:"message_id"`
	Noop      bool `json:"noop,omitempty"`
}

func (h *handlers) sendText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.deps.Sender.SendText(r.Context(), req.To, req.Text)
	h.sent(w, id, err)
}

func (h *handlers) sendItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	it, err := req.item()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.deps.Sender.SendStructuredItem(r.Context(), req.To, it)
	h.sent(w, id, err)
}

func (h *handlers) sent(w http.ResponseWriter, id int, err error) {
	if err != nil {
		writeError(w, sendStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{MessageID: id, Noop: !h.deps.Sender.Configured()})
}

func sendStatus(err error) int {
	var de *delivery.DeliveryError
	switch {
	case errors.Is(err, delivery.ErrNoDestination), errors.Is(err, delivery.ErrNoChunks):
		return http.StatusBadRequest
	case errors.Is(err, segment.ErrLimitTooSmall):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &de):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, publisher.ErrDisabled)
		return
	}
	var req jobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job := publisher.Job{Targets: req.To, Text: req.Text}
	if req.Item != nil {
		it, err := req.Item.item()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		job.Item = &it
	}
	id, err := h.deps.Jobs.Enqueue(r.Context(), job)
	switch {
	case err == nil:
		w.Header().Set("Location", "/v1/jobs/"+id)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	case errors.Is(err, publisher.ErrEmptyJob):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, publisher.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, publisher.ErrDisabled), errors.Is(err, publisher.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, publisher.ErrDisabled)
		return
	}
	st, ok := h.deps.Jobs.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) recent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, publisher.ErrDisabled)
		return
	}
	n := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		n = min(parsed, 200)
	}
	jobs := h.deps.Jobs.Recent(n)
	if jobs == nil {
		jobs = []publisher.JobStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": logx.Redact(err.Error())})
}
