package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Service is the admin surface served over HTTP.
type Service interface {
	CreateCampaign(ctx context.Context, spec core.CampaignSpec) (int64, error)
	EditCampaign(ctx context.Context, id int64, spec core.CampaignSpec) error
	DeleteCampaign(ctx context.Context, id int64) error
	Campaign(ctx context.Context, id int64) (*core.Campaign, error)
	ListCampaigns(ctx context.Context, p core.Page) ([]core.Campaign, error)
	Counters(ctx context.Context, id int64) (core.Counters, error)
	ListAttempts(ctx context.Context, campaignID int64, p core.Page) ([]core.Attempt, error)

	CreateRecipient(ctx context.Context, spec core.RecipientSpec) (*core.Recipient, error)
	Recipient(ctx context.Context, id int64) (*core.Recipient, error)
	UpdateRecipient(ctx context.Context, id int64, patch core.RecipientPatch) (*core.Recipient, error)
	ListRecipients(ctx context.Context, filter []string, p core.Page) ([]core.Recipient, error)
	DeleteRecipient(ctx context.Context, id int64) error

	Attempt(ctx context.Context, id int64) (*core.Attempt, error)
	RecordOutcome(ctx context.Context, id int64, out core.Outcome) error
	CancelAttempt(ctx context.Context, id int64) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	svc       Service
	checks    []check
	docsTitle string
	log       *zap.Logger
}

type check struct {
	name string
	p    Pinger
}

type ServerOption func(*Server)

// WithCheck adds a dependency to /readyz.
func WithCheck(name string, p Pinger) ServerOption {
	return func(s *Server) { s.checks = append(s.checks, check{name: name, p: p}) }
}

// WithDocsTitle sets the page title of the rendered API docs.
func WithDocsTitle(title string) ServerOption {
	return func(s *Server) { s.docsTitle = title }
}

// NewServer builds the API server. db, when set, is the first readiness check.
func NewServer(svc Service, db Pinger, log *zap.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{svc: svc, docsTitle: "Campaign Dispatcher API", log: log.Named("http")}
	if db != nil {
		s.checks = append(s.checks, check{name: "db", p: db})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.createCampaign)
		r.Get("/", s.listCampaigns)
		r.Get("/{id}", s.getCampaign)
		r.Put("/{id}", s.editCampaign)
		r.Delete("/{id}", s.deleteCampaign)
		r.Get("/{id}/counters", s.getCounters)
		r.Get("/{id}/attempts", s.listAttempts)
	})
	r.Route("/recipients", func(r chi.Router) {
		r.Post("/", s.createRecipient)
		r.Get("/", s.listRecipients)
		r.Get("/{id}", s.getRecipient)
		r.Patch("/{id}", s.updateRecipient)
		r.Delete("/{id}", s.deleteRecipient)
	})
	r.Route("/attempts", func(r chi.Router) {
		r.Get("/{id}", s.getAttempt)
		r.Post("/{id}/outcome", s.postOutcome)
		r.Post("/{id}/cancel", s.cancelAttempt)
	})
	return r
}

type errorBody struct {
	Error   core.ErrorCode `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *core.AppError
	if !errors.As(err, &ae) {
		ae = core.NewAppError(core.ErrCodeInternalUnexpected, "unexpected error", err)
	}
	status := ae.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("code", string(ae.Code)),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: ae.Code, Message: ae.Message, Details: ae.Details})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any, code core.ErrorCode) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.NewAppError(code, fmt.Sprintf("invalid body: %v", err), err)
	}
	return nil
}

// pageParams reads ?limit= and ?offset=. Absent values fall back to the
// store defaults.
func pageParams(r *http.Request, code core.ErrorCode) (core.Page, error) {
	var p core.Page
	for _, q := range []struct {
		name string
		dst  *int
	}{{"limit", &p.Limit}, {"offset", &p.Offset}} {
		name, dst := q.name, q.dst
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, core.NewAppError(code, "invalid "+name, err).WithDetails(map[string]any{name: raw})
		}
		*dst = n
	}
	return p.Normalize(), nil
}

func pathID(r *http.Request, code core.ErrorCode) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, core.NewAppError(code, "invalid id", err).WithDetails(map[string]any{"id": raw})
	}
	return id, nil
}
