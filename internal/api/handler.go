package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/logging"
	"github.com/punchamoorthee/clipledger/internal/pricing"
	"github.com/punchamoorthee/clipledger/internal/service"
)

const maxBodyBytes = 64 << 10

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

// Service is what the handlers need from the orchestration layer.
type Service interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	Poll(ctx context.Context, accountID int64, jobID string) (*domain.JobSnapshot, error)
	CreateAccount(ctx context.Context, tier domain.Tier, initialCredits int64) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	Entries(ctx context.Context, id int64) ([]domain.LedgerEntry, error)
	Grant(ctx context.Context, id, amount int64) (*domain.Account, error)
	Catalog() *pricing.Catalog
}

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

type createAccountRequest struct {
	Tier           domain.Tier `json:"tier"`
	InitialCredits int64       `json:"initial_credits"`
}

type grantRequest struct {
	Amount int64 `json:"amount"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SubmitVideo handles POST /api/v1/videos.
func (h *Handler) SubmitVideo(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/videos"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	accountID, ok := h.caller(w, r, method, endpoint)
	if !ok {
		return
	}
	var cfg domain.JobConfig
	if !h.decode(w, r, &cfg, method, endpoint) {
		return
	}

	res, err := h.svc.Submit(r.Context(), service.SubmitRequest{
		AccountID:      accountID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Config:         cfg,
	})
	if err != nil {
		h.respondDomainError(w, r, err, method, endpoint)
		return
	}

	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Location", "/api/v1/videos/"+res.JobID)
	h.respondRaw(w, res.StatusCode, res.Body, method, endpoint)
}

// GetVideo handles GET /api/v1/videos/{id}.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/videos/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	accountID, ok := h.caller(w, r, method, endpoint)
	if !ok {
		return
	}
	snap, err := h.svc.Poll(r.Context(), accountID, mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, snap, method, endpoint)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/accounts"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req createAccountRequest
	if !h.decode(w, r, &req, method, endpoint) {
		return
	}
	acc, err := h.svc.CreateAccount(r.Context(), req.Tier, req.InitialCredits)
	if err != nil {
		h.respondDomainError(w, r, err, method, endpoint)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d", acc.ID))
	h.respondJSON(w, http.StatusCreated, acc, method, endpoint)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/accounts/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, method, endpoint)
	if !ok {
		return
	}
	acc, err := h.svc.GetAccount(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acc, method, endpoint)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/accounts/{id}/entries"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, method, endpoint)
	if !ok {
		return
	}
	entries, err := h.svc.Entries(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"entries": entries}, method, endpoint)
}

func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/accounts/{id}/grants"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, method, endpoint)
	if !ok {
		return
	}
	var req grantRequest
	if !h.decode(w, r, &req, method, endpoint) {
		return
	}
	acc, err := h.svc.Grant(r.Context(), id, req.Amount)
	if err != nil {
		h.respondDomainError(w, r, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acc, method, endpoint)
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/models"
	h.respondJSON(w, http.StatusOK, map[string]any{"models": h.svc.Catalog().Models()}, method, endpoint)
}

// Helpers

// caller reads the authenticated account id set by the upstream auth layer.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-Account-ID")), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid X-Account-ID", method, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusNotFound, string(domain.KindNotFound), "Not Found", method, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, method, endpoint string) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, string(domain.KindValidation), "Request body too large", method, endpoint)
			return false
		}
		h.respondError(w, http.StatusBadRequest, string(domain.KindValidation), "Unreadable body", method, endpoint)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.respondError(w, http.StatusBadRequest, string(domain.KindValidation), "Invalid JSON", method, endpoint)
		return false
	}
	return true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error, method, endpoint string) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.Wrap(domain.KindInternal, "internal error", err)
	}
	code := de.HTTPStatus()
	msg := de.Message
	if code >= http.StatusInternalServerError && de.Kind == domain.KindInternal {
		logging.FromContext(r.Context()).WithError(err).WithField("endpoint", endpoint).Error("request failed")
		msg = "internal error"
	}
	h.respondError(w, code, string(de.Kind), msg, method, endpoint)
}

func (h *Handler) respondRaw(w http.ResponseWriter, code int, body []byte, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, kind, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]errorBody{"error": {Kind: kind, Message: msg}}, method, endpoint)
}
