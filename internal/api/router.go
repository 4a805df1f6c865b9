package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/clipledger/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// NewRouter wires the API, ops endpoints and, when objectsDir is set, the
// migrated result files.
func NewRouter(h *Handler, objectsDir string) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, accessLog)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	if objectsDir != "" {
		r.PathPrefix("/objects/").Handler(http.StripPrefix("/objects/", http.FileServer(http.Dir(objectsDir))))
	}

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/videos", h.SubmitVideo).Methods("POST")
	apiV1.HandleFunc("/videos/{id}", h.GetVideo).Methods("GET")
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/entries", h.ListEntries).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/grants", h.GrantCredits).Methods("POST")
	apiV1.HandleFunc("/models", h.ListModels).Methods("GET")
	return r
}

// requestID honours an incoming X-Request-ID or generates one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = logging.GenerateRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.FromContext(r.Context()).WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("request served")
	})
}
