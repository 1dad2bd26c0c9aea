// Package api exposes the governance core over REST/JSON plus a
// WebSocket escalation feed and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/cognigate/backend/internal/capability"
	"github.com/cognigate/backend/internal/config"
	"github.com/cognigate/backend/internal/escalation"
	"github.com/cognigate/backend/internal/governor"
	"github.com/cognigate/backend/internal/notify"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
	"github.com/cognigate/backend/internal/trust"
)

// Server wires the engines behind the HTTP surface.
type Server struct {
	governor    *governor.Governor
	trust       *trust.Engine
	escalations *escalation.Service
	matrix      *capability.Matrix
	chain       *proofchain.Chain
	attestor    *proofchain.Attestor
	agents      store.AgentStore
	hub         *notify.Hub
	origins     []string
	reviewers   []config.ReviewerConfig

	httpServer *http.Server
}

// NewServer assembles the API server. The attestor and hub may be nil
// in reduced deployments; the affected routes degrade gracefully. An
// empty origins list allows any origin.
func NewServer(
	gov *governor.Governor,
	trustEngine *trust.Engine,
	escalations *escalation.Service,
	matrix *capability.Matrix,
	chain *proofchain.Chain,
	attestor *proofchain.Attestor,
	agents store.AgentStore,
	hub *notify.Hub,
	origins []string,
	reviewers []config.ReviewerConfig,
) *Server {
	return &Server{
		governor:    gov,
		trust:       trustEngine,
		escalations: escalations,
		matrix:      matrix,
		chain:       chain,
		attestor:    attestor,
		agents:      agents,
		hub:         hub,
		origins:     origins,
		reviewers:   reviewers,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if s.hub != nil {
		r.HandleFunc("/ws/escalations", s.hub.HandleWebSocket)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Decision pipeline
	v1.HandleFunc("/authorize", s.handleAuthorize).Methods("POST")
	v1.HandleFunc("/intents/{id}/withdraw", s.handleWithdrawIntent).Methods("POST")

	// Agents and trust
	v1.HandleFunc("/agents", s.handleRegisterAgent).Methods("POST")
	v1.HandleFunc("/agents/{id}", s.handleGetAgent).Methods("GET")
	v1.HandleFunc("/agents/{id}/events", s.handleRecordEvent).Methods("POST")
	v1.HandleFunc("/agents/{id}/trust", s.handleGetTrust).Methods("GET")
	v1.HandleFunc("/agents/{id}/trust/recompute", s.handleRecompute).Methods("POST")
	v1.Handle("/agents/{id}/level", s.requireReviewer(s.handleSetLevel)).Methods("PUT")
	v1.Handle("/agents/{id}/observation", s.requireReviewer(s.handleSetObservation)).Methods("PUT")

	// Capability matrix
	v1.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")

	// Escalations
	v1.HandleFunc("/escalations", s.handleListEscalations).Methods("GET")
	v1.HandleFunc("/escalations/{id}", s.handleGetEscalation).Methods("GET")
	v1.Handle("/escalations/{id}/assign", s.requireReviewer(s.handleAssign)).Methods("POST")
	v1.Handle("/escalations/{id}/review", s.requireReviewer(s.handleStartReview)).Methods("POST")
	v1.Handle("/escalations/{id}/resolve", s.requireReviewer(s.handleResolve)).Methods("POST")

	// Proof chain
	v1.HandleFunc("/proof/verify", s.handleVerifyChain).Methods("GET")
	v1.HandleFunc("/proof/stats", s.handleChainStats).Methods("GET")
	v1.HandleFunc("/proof/events/{hash}", s.handleProofEvent).Methods("GET")

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	slog.Info("api server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	length, err := s.chain.Length(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"chain_length": length,
		"time":         time.Now().UTC(),
	})
}

// corsMiddleware answers with the configured allowed origins. With no
// origins configured every origin is allowed; otherwise the request's
// Origin is echoed back only when the list contains it.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.allowOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Reviewer-Key, X-Reviewer-Name")
		}
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.origins) == 0 {
		return "*"
	}
	for _, o := range s.origins {
		if o == "*" {
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}

// requireReviewer gates mutating reviewer routes behind the X-Reviewer-Key
// header, checked against the configured bcrypt hashes. The matched
// reviewer name lands in the request context for attribution.
func (s *Server) requireReviewer(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.reviewers) == 0 {
			// Dev mode: no reviewers configured means no gate.
			next(w, r.WithContext(withReviewer(r.Context(), r.Header.Get("X-Reviewer-Name"))))
			return
		}

		key := r.Header.Get("X-Reviewer-Key")
		if key == "" {
			writeErrorMsg(w, http.StatusUnauthorized, "X-Reviewer-Key header is required")
			return
		}
		for _, rev := range s.reviewers {
			if bcrypt.CompareHashAndPassword([]byte(rev.KeyHash), []byte(key)) == nil {
				next(w, r.WithContext(withReviewer(r.Context(), rev.Name)))
				return
			}
		}
		slog.Warn("rejected reviewer key", "path", r.URL.Path)
		writeErrorMsg(w, http.StatusUnauthorized, "invalid reviewer key")
	})
}

type reviewerKey struct{}

func withReviewer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, reviewerKey{}, name)
}

func reviewerFrom(ctx context.Context) string {
	name, _ := ctx.Value(reviewerKey{}).(string)
	return name
}
