package session

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
)

// Server exposes the session registry over HTTP
type Server struct {
	registry  *Registry
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(registry *Registry, basicAuth BasicAuth) *Server {
	return NewServerWithMux(registry, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(registry *Registry, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		registry:  registry,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return user == s.basicAuth.Username && pass == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Expense Tracker"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// withSession resolves the {sid} path value before calling next
func (s *Server) withSession(next func(http.ResponseWriter, *http.Request, *Session)) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.registry.Get(r.PathValue("sid"))
		if err != nil {
			writeError(w, "Session not found", http.StatusNotFound)
			return
		}
		next(w, r, sess)
	})
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	s.mux.HandleFunc("DELETE /api/sessions/{sid}", s.requireAuth(s.handleDeleteSession))

	// receipts
	s.mux.HandleFunc("GET /api/sessions/{sid}/receipts", s.withSession(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/sessions/{sid}/receipts", s.withSession(s.handleUploadReceipts))
	s.mux.HandleFunc("POST /api/sessions/{sid}/receipts/manual", s.withSession(s.handleAddManual))
	s.mux.HandleFunc("GET /api/sessions/{sid}/receipts/{id}", s.withSession(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/sessions/{sid}/receipts/{id}", s.withSession(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/sessions/{sid}/receipts/{id}/file", s.withSession(s.handleGetReceiptFile))
	s.mux.HandleFunc("POST /api/sessions/{sid}/receipts/{id}/accept", s.withSession(s.handleAcceptReceipt))
	s.mux.HandleFunc("POST /api/sessions/{sid}/process", s.withSession(s.handleProcess))
	s.mux.HandleFunc("GET /api/sessions/{sid}/progress", s.withSession(s.handleProgress))

	// statement and reconciliation
	s.mux.HandleFunc("POST /api/sessions/{sid}/statement", s.withSession(s.handleImportStatement))
	s.mux.HandleFunc("GET /api/sessions/{sid}/transactions", s.withSession(s.handleListTransactions))
	s.mux.HandleFunc("PATCH /api/sessions/{sid}/transactions/{id}/category", s.withSession(s.handleUpdateCategory))
	s.mux.HandleFunc("GET /api/sessions/{sid}/transactions/{id}/similar", s.withSession(s.handleSimilarTransactions))
	s.mux.HandleFunc("POST /api/sessions/{sid}/transactions/{id}/match", s.withSession(s.handleManualMatch))
	s.mux.HandleFunc("POST /api/sessions/{sid}/reconcile", s.withSession(s.handleReconcile))

	// read models
	s.mux.HandleFunc("GET /api/sessions/{sid}/expenses", s.withSession(s.handleListExpenses))
	s.mux.HandleFunc("GET /api/sessions/{sid}/reports/{report}", s.withSession(s.handleReport))
}

// Handler returns the mux wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
