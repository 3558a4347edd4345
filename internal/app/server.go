package app

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
)

// Server handles HTTP requests for the scanner
type Server struct {
	app       *App
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(app *App, basicAuth BasicAuth) *Server {
	return NewServerWithMux(app, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(app *App, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		app:       app,
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

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
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
			w.Header().Set("WWW-Authenticate", `Basic realm="MedScan"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Records
	s.mux.HandleFunc("GET /api/records/{id}", s.requireAuth(s.handleGetRecord))
	s.mux.HandleFunc("DELETE /api/records/{id}", s.requireAuth(s.handleDeleteRecord))
	s.mux.HandleFunc("GET /api/records", s.requireAuth(s.handleListRecords))
	s.mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))

	// Queue
	s.mux.HandleFunc("GET /api/queue/{id}/image", s.requireAuth(s.handleQueueImage))
	s.mux.HandleFunc("DELETE /api/queue/{id}", s.requireAuth(s.handleRemoveEntry))
	s.mux.HandleFunc("POST /api/queue/process", s.requireAuth(s.handleProcessQueue))
	s.mux.HandleFunc("POST /api/queue/clear", s.requireAuth(s.handleClearQueue))
	s.mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleListQueue))
	s.mux.HandleFunc("POST /api/queue", s.requireAuth(s.handleUpload))

	// Spreadsheet sync
	s.mux.HandleFunc("GET /api/sync/config", s.requireAuth(s.handleGetSyncConfig))
	s.mux.HandleFunc("PUT /api/sync/config", s.requireAuth(s.handleUpdateSyncConfig))
	s.mux.HandleFunc("GET /api/sync/script", s.requireAuth(s.handleSyncScript))
	s.mux.HandleFunc("POST /api/sync/test", s.requireAuth(s.handleTestSync))
	s.mux.HandleFunc("POST /api/sync", s.requireAuth(s.handleSync))

	// Export
	s.mux.HandleFunc("GET /api/export", s.requireAuth(s.handleExport))
}

// Handler returns the mux wrapped with the CORS middleware
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
