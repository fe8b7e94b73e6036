package api

import (
    "context"
    "net/http"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/go-chi/cors"
    "github.com/rs/zerolog/log"

    "github.com/tambula/esp-listener/internal/auth"
    "github.com/tambula/esp-listener/internal/config"
    "github.com/tambula/esp-listener/internal/ota"
    "github.com/tambula/esp-listener/internal/stats"
    "github.com/tambula/esp-listener/internal/storage"
    "github.com/tambula/esp-listener/internal/trigger"
    "github.com/tambula/esp-listener/internal/validation"
)

// Fleet is the running supervisor as seen by the API
type Fleet interface {
    Ports() []string
    SessionID() string
    Dispatch(ctx context.Context, req trigger.Request) (string, error)
    RefreshSession(ctx context.Context) error
}

type contextKey string

const claimsKey contextKey = "claims"

// RESTServer represents the operator REST API server
type RESTServer struct {
    config    *config.Config
    fleet     Fleet
    sessions  *ota.Registry
    stats     *stats.Stats
    store     storage.Store
    auth      *auth.JWTManager
    validator *validation.Validator
    router    chi.Router
    server    *http.Server
}

// NewRESTServer creates a new REST API server. store may be nil when no
// database is configured.
func NewRESTServer(cfg *config.Config, fleet Fleet, sessions *ota.Registry, st *stats.Stats, store storage.Store) *RESTServer {
    s := &RESTServer{
        config:    cfg,
        fleet:     fleet,
        sessions:  sessions,
        stats:     st,
        store:     store,
        auth:      auth.NewJWTManager(&cfg.JWT, cfg.API.PasswordHash),
        validator: validation.NewValidator(),
        router:    chi.NewRouter(),
    }

    s.setupRoutes()

    s.server = &http.Server{
        Handler:      s.router,
        ReadTimeout:  15 * time.Second,
        WriteTimeout: 15 * time.Second,
        IdleTimeout:  60 * time.Second,
    }

    return s
}

// Handler returns the router, for tests and embedding
func (s *RESTServer) Handler() http.Handler {
    return s.router
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
    // Middleware
    s.router.Use(middleware.RequestID)
    s.router.Use(middleware.RealIP)
    s.router.Use(requestLogger)
    s.router.Use(middleware.Recoverer)
    s.router.Use(middleware.Timeout(60 * time.Second))

    // CORS
    s.router.Use(cors.Handler(cors.Options{
        AllowedOrigins:   []string{"*"},
        AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
        AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
        AllowCredentials: false,
        MaxAge:           300,
    }))

    // API routes
    s.router.Route("/api/v1", func(r chi.Router) {
        s.setupAPIRoutes(r)
    })
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
    s.server.Addr = addr
    log.Info().Str("addr", addr).Bool("auth", s.auth.Enabled()).Msg("Starting REST API server")
    return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
    return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware. It is a no-op when no
// JWT secret is configured.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if !s.auth.Enabled() {
            next.ServeHTTP(w, r)
            return
        }

        // Get token from header
        authHeader := r.Header.Get("Authorization")
        if authHeader == "" {
            s.respondError(w, http.StatusUnauthorized, "missing authorization header")
            return
        }

        // Parse Bearer token
        parts := strings.Split(authHeader, " ")
        if len(parts) != 2 || parts[0] != "Bearer" {
            s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
            return
        }

        // Validate token
        claims, err := s.auth.ValidateToken(parts[1])
        if err != nil {
            s.respondError(w, http.StatusUnauthorized, "invalid token")
            return
        }

        // Add claims to context
        ctx := context.WithValue(r.Context(), claimsKey, claims)
        next.ServeHTTP(w, r.WithContext(ctx))
    })
}

// requestLogger logs each request through zerolog
func requestLogger(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
        next.ServeHTTP(ww, r)
        log.Debug().
            Str("method", r.Method).
            Str("path", r.URL.Path).
            Int("status", ww.Status()).
            Dur("elapsed", time.Since(start)).
            Str("request_id", middleware.GetReqID(r.Context())).
            Msg("API request")
    })
}
