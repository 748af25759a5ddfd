package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"secondlayer/internal/dispatcher"
	"secondlayer/internal/eventbus"
	"secondlayer/internal/queue"
	"secondlayer/internal/repository"
	"secondlayer/internal/streams"
	"secondlayer/internal/usage"
	"secondlayer/internal/views"

	"github.com/gorilla/mux"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// Config carries the knobs the admin surface needs.
type Config struct {
	Port       string
	JWTSecret  string
	DevMode    bool
	Network    string
	IndexerURL string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the administrative HTTP surface: stream and view CRUD, queries
// over view tables, status, and the live delivery tap.
type Server struct {
	cfg      Config
	repo     *repository.Repository
	queue    *queue.Queue
	streams  *streams.Store
	registry *views.Registry
	cache    *views.Cache
	engine   *views.Engine
	enforcer *usage.Enforcer
	backend  dispatcher.Backend
	bus      *eventbus.Bus

	auth      *authMiddleware
	ipLimiter *ipLimiter

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}

	wsHub *wsHub
}

func NewServer(cfg Config, repo *repository.Repository, q *queue.Queue, st *streams.Store,
	registry *views.Registry, cache *views.Cache, engine *views.Engine,
	enforcer *usage.Enforcer, backend dispatcher.Backend, bus *eventbus.Bus) *Server {

	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}

	s := &Server{
		cfg:       cfg,
		repo:      repo,
		queue:     q,
		streams:   st,
		registry:  registry,
		cache:     cache,
		engine:    engine,
		enforcer:  enforcer,
		backend:   backend,
		bus:       bus,
		auth:      newAuthMiddleware(repo, cfg.JWTSecret, cfg.DevMode),
		ipLimiter: newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	s.wsHub = newWSHub(bus)
	return s
}

// Router builds the full route table. Public endpoints (health, ws) skip
// auth; everything else goes through rate limiting, authentication, usage
// counting and the request-scoped plan check.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.wsHub.handleWS).Methods("GET", "OPTIONS")

	authed := r.PathPrefix("/v1").Subrouter()
	authed.Use(s.auth.middleware, s.usageMiddleware)

	authed.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")

	authed.HandleFunc("/streams", s.handleCreateStream).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams", s.handleListStreams).Methods("GET")
	authed.HandleFunc("/streams/bulk/{action}", s.handleBulkAction).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams/{id}", s.handleGetStream).Methods("GET", "OPTIONS")
	authed.HandleFunc("/streams/{id}", s.handleUpdateStream).Methods("PATCH")
	authed.HandleFunc("/streams/{id}", s.handleDeleteStream).Methods("DELETE")
	authed.HandleFunc("/streams/{id}/{action:enable|disable|pause|resume}", s.handleStreamAction).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams/{id}/rotate-secret", s.handleRotateSecret).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams/{id}/trigger", s.handleTrigger).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams/{id}/replay", s.handleReplay).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams/{id}/replay-failed", s.handleReplayFailed).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams/{id}/test", s.handleTestStream).Methods("POST", "OPTIONS")
	authed.HandleFunc("/streams/{id}/deliveries", s.handleListDeliveries).Methods("GET", "OPTIONS")

	authed.HandleFunc("/views", s.handleDeployView).Methods("POST", "OPTIONS")
	authed.HandleFunc("/views", s.handleListViews).Methods("GET")
	authed.HandleFunc("/views/{id}/reindex", s.handleReindexView).Methods("POST", "OPTIONS")
	authed.HandleFunc("/views/{view}", s.handleGetView).Methods("GET", "OPTIONS")
	authed.HandleFunc("/views/{view}", s.handleDeleteView).Methods("DELETE")
	authed.HandleFunc("/views/{view}/{table}", s.handleQueryView).Methods("GET", "OPTIONS")
	authed.HandleFunc("/views/{view}/{table}/count", s.handleCountView).Methods("GET", "OPTIONS")
	authed.HandleFunc("/views/{view}/{table}/{id:[0-9]+}", s.handleGetViewRow).Methods("GET", "OPTIONS")

	r.Use(s.rateLimitMiddleware)
	return r
}

// usageMiddleware counts the API request and applies the request-scoped plan
// check. Resource-scoped checks run at the create sites.
func (s *Server) usageMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerFromContext(r.Context())
		if caller != nil && caller.AccountID != "" {
			if err := s.repo.IncrementAPIRequests(r.Context(), caller.AccountID); err != nil {
				log.Printf("[api] usage increment failed: %v", err)
			}
			decision, err := s.enforcer.Check(r.Context(), caller.AccountID, usage.ScopeRequest)
			if err != nil {
				writeError(w, CodeInternalError, err.Error())
				return
			}
			if !decision.Allowed {
				writeError(w, CodeLimitExceeded, "plan limit exceeded: "+decision.Exceeded)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// checkPlan runs a resource-scoped plan check for the caller. Admin callers
// skip enforcement.
func (s *Server) checkPlan(ctx context.Context, caller *Caller, scope usage.Scope) (bool, string, error) {
	if caller == nil || caller.Admin || caller.AccountID == "" {
		return true, "", nil
	}
	decision, err := s.enforcer.Check(ctx, caller.AccountID, scope)
	if err != nil {
		return false, "", err
	}
	return decision.Allowed, decision.Exceeded, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[api] listening on :%s", s.cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
