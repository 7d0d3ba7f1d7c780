package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/meridianctl/agentctl/internal/agentprovider"
	"github.com/meridianctl/agentctl/internal/cascade"
	"github.com/meridianctl/agentctl/internal/review"
	"github.com/meridianctl/agentctl/internal/sessionlifecycle"
	"github.com/meridianctl/agentctl/internal/vcsprovider"
	"github.com/meridianctl/agentctl/pkg/types"
)

// Config holds server configuration. PrimaryCIPipelines is a pointer so
// internal/config's hot reload is observed per request.
type Config struct {
	ListenAddr         string
	WebhookSecret      string
	AutomatedBotName   string
	PrimaryCIPipelines *[]string
	EnableCORS         bool
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8080",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
}

// Registry is the slice of the Registry Store the handlers read and write.
// *store.Store satisfies it.
type Registry interface {
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context) ([]*types.Session, error)
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	ListSessionsByCascade(ctx context.Context, cascadeID string) ([]*types.Session, error)
	MostRecentNonTerminalSession(ctx context.Context, sourceRepo, branchName string) (*types.Session, error)
	UpdateSession(ctx context.Context, sess *types.Session) error

	CreateGoal(ctx context.Context, g *types.Goal) error
	GetGoal(ctx context.Context, id string) (*types.Goal, error)
	ListGoals(ctx context.Context, status types.GoalStatus) ([]*types.Goal, error)
	UpdateGoal(ctx context.Context, g *types.Goal) error
	DeleteGoal(ctx context.Context, id string) error

	GetCascade(ctx context.Context, id string) (*types.Cascade, error)
	ListCascades(ctx context.Context) ([]*types.Cascade, error)
	UpdateCascadeStatus(ctx context.Context, id string, status types.CascadeStatus, updatedAt int64) error

	DeleteAllLocks(ctx context.Context) (int64, error)
}

// Machine is the slice of the Session Lifecycle state machine the handlers
// drive. *sessionlifecycle.Machine satisfies it.
type Machine interface {
	CIResult(ctx context.Context, sessionID, pipelineName string, primaryPipelines []string, success bool) (sessionlifecycle.CIOutcome, error)
	ReconcileAgentStatus(ctx context.Context, sessionID string, status types.AgentStatus, changeProposalURL string) error
	ChangeProposalClosed(ctx context.Context, sessionID string, merged bool, artifact *types.ReviewArtifact) error
	Fail(ctx context.Context, sessionID, lastError string) error
}

// LockManager is the slice of the Lock Manager the handlers use.
type LockManager interface {
	ConflictStatus(ctx context.Context) ([]types.LockHolder, error)
	Release(ctx context.Context, sessionID string) error
}

// ReviewLoop is the Review & Remediation Loop surface.
type ReviewLoop interface {
	HandlePush(ctx context.Context, ev review.PushEvent) (*review.Result, error)
	HandleCIFailure(ctx context.Context, ev review.CIFailureEvent) (*review.Result, error)
	ReAudit(ctx context.Context, goalID string) (*review.Result, error)
}

// CascadeEngine is the Cascade Engine surface.
type CascadeEngine interface {
	MatchCoreFiles(changedPaths []string) []string
	Analyze(ctx context.Context, input types.DecomposeInput) (*types.CascadeAnalysis, error)
	Dispatch(ctx context.Context, req cascade.DispatchRequest) (*cascade.DispatchResult, error)
}

// Deps bundles everything the handlers need.
type Deps struct {
	Registry Registry
	Machine  Machine
	Locks    LockManager
	Review   ReviewLoop
	Cascade  CascadeEngine
	Agents   agentprovider.Provider
	VCS      vcsprovider.Provider
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	deps    Deps
}

// New creates a new Server instance.
func New(cfg *Config, deps Deps) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// primaryPipelines dereferences the hot-reloadable allow-list.
func (s *Server) primaryPipelines() []string {
	if s.config.PrimaryCIPipelines == nil {
		return nil
	}
	return *s.config.PrimaryCIPipelines
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
