package api

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/webtestflow/cdp-orchestrator/internal/config"
	"github.com/webtestflow/cdp-orchestrator/internal/coordinator"
	"github.com/webtestflow/cdp-orchestrator/internal/model"
	"github.com/webtestflow/cdp-orchestrator/internal/registry"
	"github.com/webtestflow/cdp-orchestrator/internal/repository"
	"github.com/webtestflow/cdp-orchestrator/internal/runner"
)

// runRecord tracks one run's lifecycle for GET /api/v1/runs/{run_id}: it
// starts pending, then carries the result once the coordinator's
// run:complete event fires.
type runRecord struct {
	testID string
	result *model.TestResult
}

// Server wires the Run Coordinator, the External Test Repository and the
// Session Registry into gin handlers. It owns nothing the core engine
// depends on; the engine never imports this package.
type Server struct {
	cfg   *config.Config
	log   *zap.Logger
	coord *coordinator.Coordinator
	repo  *repository.FileRepository
	reg   *registry.InMemory

	mu   sync.Mutex
	runs map[string]*runRecord

	hub *eventHub
}

func NewServer(cfg *config.Config, log *zap.Logger, repo *repository.FileRepository, reg *registry.InMemory) *Server {
	s := &Server{
		cfg:  cfg,
		log:  log,
		repo: repo,
		reg:  reg,
		runs: make(map[string]*runRecord),
		hub:  newEventHub(),
	}
	s.coord = coordinator.New(s.onLifecycle)
	return s
}

func (s *Server) onLifecycle(ev coordinator.LifecycleEvent) {
	switch ev.Kind {
	case coordinator.LifecycleStart:
		s.mu.Lock()
		s.runs[ev.RunID] = &runRecord{testID: ev.TestID}
		s.mu.Unlock()
	case coordinator.LifecycleComplete:
		s.mu.Lock()
		if rec, ok := s.runs[ev.RunID]; ok {
			rec.result = ev.Result
		}
		s.mu.Unlock()
	}
	s.hub.broadcast(ev.RunID, ev)
}

// Router builds the gin engine for the REST/WebSocket surface.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/healthz", s.handleHealthz)
	r.POST("/api/v1/auth/token", s.handleIssueToken)

	v1 := r.Group("/api/v1")
	v1.Use(authMiddleware(s.cfg.JWT.Secret))
	{
		v1.POST("/runs", s.handleStartRun)
		v1.GET("/runs/:run_id", s.handleGetRun)
		v1.GET("/runs/:run_id/events", s.handleRunEvents)

		v1.GET("/tests", s.handleListTests)
		v1.POST("/tests", s.handleCreateTest)
		v1.GET("/tests/:id", s.handleGetTest)

		v1.GET("/sessions", s.handleListSessions)
	}
	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	success(c, gin.H{"status": "ok"})
}

// runOpts builds the runner.Options for StartRunAsync, which serves both
// POST /api/v1/runs and scheduled runs.
func (s *Server) runOpts(onEvent func(runner.Event), sessionID string, vars map[string]interface{}) runner.Options {
	return runner.Options{
		Port:            s.cfg.Chrome.DebugPort,
		OnEvent:         onEvent,
		Repo:            s.repo,
		InitialVars:     vars,
		CreateTab:       sessionID == "",
		SessionID:       sessionID,
		SessionRegistry: s.reg,
		Logger:          s.log,
		DialogAction:    s.cfg.Chrome.DefaultDialogAct,
		NavigateTimeout: time.Duration(s.cfg.Chrome.NavigateTimeout) * time.Second,
	}
}

// StartRunAsync reserves a run id synchronously (so the caller can reply
// 202 immediately) and runs it to completion in a background
// goroutine using context.Background(), since the run must outlive the
// HTTP request that started it.
func (s *Server) StartRunAsync(testID string, def *model.TestDefinition, sessionID string, vars map[string]interface{}) (string, error) {
	runID, err := s.coord.Reserve(testID)
	if err != nil {
		return "", err
	}
	opts := s.runOpts(nil, sessionID, vars)
	go s.coord.Run(context.Background(), runID, testID, def, opts)
	return runID, nil
}

// Coordinator exposes the underlying run coordinator and its single-run
// guard.
func (s *Server) Coordinator() *coordinator.Coordinator { return s.coord }

// RunScheduled satisfies scheduler.Runner: it resolves testID against the
// repository and fires it off the same way handleStartRun does, except a
// cron tick has no HTTP caller waiting on the run id.
func (s *Server) RunScheduled(testID string) error {
	def, ok := s.repo.GetTest(testID)
	if !ok {
		return errors.Errorf("test not found: %s", testID)
	}
	_, err := s.StartRunAsync(testID, def, "", nil)
	return err
}
