package api

import (
	"github.com/gin-gonic/gin"

	"github.com/webtestflow/cdp-orchestrator/internal/coordinator"
	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

// startRunRequest is the POST /api/v1/runs body.
type startRunRequest struct {
	TestID    string                 `json:"test_id" binding:"required"`
	Inputs    map[string]interface{} `json:"inputs"`
	SessionID string                 `json:"session_id"`
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	def, ok := s.repo.GetTest(req.TestID)
	if !ok {
		notFound(c, "test not found: "+req.TestID)
		return
	}

	runID, err := s.StartRunAsync(req.TestID, def, req.SessionID, req.Inputs)
	if err != nil {
		if already, ok := err.(*coordinator.AlreadyRunningError); ok {
			conflict(c, already.Error())
			return
		}
		serverError(c, err.Error())
		return
	}
	accepted(c, gin.H{"run_id": runID})
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("run_id")

	s.mu.Lock()
	rec, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		notFound(c, "run not found: "+runID)
		return
	}
	if rec.result == nil {
		accepted(c, gin.H{"run_id": runID, "test_id": rec.testID, "status": "running"})
		return
	}
	success(c, rec.result)
}

type createTestRequest struct {
	ID string `json:"id" binding:"required"`
	model.TestDefinition
}

func (s *Server) handleCreateTest(c *gin.Context) {
	var req createTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.repo.Save(req.ID, &req.TestDefinition); err != nil {
		serverError(c, err.Error())
		return
	}
	success(c, gin.H{"id": req.ID})
}

func (s *Server) handleGetTest(c *gin.Context) {
	id := c.Param("id")
	def, ok := s.repo.GetTest(id)
	if !ok {
		notFound(c, "test not found: "+id)
		return
	}
	success(c, def)
}

func (s *Server) handleListTests(c *gin.Context) {
	ids, err := s.repo.List()
	if err != nil {
		serverError(c, err.Error())
		return
	}
	success(c, gin.H{"tests": ids})
}

func (s *Server) handleListSessions(c *gin.Context) {
	success(c, gin.H{"sessions": s.reg.List()})
}
