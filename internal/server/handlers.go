package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

// response is the body shape of every JSON endpoint.
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type validateRequest struct {
	ProjectID string `json:"projectId"`
	TeamID    string `json:"teamId"`
}

// target resolves the project and team of a request, falling back to the
// first configured target.
func (s *Server) target(projectID, teamID string) (string, string) {
	for _, t := range s.cfg.Targets {
		if projectID == "" {
			return t.ProjectID, firstNonEmpty(teamID, t.TeamID)
		}
		if t.ProjectID == projectID && teamID == "" {
			return projectID, t.TeamID
		}
	}
	return projectID, teamID
}

// snapshot serves the cached value under key(projectID). A missing snapshot
// is reported with success=false so polling clients back off.
func (s *Server) snapshot(key func(string) string, what string) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, _ := s.target(c.Query("projectId"), c.Query("teamId"))
		if projectID == "" {
			c.JSON(http.StatusBadRequest, response{Error: "projectId is required"})
			return
		}
		var data json.RawMessage
		found, err := s.deps.Store.Get(c.Request.Context(), key(projectID), &data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, response{Error: err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, response{Error: fmt.Sprintf("no %s for project %s", what, projectID)})
			return
		}
		c.Header("Cache-Control", "no-cache")
		c.JSON(http.StatusOK, response{Success: true, Data: data})
	}
}

func (s *Server) validate(kind validation.Kind) gin.HandlerFunc {
	run := s.deps.Validator.ValidateSprintDates
	if kind == validation.KindWorkItemCounts {
		run = s.deps.Validator.ValidateWorkItemCounts
	}
	return func(c *gin.Context) {
		var req validateRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, response{Error: "invalid request body: " + err.Error()})
			return
		}
		projectID, teamID := s.target(
			firstNonEmpty(req.ProjectID, c.Query("projectId")),
			firstNonEmpty(req.TeamID, c.Query("teamId")),
		)
		verdict, err := run(c.Request.Context(), projectID, teamID, s.deps.Adapter)
		if err != nil {
			c.JSON(statusFor(err), response{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, response{Success: true, Data: verdict})
	}
}

func (s *Server) validationStatus(c *gin.Context) {
	summary := s.deps.Validator.LastSyncStatus(c.Request.Context(), c.Query("projectId"), c.Query("teamId"))
	c.JSON(http.StatusOK, response{Success: summary.Status != validation.StatusError, Data: summary, Error: summary.Error})
}

func (s *Server) validationStats(c *gin.Context) {
	c.JSON(http.StatusOK, response{Success: true, Data: gin.H{
		"stats":       s.deps.Validator.Stats(),
		"performance": s.deps.Validator.Performance(),
	}})
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report := s.deps.Health.Report(c.Request.Context(), c.Query("projectId"), c.Query("teamId"))
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// statusFor maps validation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, validation.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, validation.ErrMissingData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
