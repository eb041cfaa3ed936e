package api

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gwicho38/lsh/internal/domain"
)

func (s *Server) handleHealth(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.backend.Status(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, status)
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := &domain.JobFilter{
		Status: domain.JobStatus(c.Query("status")),
		Type:   domain.JobType(c.Query("type")),
		Name:   c.Query("name"),
	}
	if tags := c.Query("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	jobs, err := s.backend.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, jobs)
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var spec domain.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondErr(c, domain.WrapErr(domain.KindInvalidInput, err, "malformed job spec"))
		return
	}

	created, err := s.backend.CreateJob(c.Request.Context(), &spec)
	s.recordAudit(c, "job.create", spec.Name, err)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondCreated(c, created)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.backend.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, job)
}

func (s *Server) handleStartJob(c *gin.Context) {
	id := c.Param("id")
	job, err := s.backend.StartJob(c.Request.Context(), id)
	s.recordAudit(c, "job.start", id, err)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, job)
}

func (s *Server) handleStopJob(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Signal string `json:"signal"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondErr(c, domain.WrapErr(domain.KindInvalidInput, err, "malformed stop request"))
			return
		}
	}

	err := s.backend.StopJob(c.Request.Context(), id, body.Signal)
	s.recordAudit(c, "job.stop", id, err)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"stopped": true})
}

func (s *Server) handleTriggerJob(c *gin.Context) {
	id := c.Param("id")
	result, err := s.backend.TriggerJob(c.Request.Context(), id)
	s.recordAudit(c, "job.trigger", id, err)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, result)
}

func (s *Server) handleRemoveJob(c *gin.Context) {
	id := c.Param("id")
	force := c.Query("force") == "true"

	err := s.backend.RemoveJob(c.Request.Context(), id, force)
	s.recordAudit(c, "job.remove", id, err)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"removed": true})
}

func (s *Server) handleJobHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondKind(c, domain.KindInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	records, err := s.backend.JobHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, records)
}

func (s *Server) handleJobStatistics(c *gin.Context) {
	stats, err := s.backend.JobStatistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, stats)
}

func (s *Server) handleSearchExecutions(c *gin.Context) {
	var criteria domain.SearchCriteria
	if err := c.ShouldBindJSON(&criteria); err != nil {
		respondErr(c, domain.WrapErr(domain.KindInvalidInput, err, "malformed search criteria"))
		return
	}

	records, err := s.backend.SearchExecutions(c.Request.Context(), criteria)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, records)
}

func (s *Server) handleStopDaemon(c *gin.Context) {
	err := s.backend.StopDaemon(c.Request.Context())
	s.recordAudit(c, "daemon.stop", "", err)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"stopping": true})
}
