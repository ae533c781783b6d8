// clipper/api/handler.go
package api

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"clipper/blob"
	"clipper/job"
	"clipper/logger"
	"clipper/scheduler"
	"clipper/status"
)

// Jobs admits and cancels jobs.
type Jobs interface {
	Submit(ctx context.Context, sourceURL string) (*job.Job, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	Delete(ctx context.Context, id string) error
}

// Statuses answers read-side queries.
type Statuses interface {
	Status(ctx context.Context, id string) (status.Summary, error)
	List(ctx context.Context, f job.Filter) ([]status.Summary, error)
	DownloadURL(ctx context.Context, clipID string) (string, error)
	Stats(ctx context.Context) (status.Stats, error)
}

// Files resolves signed links to published clips.
type Files interface {
	Verify(key, expires, sig string) error
	Exists(ctx context.Context, key string) (bool, error)
	Path(key string) (string, error)
}

type Handler struct {
	jobs     Jobs
	statuses Statuses
	files    Files
	log      logger.Logger
}

func NewHandler(jobs Jobs, statuses Statuses, files Files, log logger.Logger) *Handler {
	return &Handler{jobs: jobs, statuses: statuses, files: files, log: log}
}

type JobRequest struct {
	YouTubeURL string `json:"youtube_url" binding:"required"`
}

// handleCreateJob accepts a video for asynchronous processing.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.jobs.Submit(c.Request.Context(), req.YouTubeURL)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidURL) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, scheduler.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID, "status": status.StatusOf(j.Stage)})
}

// handleListJobs lists jobs, optionally filtered by ?status= and capped by ?limit=.
func (h *Handler) handleListJobs(c *gin.Context) {
	stages, ok := status.StagesFor(c.Query("status"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be processing, completed or failed"})
		return
	}
	f := job.Filter{Stages: stages, SourceURL: c.Query("youtube_url")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = limit
	}

	summaries, err := h.statuses.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// handleGetJobStatus retrieves the status of a single job.
func (h *Handler) handleGetJobStatus(c *gin.Context) {
	s, err := h.statuses.Status(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.respondLookupError(c, err, "Job not found")
		return
	}
	c.JSON(http.StatusOK, s)
}

// handleCancelJob flags a job for cancellation at its next stage boundary.
func (h *Handler) handleCancelJob(c *gin.Context) {
	_, err := h.jobs.Cancel(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, scheduler.ErrAlreadyTerminal) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.respondLookupError(c, err, "Job not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested"})
}

// handleDeleteJob removes a finished job together with its clips and files.
func (h *Handler) handleDeleteJob(c *gin.Context) {
	if err := h.jobs.Delete(c.Request.Context(), c.Param("jobId")); err != nil {
		if errors.Is(err, scheduler.ErrStillActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.respondLookupError(c, err, "Job not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job deleted"})
}

func (h *Handler) handleGetStats(c *gin.Context) {
	st, err := h.statuses.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleDownloadClip issues a signed download link and counts the download.
func (h *Handler) handleDownloadClip(c *gin.Context) {
	u, err := h.statuses.DownloadURL(c.Request.Context(), c.Param("clipId"))
	if err != nil {
		h.respondLookupError(c, err, "Clip not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"download_url": u})
}

// handleGetFile serves a published clip behind a signed link.
func (h *Handler) handleGetFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.files.Verify(key, c.Query("expires"), c.Query("sig")); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	ok, err := h.files.Exists(c.Request.Context(), key)
	if err != nil || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	local, err := h.files.Path(key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.FileAttachment(local, path.Base(key))
}

func (h *Handler) respondLookupError(c *gin.Context, err error, notFound string) {
	if errors.Is(err, job.ErrNotFound) || errors.Is(err, blob.ErrInvalidKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}
