package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/diffcritic/internal/tasks"
	"github.com/diffcritic/pkg/models"
)

// createReviewRequest is the manual trigger body. project_id and mr_iid fall
// back to the configured CI defaults when omitted.
type createReviewRequest struct {
	ProjectID         string `json:"project_id"`
	MRIID             int    `json:"mr_iid"`
	ForceReview       bool   `json:"force_review"`
	ReviewType        string `json:"review_type"`
	CommitSHA         string `json:"commit_sha"`
	ExtraInstructions string `json:"extra_instructions"`
}

func (s *Server) createReview(c echo.Context) error {
	var req createReviewRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ProjectID == "" {
		req.ProjectID = s.cfg.Review.DefaultProjectID
	}
	if req.MRIID == 0 {
		req.MRIID = s.cfg.Review.DefaultMRIID
	}
	if req.ProjectID == "" || req.MRIID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "project_id and mr_iid are required"})
	}

	reviewType := models.ReviewType(req.ReviewType)
	switch reviewType {
	case "", models.ReviewGeneral, models.ReviewSecurity, models.ReviewPerformance:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown review type %q", req.ReviewType),
		})
	}

	ref := models.MergeRequestRef{ProjectID: req.ProjectID, MRIID: req.MRIID}
	taskID, err := s.supervisor.Submit(ref, models.ReviewOptions{
		ReviewType:        reviewType,
		Force:             req.ForceReview,
		CommitSHA:         req.CommitSHA,
		ExtraInstructions: req.ExtraInstructions,
	})
	if err != nil {
		var tooMany *tasks.TooManyReviewsError
		var already *tasks.AlreadyReviewedError
		switch {
		case errors.As(err, &tooMany):
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		case errors.As(err, &already):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, tasks.ErrShuttingDown):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
	return c.JSON(http.StatusAccepted, map[string]string{"task_id": taskID, "status": "accepted"})
}

func (s *Server) getReview(c echo.Context) error {
	task, ok := s.supervisor.GetTask(c.Param("task_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) listReviews(c echo.Context) error {
	filter := tasks.ListFilter{
		State:     models.TaskState(c.QueryParam("status")),
		ProjectID: c.QueryParam("project_id"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		}
		filter.Limit = limit
	}

	listed := s.supervisor.ListTasks(filter)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks": listed,
		"count": len(listed),
	})
}
