package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/feedsnap/capture"
	"github.com/use-agent/feedsnap/models"
)

// Runs is the capture runner as seen by the API.
type Runs interface {
	Start(ctx context.Context, opts capture.Options) (string, error)
	Get(id string) *models.RunReport
	Active() string
}

// PostCapture returns a handler for POST /api/v1/captures. The run is
// started on baseCtx so it outlives the request; 202 carries its ID.
func PostCapture(baseCtx context.Context, runs Runs, defaults capture.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CaptureRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, models.ErrCodeInvalidInput, err.Error())
				return
			}
		}

		id, err := runs.Start(baseCtx, defaults.Apply(&req))
		if err != nil {
			var ce *models.CaptureError
			switch {
			case errors.Is(err, capture.ErrBusy):
				respondError(c, http.StatusConflict, models.ErrCodeBusy, "a capture is already running: "+runs.Active())
			case errors.As(err, &ce) && ce.Code == models.ErrCodeInvalidInput:
				respondError(c, http.StatusBadRequest, ce.Code, ce.Message)
			default:
				respondError(c, http.StatusInternalServerError, models.ErrCodeInternal, err.Error())
			}
			return
		}

		c.JSON(http.StatusAccepted, models.CaptureResponse{ID: id, Status: models.StatusProcessing})
	}
}

// GetCapture returns a handler for GET /api/v1/captures/:id.
func GetCapture(runs Runs) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := runs.Get(c.Param("id"))
		if rep == nil {
			respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "capture not found")
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

// GetSegment returns a handler for GET /api/v1/captures/:id/segments/:n.
// ?format=md serves the Markdown digest instead of the HTML snapshot.
func GetSegment(runs Runs) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := runs.Get(c.Param("id"))
		if rep == nil {
			respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "capture not found")
			return
		}
		n, err := strconv.Atoi(c.Param("n"))
		if err != nil || n < 1 {
			respondError(c, http.StatusBadRequest, models.ErrCodeInvalidInput, "segment must be a positive integer")
			return
		}

		var seg *models.SegmentReport
		for i := range rep.Segments {
			if rep.Segments[i].Index == n {
				seg = &rep.Segments[i]
				break
			}
		}
		if seg == nil {
			respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "segment not captured")
			return
		}

		path, contentType := seg.File, "text/html; charset=utf-8"
		if c.Query("format") == "md" {
			if seg.Digest == "" {
				respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "segment has no digest")
				return
			}
			path, contentType = seg.Digest, "text/markdown; charset=utf-8"
		}

		data, err := os.ReadFile(path)
		if err != nil {
			respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "segment file missing")
			return
		}
		c.Data(http.StatusOK, contentType, data)
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, models.ErrorResponse{Error: &models.ErrorDetail{Code: code, Message: msg}})
}
