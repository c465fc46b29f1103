package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the JSON body of a failed API call.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureResponse acknowledges an accepted capture request.
type CaptureResponse struct {
	RequestID string    `json:"request_id"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// RebindRequest names the camera to switch to. An empty selector rebinds
// the current camera.
type RebindRequest struct {
	Selector string `json:"selector"`
}

// RegisterRoutes mounts the HTTP API on r:
//
//	GET  /health            status, 503 when unhealthy
//	GET  /api/v1/status     status
//	POST /api/v1/capture    start a still capture (202)
//	POST /api/v1/rebind     switch camera
func (p *Pipeline) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", p.getHealth)
	r.GET("/api/v1/status", p.getStatus)
	r.POST("/api/v1/capture", p.postCapture)
	r.POST("/api/v1/rebind", p.postRebind)
}

func (p *Pipeline) getHealth(c *gin.Context) {
	st := p.Status()
	code := http.StatusOK
	if st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func (p *Pipeline) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, p.Status())
}

func (p *Pipeline) postCapture(c *gin.Context) {
	// The capture outlives the request.
	req, ok := p.TakePhoto(context.Background())
	if !ok {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "capture_not_bound",
			Message:   "still capture is not bound",
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(http.StatusAccepted, CaptureResponse{
		RequestID: req.ID,
		Path:      req.Path,
		Timestamp: req.CreatedAt,
	})
}

func (p *Pipeline) postRebind(c *gin.Context) {
	var body RebindRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     "invalid_request",
				Message:   err.Error(),
				Timestamp: time.Now(),
			})
			return
		}
	}

	if err := p.Rebind(c.Request.Context(), body.Selector); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "rebind_failed",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, p.Status())
}
