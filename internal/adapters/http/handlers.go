package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/syncode/syncode/internal/app"
	"github.com/syncode/syncode/internal/domain"
	"github.com/syncode/syncode/internal/exec"
)

type ExecuteRequest struct {
	Code     string          `json:"code" binding:"required"`
	Language domain.Language `json:"language" binding:"required"`
	Stdin    string          `json:"stdin"`
}

type Handlers struct {
	bridge   *exec.Bridge
	registry *app.Registry
	started  time.Time
}

func NewHandlers(bridge *exec.Bridge, registry *app.Registry) *Handlers {
	return &Handlers{bridge: bridge, registry: registry, started: time.Now()}
}

// Execute runs a code payload through the execution bridge. Validation
// failures and unsupported languages are the caller's fault (400);
// upstream trouble is a bad gateway. The body always carries "success".
func (h *Handlers) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, exec.Result{
			Success: false,
			Error:   "code and language are required",
		})
		return
	}
	if !req.Language.Valid() {
		c.JSON(http.StatusBadRequest, exec.Result{
			Success: false,
			Error:   "language " + string(req.Language) + " is not supported",
		})
		return
	}

	res, err := h.bridge.Execute(c.Request.Context(), req.Language, req.Code, req.Stdin)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, exec.ErrUnsupportedLanguage) {
			status = http.StatusBadRequest
		}
		c.JSON(status, exec.Result{
			Success: false,
			Error:   err.Error(),
			Output:  "Execution failed: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Seconds(),
	})
}

func (h *Handlers) Rooms(c *gin.Context) {
	rooms := h.registry.Rooms()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}
