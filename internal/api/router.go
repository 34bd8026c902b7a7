package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"agentnet/internal/domain"
	sqlitestore "agentnet/internal/store/sqlite"
)

type Orchestrator interface {
	Submit(ctx context.Context, def domain.TaskDefinition) (string, error)
	Status(taskID string) (domain.TaskSnapshot, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	List() []domain.TaskSnapshot
	Dashboard() domain.Dashboard
}

// Archive is the durable audit trail. It is optional; routes that need it
// answer 503 when it is absent.
type Archive interface {
	ListTaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error)
	GetArchivedTask(ctx context.Context, taskID string) (domain.TaskSnapshot, error)
	ListArchivedTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.TaskSnapshot, error)
	AgentOutcomes(ctx context.Context) ([]sqlitestore.AgentOutcome, error)
}

type ConfigView struct {
	Path string
	Raw  map[string]any
}

type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

type CancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

type handler struct {
	orch    Orchestrator
	archive Archive
	config  ConfigView
	logger  logrus.FieldLogger
}

func NewRouter(orch Orchestrator, archive Archive, cfg ConfigView, logger logrus.FieldLogger) *gin.Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &handler{orch: orch, archive: archive, config: cfg, logger: logger.WithField("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)

	r.GET("/healthz", h.health)
	r.GET("/config", h.showConfig)
	r.GET("/dashboard", h.dashboard)
	r.GET("/agents", h.agents)

	tasks := r.Group("/tasks")
	{
		tasks.POST("", h.submit)
		tasks.GET("", h.list)
		tasks.GET("/:id", h.status)
		tasks.POST("/:id/cancel", h.cancel)
		tasks.GET("/:id/decisions", h.decisions)
	}

	archived := r.Group("/archive")
	{
		archived.GET("/tasks", h.archivedTasks)
		archived.GET("/tasks/:id", h.archivedTask)
		archived.GET("/agents", h.agentOutcomes)
	}
	return r
}

func (h *handler) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start).String(),
	}).Debug("http request")
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) showConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"path": h.config.Path,
		"raw":  h.config.Raw,
	})
}

func (h *handler) dashboard(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Dashboard())
}

func (h *handler) agents(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Dashboard().Agents)
}

func (h *handler) submit(c *gin.Context) {
	var def domain.TaskDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	id, err := h.orch.Submit(c.Request.Context(), def)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, SubmitResponse{TaskID: id})
}

func (h *handler) list(c *gin.Context) {
	status := domain.TaskStatus(strings.TrimSpace(c.Query("status")))
	tasks := h.orch.List()
	if status == "" {
		c.JSON(http.StatusOK, tasks)
		return
	}
	out := make([]domain.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) status(c *gin.Context) {
	snap, err := h.orch.Status(c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) cancel(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.orch.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, CancelResponse{TaskID: id, Cancelled: ok})
}

func (h *handler) decisions(c *gin.Context) {
	if !h.requireArchive(c) {
		return
	}
	items, err := h.archive.ListTaskDecisions(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 300))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *handler) archivedTasks(c *gin.Context) {
	if !h.requireArchive(c) {
		return
	}
	status := domain.TaskStatus(strings.TrimSpace(c.Query("status")))
	items, err := h.archive.ListArchivedTasks(c.Request.Context(), status, queryInt(c, "limit", 50))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *handler) archivedTask(c *gin.Context) {
	if !h.requireArchive(c) {
		return
	}
	snap, err := h.archive.GetArchivedTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) agentOutcomes(c *gin.Context) {
	if !h.requireArchive(c) {
		return
	}
	items, err := h.archive.AgentOutcomes(c.Request.Context())
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *handler) requireArchive(c *gin.Context) bool {
	if h.archive != nil {
		return true
	}
	writeError(c, http.StatusServiceUnavailable, errors.New("audit archive is not configured"))
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidDefinition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
