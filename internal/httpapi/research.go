package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/deepening"
	"github.com/ideaforge/engine/internal/queue"
	"github.com/ideaforge/engine/internal/store"
)

// ResearchHandler implements the `/research*` routes of §6.1.
type ResearchHandler struct {
	Store      *store.Store
	Queue      *queue.Queue
	Checkpoint queue.CheckpointReader
	Deepener   *deepening.Deepener
	// DefaultDeepeningProvider is used when a deepen request omits
	// `provider`, per config's llm.routing.deepening (§6.1: both
	// `provider` and `depthLevel` are optional on this route).
	DefaultDeepeningProvider string
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/research", h.createResearch)
	g.GET("/research/:sessionId", h.getResearch)
	g.POST("/research/async", h.createResearchAsync)
	g.GET("/research/job/:jobId", h.getJobStatus)
	g.POST("/research/:sessionId/deepen/:ideaId", h.deepen)
}

type researchRequest struct {
	ProblemStatement string         `json:"problemStatement"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (r researchRequest) validate() error {
	trimmed := strings.TrimSpace(r.ProblemStatement)
	if len(trimmed) < 20 || len(trimmed) > 5000 {
		return apperr.New(apperr.Validation, "problemStatement must be between 20 and 5000 characters")
	}
	return nil
}

// createResearch pre-creates a session in pending and enqueues the
// pipeline job bound to it, per §6.1's `POST /research`.
func (h *ResearchHandler) createResearch(c echo.Context) error {
	var req researchRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	ctx := c.Request().Context()
	sess, err := h.Store.CreateSession(ctx, strings.TrimSpace(req.ProblemStatement), req.Metadata)
	if err != nil {
		return err
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["sessionId"] = sess.ID

	jobID, err := h.Queue.Enqueue(ctx, sess.ProblemStatement, metadata)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, err, "enqueue research job")
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"sessionId": sess.ID,
		"jobId":     jobID,
		"pollUrl":   "/api/v1/research/job/" + jobID,
	})
}

// createResearchAsync enqueues a job without pre-creating a session;
// the worker creates one on first attempt, per §6.1's `POST /research/async`.
func (h *ResearchHandler) createResearchAsync(c echo.Context) error {
	var req researchRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	jobID, err := h.Queue.Enqueue(c.Request().Context(), strings.TrimSpace(req.ProblemStatement), req.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, err, "enqueue research job")
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"jobId":   jobID,
		"pollUrl": "/api/v1/research/job/" + jobID,
	})
}

// getResearch polls a session by id, per §6.1's `GET /research/:sessionId`.
func (h *ResearchHandler) getResearch(c echo.Context) error {
	sessionID := c.Param("sessionId")
	sess, found, err := h.Store.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.NotFound, "session not found").WithDetails(map[string]any{"sessionId": sessionID})
	}
	return c.JSON(http.StatusOK, map[string]any{"session": sess})
}

// getJobStatus polls the queue-visible state of a job, per §6.1's
// `GET /research/job/:jobId`.
func (h *ResearchHandler) getJobStatus(c echo.Context) error {
	jobID := c.Param("jobId")
	status, err := queue.Status(c.Request().Context(), h.Checkpoint, jobID)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, err, "load job status")
	}
	resp := map[string]any{
		"jobId":        status.JobID,
		"state":        status.State,
		"sessionId":    status.SessionID,
		"failedReason": status.FailedReason,
	}
	if len(status.ProviderStatus) > 0 {
		resp["providerStatus"] = status.ProviderStatus
	}
	return c.JSON(http.StatusOK, resp)
}

type deepenRequest struct {
	Provider   string `json:"provider"`
	DepthLevel int    `json:"depthLevel"`
}

// deepen runs the single-adapter elaboration path (C9), per §6.1's
// `POST /research/:sessionId/deepen/:ideaId`.
func (h *ResearchHandler) deepen(c echo.Context) error {
	sessionID := c.Param("sessionId")
	ideaID := c.Param("ideaId")

	var req deepenRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid request body")
	}
	if req.DepthLevel == 0 {
		req.DepthLevel = 1
	}
	if req.DepthLevel < 1 || req.DepthLevel > 3 {
		return apperr.New(apperr.Validation, "depthLevel must be between 1 and 3")
	}
	providerName := strings.TrimSpace(req.Provider)
	if providerName == "" {
		providerName = h.DefaultDeepeningProvider
	}
	if providerName == "" {
		return apperr.New(apperr.Validation, "provider is required: no llm.routing.deepening default is configured")
	}

	res, err := h.Deepener.Deepen(c.Request().Context(), sessionID, ideaID, providerName, req.DepthLevel)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"deepening": res.Payload.Deepening, "id": res.DeepeningID})
}
