package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/acp2/gateway/internal/agent/acp"
	"github.com/acp2/gateway/internal/agent/registry"
	"github.com/acp2/gateway/internal/common/errors"
	"github.com/acp2/gateway/internal/common/logger"
	"github.com/acp2/gateway/internal/events/bus"
	"github.com/acp2/gateway/internal/orchestrator/streaming"
	"github.com/acp2/gateway/internal/run"
	"github.com/acp2/gateway/internal/session"
	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// Handler contains the HTTP handlers for the run API.
type Handler struct {
	registry *registry.Registry
	runs     *run.Manager
	sessions session.Store
	bus      bus.EventBus
	hub      *streaming.Hub
	workDir  string
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(reg *registry.Registry, runs *run.Manager, sessions session.Store, eventBus bus.EventBus, hub *streaming.Hub, workDir string, log *logger.Logger) *Handler {
	return &Handler{
		registry: reg,
		runs:     runs,
		sessions: sessions,
		bus:      eventBus,
		hub:      hub,
		workDir:  workDir,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// Ping is the minimal liveness probe.
// GET /ping
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Health reports service liveness with collaborator detail.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": h.bus.IsConnected(),
	})
}

// ListAgents lists the configured agents.
// GET /agents
func (h *Handler) ListAgents(c *gin.Context) {
	configs := h.registry.List()
	agents := make([]v1.AgentSummary, 0, len(configs))
	for _, cfg := range configs {
		agents = append(agents, v1.AgentSummary{Name: cfg.Name, Description: cfg.Description})
	}
	c.JSON(http.StatusOK, agents)
}

// GetAgentManifest returns the manifest of one configured agent.
// GET /agents/:agentName
func (h *Handler) GetAgentManifest(c *gin.Context) {
	manifest, err := h.registry.ManifestFor(c.Param("agentName"))
	if err != nil {
		appErr := errors.NotFound("agent", c.Param("agentName"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// CreateRun starts a run against an agent, either synchronously or as an SSE
// stream.
// POST /runs
func (h *Handler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if appErr := req.Validate(); appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if _, err := h.registry.Get(req.Agent); err != nil {
		appErr := errors.NotFound("agent", req.Agent)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	r := h.runs.CreateRun(req.Agent, req.Mode)

	if req.Mode == v1.RunModeStream {
		h.streamRun(c, r, req)
		return
	}
	h.syncRun(c, r, req)
}

// GetRun returns the current state of a run.
// GET /runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	r, err := h.runs.Get(c.Param("runId"))
	if err != nil {
		appErr := errors.NotFound("run", c.Param("runId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListRuns lists all runs, newest first.
// GET /runs
func (h *Handler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.runs.List()})
}

// CancelRun requests cancellation of a run. The request never blocks on the
// agent; the run finalizes asynchronously.
// POST /runs/:runId/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	r, err := h.runs.RequestCancel(c.Param("runId"))
	if err != nil {
		appErr := errors.NotFound("run", c.Param("runId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListSessions lists persisted sessions, optionally filtered by agent. With
// active_only=true, only sessions holding a resumable agent-side session are
// returned.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context(), c.Query("agent_name"))
	if err != nil {
		appErr := errors.InternalError("failed to list sessions", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if c.Query("active_only") == "true" {
		active := make([]session.Session, 0, len(sessions))
		for _, s := range sessions {
			if s.AgentSessionID != "" {
				active = append(active, s)
			}
		}
		sessions = active
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns one session and its message history.
// GET /sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("sessionId")
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := h.sessions.History(c.Request.Context(), id, limit)
	if err != nil {
		appErr := errors.InternalError("failed to load session history", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if history == nil {
		history = []session.StoredMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "messages": history})
}

// DeleteSession removes a session and its history.
// DELETE /sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("sessionId")
	deleted, err := h.sessions.Delete(c.Request.Context(), id)
	if err != nil {
		appErr := errors.InternalError("failed to delete session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !deleted {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// --- run execution ---

// syncRun executes the run to completion and returns the terminal run in a
// single response.
func (h *Handler) syncRun(c *gin.Context, r v1.Run, req CreateRunRequest) {
	final, appErr := h.execute(c.Request.Context(), r.ID, req, nil)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, gin.H{
			"error": gin.H{"code": appErr.Code, "message": appErr.Message},
			"run":   final,
		})
		return
	}
	c.JSON(http.StatusOK, final)
}

// sseFrame is one encoded event queued between the run producer and the
// response writer.
type sseFrame struct {
	event string
	data  []byte
}

// streamRun executes the run while relaying its events as SSE. The writer
// emits exactly one terminal event: anything queued after it is dropped, and
// a missing terminal on the cancel path is settled as run.cancelled.
func (h *Handler) streamRun(c *gin.Context, r v1.Run, req CreateRunRequest) {
	clientCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	frames := make(chan sseFrame, 64)
	emit := func(event string, payload interface{}) {
		data, err := formatSSE(event, payload)
		if err != nil {
			h.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
			return
		}
		select {
		case frames <- sseFrame{event: event, data: data}:
		case <-clientCtx.Done():
		}
	}

	// The run itself proceeds on a background context: a client disconnect
	// cancels it through the run manager, not by tearing down the prompt
	// mid-write.
	go func() {
		defer close(frames)
		h.execute(context.Background(), r.ID, req, emit)
	}()

	go func() {
		<-clientCtx.Done()
		if _, err := h.runs.RequestCancel(r.ID); err == nil {
			h.logger.Info("client disconnected, cancelling run", zap.String("run_id", r.ID))
		}
	}()

	sawTerminal := false
	clientGone := false
	for frame := range frames {
		if sawTerminal || clientGone {
			continue
		}
		if _, err := c.Writer.Write(frame.data); err != nil {
			clientGone = true
			continue
		}
		c.Writer.Flush()
		if isTerminalEvent(frame.event) {
			sawTerminal = true
		}
	}

	if !sawTerminal && !clientGone {
		event, final, ok := h.settleStream(r.ID)
		if !ok {
			return
		}
		if data, err := formatSSE(event, final); err == nil {
			if _, werr := c.Writer.Write(data); werr == nil {
				c.Writer.Flush()
			}
		}
	}
}

// settleStream resolves the terminal event for a stream whose producer
// finished without emitting one. That only happens when cancellation won
// after the terminal decision, so runs not on the cancel path are left
// alone.
func (h *Handler) settleStream(runID string) (string, v1.Run, bool) {
	r, err := h.runs.Get(runID)
	if err != nil {
		return "", v1.Run{}, false
	}
	switch r.Status {
	case v1.RunStatusCancelling:
		final, err := h.runs.CancelRun(runID)
		if err != nil {
			return "", v1.Run{}, false
		}
		return v1.EventRunCancelled, final, true
	case v1.RunStatusCancelled:
		return v1.EventRunCancelled, r, true
	}
	return "", v1.Run{}, false
}

func isTerminalEvent(event string) bool {
	switch event {
	case v1.EventRunCompleted, v1.EventRunCancelled, v1.EventRunFailed:
		return true
	}
	return false
}

// execute drives one run end to end: spawn, handshake, session, prompt,
// finalize. It always leaves the run in a terminal state and returns the
// terminal snapshot. emit, when non-nil, receives the run's events in order.
func (h *Handler) execute(ctx context.Context, runID string, req CreateRunRequest, emit func(event string, payload interface{})) (v1.Run, *errors.AppError) {
	publish := func(event string, payload interface{}) {
		h.hub.Broadcast(event, runID, payload)
		if err := bus.PublishRunEvent(ctx, h.bus, event, runID, payload); err != nil {
			h.logger.Warn("failed to publish run event", zap.String("event", event), zap.Error(err))
		}
		if emit != nil {
			emit(event, payload)
		}
	}

	finalizeCancelled := func() v1.Run {
		final, err := h.runs.CancelRun(runID)
		if err != nil {
			// Agent-initiated cancellation: pass through cancelling first.
			if _, rerr := h.runs.RequestCancel(runID); rerr == nil {
				final, err = h.runs.CancelRun(runID)
			}
			if err != nil {
				final, _ = h.runs.Get(runID)
			}
		}
		publish(v1.EventRunCancelled, final)
		return final
	}

	fail := func(err error) (v1.Run, *errors.AppError) {
		// An agent failure that raced with a cancellation request still
		// finalizes as cancelled.
		if cur, gerr := h.runs.Get(runID); gerr == nil && cur.Status == v1.RunStatusCancelling {
			return finalizeCancelled(), nil
		}

		h.logger.Error("run failed", zap.String("run_id", runID), zap.Error(err))

		var data map[string]interface{}
		var agentErr *acp.AgentError
		if stderrors.As(err, &agentErr) && agentErr.Stderr != "" {
			data = map[string]interface{}{"stderr": agentErr.Stderr}
		}
		final, ferr := h.runs.FailRun(runID, "", err.Error(), data)
		if ferr != nil {
			final, _ = h.runs.Get(runID)
		}
		publish(v1.EventRunFailed, final)
		return final, errors.BadGateway("agent failed", err)
	}

	cfg, err := h.registry.Get(req.Agent)
	if err != nil {
		return fail(err)
	}

	conn, err := acp.NewConnection(cfg.Command, cfg.APIKey, h.logger)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			h.logger.Warn("failed to close agent connection", zap.Error(cerr))
		}
	}()

	if err := conn.Start(); err != nil {
		return fail(err)
	}

	// run.started goes out before the protocol handshake: a handshake
	// failure surfaces as run.failed on an already-started run.
	started, err := h.runs.StartRun(runID, conn)
	if err != nil {
		return fail(err)
	}
	publish(v1.EventRunStarted, started)

	if err := conn.Initialize(ctx); err != nil {
		return fail(err)
	}

	agentSessionID, persistentID, err := h.establishSession(ctx, conn, req)
	if err != nil {
		return fail(err)
	}
	if err := h.runs.SetSessionID(runID, agentSessionID); err != nil {
		h.logger.Warn("failed to record session id", zap.String("run_id", runID), zap.Error(err))
	}

	if persistentID != "" {
		if err := h.sessions.AppendMessage(ctx, persistentID, runID, req.Input); err != nil {
			h.logger.Warn("failed to persist input message", zap.String("session_id", persistentID), zap.Error(err))
		}
	}

	cancelCh, err := h.runs.CancelChanFor(runID)
	if err != nil {
		return fail(err)
	}

	// After the terminal decision is made, chunks from an orphaned request
	// must not produce further events.
	var terminal atomic.Bool
	onChunk := func(text string) {
		if terminal.Load() {
			return
		}
		if err := h.runs.AppendOutputPart(runID, text); err != nil {
			return
		}
		publish(v1.EventMessagePart, v1.MessagePartEvent{
			RunID: runID,
			Delta: v1.Delta{Type: "text", Text: text},
		})
	}

	prompt := make([]acp.ContentBlock, 0, len(req.Input.Content))
	for _, part := range req.Input.Content {
		prompt = append(prompt, acp.ContentBlock{Type: "text", Text: part.Text})
	}

	result, err := conn.Prompt(ctx, agentSessionID, prompt, onChunk, cancelCh)
	terminal.Store(true)

	switch {
	case err == nil:
		final, cerr := h.runs.CompleteRun(runID, result.StopReason)
		if cerr != nil {
			// The prompt finished but cancellation had already won.
			return finalizeCancelled(), nil
		}
		if persistentID != "" && final.Output != nil {
			if err := h.sessions.AppendMessage(ctx, persistentID, runID, *final.Output); err != nil {
				h.logger.Warn("failed to persist output message", zap.String("session_id", persistentID), zap.Error(err))
			}
		}
		publish(v1.EventRunCompleted, final)
		return final, nil

	case stderrors.Is(err, acp.ErrPromptCancelled), stderrors.Is(err, context.Canceled):
		return finalizeCancelled(), nil

	default:
		return fail(err)
	}
}

// establishSession sets up the agent-side session for the run. With no
// session_id a fresh throwaway session is created. With one, the persistent
// session is loaded or created and its agent session resumed when possible.
func (h *Handler) establishSession(ctx context.Context, conn *acp.Connection, req CreateRunRequest) (agentSessionID, persistentID string, err error) {
	if req.SessionID == "" {
		id, err := conn.StartSession(ctx, h.workDir, nil)
		return id, "", err
	}

	sess, err := h.sessions.GetOrCreate(ctx, req.SessionID, req.Agent, h.workDir)
	if err != nil {
		return "", "", err
	}

	if sess.AgentSessionID != "" {
		if lerr := conn.LoadSession(ctx, sess.AgentSessionID, h.workDir, nil, nil); lerr == nil {
			return sess.AgentSessionID, sess.ID, nil
		}
		h.logger.Warn("failed to load agent session, starting fresh",
			zap.String("session_id", sess.ID),
			zap.String("agent_session_id", sess.AgentSessionID))
	}

	id, err := conn.StartSession(ctx, h.workDir, nil)
	if err != nil {
		return "", "", err
	}
	if uerr := h.sessions.UpdateAgentSessionID(ctx, sess.ID, id); uerr != nil {
		h.logger.Warn("failed to record agent session id", zap.String("session_id", sess.ID), zap.Error(uerr))
	}
	return id, sess.ID, nil
}
