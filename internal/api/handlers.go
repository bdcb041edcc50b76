package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nhutbot/internal/engine"
	"nhutbot/internal/models"
	"nhutbot/internal/service/ai"
	"nhutbot/internal/service/assistant"
)

const (
	maxUploadBytes = ai.MaxAttachmentBytes
	eventBuffer    = 256
)

// Handler wires HTTP routes to the session engine.
type Handler struct {
	engine   *engine.Engine
	keys     *assistant.KeyStore
	models   []ModelInfo
	fileBase string
}

// ModelInfo describes a selectable model.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// NewHandler constructs a Handler. Uploaded files are staged under fileBase.
func NewHandler(eng *engine.Engine, keys *assistant.KeyStore, modelList []ModelInfo, fileBase string) *Handler {
	return &Handler{engine: eng, keys: keys, models: modelList, fileBase: fileBase}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/models", h.listModels)

	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:session_id", h.getSession)
	api.DELETE("/sessions/:session_id", h.deleteSession)
	api.POST("/sessions/:session_id/load", h.loadSession)
	api.GET("/sessions/:session_id/export", h.exportSession)

	api.GET("/active", h.activeSession)
	api.PUT("/active/settings", h.applySettings)

	api.POST("/chat", h.chat)
	api.POST("/chat/cancel", h.cancelTurn)

	api.GET("/settings", h.getSettings)
	api.PUT("/settings", h.putSettings)
	api.GET("/memory", h.listFacts)
	api.POST("/memory", h.addFact)
	api.DELETE("/memory/:fact_id", h.removeFact)

	api.GET("/tokens", h.listTokens)
	api.POST("/tokens", h.setToken)
	api.DELETE("/tokens/:provider", h.deleteToken)
}

// abortOnEngineError maps engine errors to statuses and reports whether it wrote a response.
func abortOnEngineError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, engine.ErrTurnInFlight):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrNoActiveSession), errors.Is(err, assistant.ErrSessionNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
	return true
}

func (h *Handler) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.models})
}

type sessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ModelID      string    `json:"model_id"`
	MessageCount int       `json:"message_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions := h.engine.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			ID:           s.ID,
			Title:        s.Title,
			ModelID:      s.ModelID,
			MessageCount: len(s.Messages),
			LastUpdated:  s.LastUpdated,
		})
	}
	activeID := ""
	if active, ok := h.engine.ActiveSession(); ok {
		activeID = active.ID
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "active_id": activeID})
}

func (h *Handler) createSession(c *gin.Context) {
	sess, err := h.engine.CreateSession(c.Request.Context())
	if abortOnEngineError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) getSession(c *gin.Context) {
	sess, ok := h.engine.Session(c.Param("session_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) loadSession(c *gin.Context) {
	sess, ok, err := h.engine.LoadSession(c.Request.Context(), c.Param("session_id"))
	if abortOnEngineError(c, err) {
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) deleteSession(c *gin.Context) {
	deleted, err := h.engine.DeleteSession(c.Request.Context(), c.Param("session_id"))
	if abortOnEngineError(c, err) {
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) exportSession(c *gin.Context) {
	format := models.ExportFormat(strings.ToLower(c.DefaultQuery("format", string(models.ExportJSON))))
	doc, err := h.engine.Export(c.Param("session_id"))
	if abortOnEngineError(c, err) {
		return
	}
	data, err := doc.Encode(format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "nhutbot-"+doc.ID+"."+string(format)))
	c.Data(http.StatusOK, format.ContentType(), data)
}

func (h *Handler) activeSession(c *gin.Context) {
	sess, ok := h.engine.ActiveSession()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "state": h.engine.State().String()})
}

func (h *Handler) applySettings(c *gin.Context) {
	var cfg models.SessionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := h.engine.ApplySettings(c.Request.Context(), cfg)
	if abortOnEngineError(c, err) {
		return
	}
	c.JSON(http.StatusOK, sess)
}

type chatRequest struct {
	Text string `json:"text" form:"text"`
}

// chat submits a turn and streams its progress as server-sent events:
// ack, update (repeated), then done or error.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	sub := engine.Submission{}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		loaded, err := h.stageUpload(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if loaded != nil {
			sub.Attachment = loaded.Attachment
			req.Text = loaded.WithDocument(req.Text)
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sub.Text = req.Text

	events := make(chan engine.Event, eventBuffer)
	unsubscribe := h.engine.Subscribe(func(ev engine.Event) {
		select {
		case events <- ev:
		default:
			// updates replace content wholesale; a dropped one is superseded
		}
	})
	defer unsubscribe()

	turn, err := h.engine.Submit(c.Request.Context(), sub)
	if abortOnEngineError(c, err) {
		return
	}
	if turn == nil {
		c.Status(http.StatusNoContent)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	forward := func(ev engine.Event) error {
		if ev.Type != engine.EventMessageUpdated {
			return nil
		}
		return sendEvent("update", gin.H{"message": ev.Message, "searching": ev.Searching})
	}

	if err := sendEvent("ack", gin.H{"session_id": turn.SessionID, "message": turn.UserMessage}); err != nil {
		return
	}
	for {
		select {
		case ev := <-events:
			if err := forward(ev); err != nil {
				return
			}
		case <-turn.Done():
			for drained := false; !drained; {
				select {
				case ev := <-events:
					if forward(ev) != nil {
						return
					}
				default:
					drained = true
				}
			}
			reply, turnErr := turn.Result()
			if turnErr != nil {
				_ = sendEvent("error", gin.H{"message": reply, "error": turnErr.Error()})
				return
			}
			payload := gin.H{"message": reply}
			if sess, ok := h.engine.Session(turn.SessionID); ok {
				payload["title"] = sess.Title
			}
			_ = sendEvent("done", payload)
			return
		case <-c.Request.Context().Done():
			// the turn keeps running and is persisted without this client
			return
		}
	}
}

// stageUpload writes the optional "file" form field to disk and loads it as
// an attachment. The staged copy is removed afterwards.
func (h *Handler) stageUpload(c *gin.Context) (*ai.LoadedFile, error) {
	file, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read upload")
	}
	if file.Size > maxUploadBytes {
		return nil, errors.New("file too large")
	}
	dir := filepath.Join(h.fileBase, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create upload directory")
	}
	staged, err := os.CreateTemp(dir, "upload-*"+filepath.Ext(file.Filename))
	if err != nil {
		return nil, errors.Wrap(err, "stage upload")
	}
	path := staged.Name()
	_ = staged.Close()
	defer os.Remove(path)
	if err := c.SaveUploadedFile(file, path); err != nil {
		return nil, errors.Wrap(err, "save upload")
	}
	loaded, err := ai.LoadAttachment(c.Request.Context(), path)
	if err != nil {
		return nil, err
	}
	loaded.Name = filepath.Base(file.Filename)
	return loaded, nil
}

func (h *Handler) cancelTurn(c *gin.Context) {
	if !h.engine.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "no turn in flight"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Settings())
}

func (h *Handler) putSettings(c *gin.Context) {
	var st assistant.Settings
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if abortOnEngineError(c, h.engine.SetPersonalization(c.Request.Context(), st)) {
		return
	}
	c.JSON(http.StatusOK, h.engine.Settings())
}

func (h *Handler) listFacts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"facts": h.engine.Facts()})
}

func (h *Handler) addFact(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	fact, err := h.engine.AddFact(c.Request.Context(), req.Text)
	if abortOnEngineError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, fact)
}

func (h *Handler) removeFact(c *gin.Context) {
	removed, err := h.engine.RemoveFact(c.Request.Context(), c.Param("fact_id"))
	if abortOnEngineError(c, err) {
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "fact not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handle api token
func (h *Handler) setToken(c *gin.Context) {
	var req struct {
		Provider string `json:"provider"`
		Token    string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.keys.SetAPIKey(c.Request.Context(), req.Provider, req.Token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listTokens(c *gin.Context) {
	providers, err := h.keys.Providers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (h *Handler) deleteToken(c *gin.Context) {
	if err := h.keys.DeleteAPIKey(c.Request.Context(), c.Param("provider")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// RequestLogger logs each request through zerolog.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}

// Shutdown stops srv, waiting at most timeout for open streams.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
