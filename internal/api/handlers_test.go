package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"nhutbot/internal/engine"
	"nhutbot/internal/models"
	"nhutbot/internal/service/ai"
	"nhutbot/internal/service/assistant"
	"nhutbot/internal/storage"
)

type mockGenerator struct {
	mu       sync.Mutex
	gate     chan struct{}
	fail     bool
	requests []ai.Request
}

func (m *mockGenerator) Open(ctx context.Context, req ai.Request) (ai.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	s := &mockStream{ctx: ctx, gate: m.gate, fail: m.fail}
	m.gate = nil
	m.fail = false
	return s, nil
}

type mockStream struct {
	ctx  context.Context
	gate chan struct{}
	fail bool
	sent int
}

func (s *mockStream) Recv() (ai.Fragment, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return ai.Fragment{}, s.ctx.Err()
		}
		s.gate = nil
	}
	s.sent++
	switch {
	case s.fail && s.sent == 2:
		return ai.Fragment{}, io.ErrUnexpectedEOF
	case s.sent == 1:
		return ai.Fragment{Text: "Mock", Citations: []models.Citation{{URI: "https://example.com", Title: "Example"}}}, nil
	case s.sent == 2:
		return ai.Fragment{Text: " response"}, nil
	}
	return ai.Fragment{}, io.EOF
}

func (s *mockStream) Close() error { return nil }

func newTestServer(t *testing.T) (*gin.Engine, *Handler, *mockGenerator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("NHUTBOT_APIKEY_KEY", strings.Repeat("k", 32))

	kv := storage.NewMemoryStore()
	gen := &mockGenerator{}
	eng, err := engine.New(engine.Options{
		Generator:       gen,
		Store:           assistant.NewSessionStore(kv),
		Personalization: assistant.NewPersonalization(kv, assistant.Settings{Language: models.LanguageEN}),
		Defaults: models.SessionConfig{
			ModelID:     "gemini-3-flash-preview",
			Temperature: 0.7,
			Language:    models.LanguageEN,
		},
		Greeting: true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Close)
	keys, err := assistant.NewKeyStore(kv)
	if err != nil {
		t.Fatalf("new key store: %v", err)
	}

	handler := NewHandler(eng, keys, []ModelInfo{{ID: "gemini-3-flash-preview", Name: "Gemini 3 Flash", Provider: "gemini"}}, t.TempDir())
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, handler, gen
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.Name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func TestChatStreamsAndCommits(t *testing.T) {
	router, _, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]string{"text": "Hello"}, nil)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, resp.Body.String())
	if len(events) < 3 || events[0].Name != "ack" || events[len(events)-1].Name != "done" {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
	var done struct {
		Message models.Message `json:"message"`
		Title   string         `json:"title"`
	}
	decodeJSON(t, []byte(events[len(events)-1].Data), &done)
	if done.Message.Content != "Mock response" || done.Title != "Hello" {
		t.Fatalf("unexpected done payload: %+v", done)
	}
	if len(done.Message.Citations) != 1 || done.Message.Citations[0].URI != "https://example.com" {
		t.Fatalf("citations missing from reply: %+v", done.Message.Citations)
	}

	active := doJSONRequest(t, router, http.MethodGet, "/api/active", nil, nil)
	assertStatus(t, active, http.StatusOK)
	var body struct {
		Session models.Session `json:"session"`
		State   string         `json:"state"`
	}
	decodeJSON(t, active.Body.Bytes(), &body)
	if len(body.Session.Messages) != 3 || body.State != "idle" {
		t.Fatalf("unexpected active session: %d messages, state %s", len(body.Session.Messages), body.State)
	}
}

func TestChatFailureEmitsErrorEvent(t *testing.T) {
	router, _, gen := newTestServer(t)
	gen.fail = true

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]string{"text": "Hello"}, nil)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Name != "error" {
		t.Fatalf("expected error event, got %+v", events)
	}
	var payload struct {
		Message models.Message `json:"message"`
	}
	decodeJSON(t, []byte(last.Data), &payload)
	if !payload.Message.IsError || payload.Message.Content != models.Translations(models.LanguageEN).Error {
		t.Fatalf("unexpected error message: %+v", payload.Message)
	}
}

func TestEmptyChatIsNoContent(t *testing.T) {
	router, _, gen := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]string{"text": "  "}, nil)
	assertStatus(t, resp, http.StatusNoContent)
	if len(gen.requests) != 0 {
		t.Fatalf("generator should not be called")
	}
}

func TestChatWithUploadedDocument(t *testing.T) {
	router, _, gen := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("text", "summarise")
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte("buy milk"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)

	turn := gen.requests[0].Turn
	if !strings.Contains(turn.Text, "summarise") || !strings.Contains(turn.Text, "buy milk") {
		t.Fatalf("document not folded into turn text: %q", turn.Text)
	}
}

func TestSessionLifecycle(t *testing.T) {
	router, _, _ := newTestServer(t)

	created := doJSONRequest(t, router, http.MethodPost, "/api/sessions", nil, nil)
	assertStatus(t, created, http.StatusCreated)
	var sess models.Session
	decodeJSON(t, created.Body.Bytes(), &sess)

	list := doJSONRequest(t, router, http.MethodGet, "/api/sessions", nil, nil)
	assertStatus(t, list, http.StatusOK)
	var listBody struct {
		Sessions []sessionSummary `json:"sessions"`
		ActiveID string           `json:"active_id"`
	}
	decodeJSON(t, list.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 2 || listBody.ActiveID != sess.ID || listBody.Sessions[0].ID != sess.ID {
		t.Fatalf("unexpected session list: %+v", listBody)
	}
	older := listBody.Sessions[1].ID

	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/sessions/missing/load", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/sessions/"+older+"/load", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/sessions/missing", nil, nil), http.StatusNotFound)

	settings := models.SessionConfig{ModelID: "gemini-3-flash-preview", Temperature: 0.3, Language: models.LanguageEN, WebSearchEnabled: true}
	assertStatus(t, doJSONRequest(t, router, http.MethodPut, "/api/active/settings", settings, nil), http.StatusOK)
	settings.Temperature = 3
	assertStatus(t, doJSONRequest(t, router, http.MethodPut, "/api/active/settings", settings, nil), http.StatusBadRequest)

	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/sessions/"+older, nil, nil), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/sessions/"+older, nil, nil), http.StatusNotFound)
}

func TestExportFormats(t *testing.T) {
	router, handler, _ := newTestServer(t)
	active, _ := handler.engine.ActiveSession()

	jsonResp := doJSONRequest(t, router, http.MethodGet, "/api/sessions/"+active.ID+"/export", nil, nil)
	assertStatus(t, jsonResp, http.StatusOK)
	var doc map[string]interface{}
	decodeJSON(t, jsonResp.Body.Bytes(), &doc)
	if doc["id"] != active.ID || doc["exported_at"] == nil {
		t.Fatalf("unexpected export document: %v", doc)
	}

	yamlResp := doJSONRequest(t, router, http.MethodGet, "/api/sessions/"+active.ID+"/export?format=yaml", nil, nil)
	assertStatus(t, yamlResp, http.StatusOK)
	var ydoc map[string]interface{}
	if err := yaml.Unmarshal(yamlResp.Body.Bytes(), &ydoc); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if ydoc["title"] != "New Chat" {
		t.Fatalf("unexpected yaml export: %v", ydoc)
	}

	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/sessions/"+active.ID+"/export?format=xml", nil, nil), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/sessions/missing/export", nil, nil), http.StatusNotFound)
}

func TestConflictWhileTurnInFlight(t *testing.T) {
	router, handler, gen := newTestServer(t)
	gate := make(chan struct{})
	gen.gate = gate

	turn, err := handler.engine.Submit(context.Background(), engine.Submission{Text: "slow"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/sessions", nil, nil), http.StatusConflict)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]string{"text": "again"}, nil), http.StatusConflict)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/memory", map[string]string{"text": "x"}, nil), http.StatusConflict)

	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/chat/cancel", nil, nil), http.StatusAccepted)
	if _, err := turn.Result(); err == nil {
		t.Fatalf("cancelled turn should fail")
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/chat/cancel", nil, nil), http.StatusConflict)
}

func TestPersonalizationAndMemory(t *testing.T) {
	router, _, _ := newTestServer(t)

	put := doJSONRequest(t, router, http.MethodPut, "/api/settings", assistant.Settings{Language: models.LanguageVI, Mode: models.ModeLearning}, nil)
	assertStatus(t, put, http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodPut, "/api/settings", map[string]string{"language": "xx"}, nil), http.StatusBadRequest)

	added := doJSONRequest(t, router, http.MethodPost, "/api/memory", map[string]string{"text": "likes pho"}, nil)
	assertStatus(t, added, http.StatusCreated)
	var fact models.MemoryFact
	decodeJSON(t, added.Body.Bytes(), &fact)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/memory", map[string]string{"text": ""}, nil), http.StatusBadRequest)

	list := doJSONRequest(t, router, http.MethodGet, "/api/memory", nil, nil)
	assertStatus(t, list, http.StatusOK)
	if !strings.Contains(list.Body.String(), "likes pho") {
		t.Fatalf("fact missing from list: %s", list.Body.String())
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/memory/"+fact.ID, nil, nil), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/memory/"+fact.ID, nil, nil), http.StatusNotFound)
}

func TestTokenRoutes(t *testing.T) {
	router, _, _ := newTestServer(t)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/tokens", map[string]string{"provider": "gemini", "token": "secret"}, nil), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/tokens", map[string]string{"provider": "gemini"}, nil), http.StatusBadRequest)

	list := doJSONRequest(t, router, http.MethodGet, "/api/tokens", nil, nil)
	assertStatus(t, list, http.StatusOK)
	if strings.Contains(list.Body.String(), "secret") || !strings.Contains(list.Body.String(), "gemini") {
		t.Fatalf("unexpected token listing: %s", list.Body.String())
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/tokens/gemini", nil, nil), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/tokens/gemini", nil, nil), http.StatusNotFound)
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
