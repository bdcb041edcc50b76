package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"nhutbot/internal/models"
)

const (
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second
	webFetchMaxBody      = 512 * 1024
)

type citationSinkContextKey struct{}
type toolSessionContextKey struct{}

type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

// citationSink collects sources discovered by tools during one turn.
type citationSink struct {
	mu      sync.Mutex
	pending []models.Citation
}

func (s *citationSink) add(cites ...models.Citation) {
	if s == nil || len(cites) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, cites...)
	s.mu.Unlock()
}

// drain returns and clears the citations gathered since the last call.
func (s *citationSink) drain() []models.Citation {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func WithCitationSink(ctx context.Context, sink *citationSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, citationSinkContextKey{}, sink)
}

func citationSinkFromContext(ctx context.Context) *citationSink {
	sink, _ := ctx.Value(citationSinkContextKey{}).(*citationSink)
	return sink
}

// WithToolSession scopes tool rate limits to one conversation session.
func WithToolSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, sessionID)
}

func ToolSessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(toolSessionContextKey{}).(string)
	return id, ok && id != ""
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrap(err, "invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "nhutbot-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetch url: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBody))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// extractCitations walks a JSON search result and returns every object that
// carries a link and a title. Non-JSON results yield nothing.
func extractCitations(result string) []models.Citation {
	var doc interface{}
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return nil
	}
	var out []models.Citation
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch node := v.(type) {
		case map[string]interface{}:
			if uri := firstString(node, "link", "url", "URL", "href"); looksLikeURL(uri) {
				title := firstString(node, "title", "Title", "name")
				if title == "" {
					title = uri
				}
				out = append(out, models.Citation{URI: uri, Title: title})
				return
			}
			keys := make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(node[k])
			}
		case []interface{}:
			for _, child := range node {
				walk(child)
			}
		}
	}
	walk(doc)
	return out
}

func firstString(node map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := node[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
