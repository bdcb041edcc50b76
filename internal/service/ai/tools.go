package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nhutbot/internal/models"
)

var webSearchLimiter = newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow)

func InitWebSearch(ctx context.Context) tool.InvokableTool {
	googleTool := InitGooglesearch(ctx)
	duckTool := InitDDGsearch(ctx)
	if googleTool == nil && duckTool == nil {
		log.Warn().Msg("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    webSearchLimiter,
	}

	info := &schema.ToolInfo{
		Name: string(models.ToolWebSearch),
		Desc: "Search the web for current information; " +
			"falls back to another provider if needed; " +
			"pass a URL to read that page directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *toolRateLimiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if w.limiter != nil {
		key := "global"
		if sessionID, ok := ToolSessionFromContext(ctx); ok {
			key = "session:" + sessionID
		}
		if !w.limiter.Allow(key) {
			return "", errors.New("web search rate limit exceeded, please retry in a minute")
		}
	}
	sink := citationSinkFromContext(ctx)

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			sink.add(models.Citation{URI: query, Title: query})
			return content, nil
		}
		log.Warn().Err(err).Str("url", query).Msg("web url loader failed")
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", errors.Wrap(err, "marshal search params")
	}
	payload := string(payloadBytes)

	for _, provider := range []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}} {
		if provider.tool == nil {
			continue
		}
		result, err := provider.tool.InvokableRun(ctx, payload)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider.name).Msg("web search failed")
			continue
		}
		sink.add(extractCitations(result)...)
		return result, nil
	}

	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch builds the token-free DuckDuckGo search tool.
func InitDDGsearch(ctx context.Context) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 5,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		log.Error().Err(err).Msg("duckduckgo search tool disabled")
		return nil
	}
	return duckTool
}

// InitGooglesearch builds the Google custom search tool when credentials are set.
func InitGooglesearch(ctx context.Context) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Debug().Msg("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Error().Err(err).Msg("google search tool disabled")
		return nil
	}
	return googleTool
}
