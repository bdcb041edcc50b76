package ai

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nhutbot/internal/config"
)

// KeySource resolves a stored API key for a provider.
type KeySource interface {
	APIKey(ctx context.Context, provider string) (string, error)
}

// Factory builds a Generator for one provider, model and token.
type Factory func(ctx context.Context, provider, modelID string, cfg config.ProviderConfig, token string) (Generator, error)

// Router dispatches requests to the generator serving the requested model,
// building each one on first use.
type Router struct {
	cfg     *config.Config
	keys    KeySource
	factory Factory

	mu         sync.Mutex
	generators map[string]Generator
}

func NewRouter(cfg *config.Config, keys KeySource) *Router {
	return &Router{
		cfg:        cfg,
		keys:       keys,
		factory:    DefaultFactory,
		generators: make(map[string]Generator),
	}
}

// WithFactory replaces the generator constructor.
func (r *Router) WithFactory(f Factory) *Router {
	r.factory = f
	return r
}

// DefaultFactory wires gemini through genai and everything else through eino.
func DefaultFactory(ctx context.Context, provider, modelID string, cfg config.ProviderConfig, token string) (Generator, error) {
	if provider == "gemini" {
		return NewGeminiGenerator(ctx, token, cfg.BaseURL)
	}
	return NewEinoGenerator(ctx, provider, modelID, cfg.BaseURL, token)
}

func (r *Router) Open(ctx context.Context, req Request) (Stream, error) {
	gen, err := r.ensureGenerator(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	return gen.Open(ctx, req)
}

func (r *Router) ensureGenerator(ctx context.Context, modelID string) (Generator, error) {
	provider, ok := r.cfg.Provider(modelID)
	if !ok {
		return nil, errors.Errorf("model %q is not configured", modelID)
	}
	provCfg := r.cfg.Providers[provider]
	token, err := r.token(ctx, provider, provCfg)
	if err != nil {
		return nil, err
	}

	// genai clients serve any model; eino chat models are bound to one
	cacheKey := provider + "\x00" + token
	if provider != "gemini" {
		cacheKey += "\x00" + modelID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen, ok := r.generators[cacheKey]; ok {
		return gen, nil
	}
	gen, err := r.factory(ctx, provider, modelID, provCfg, token)
	if err != nil {
		return nil, errors.Wrapf(err, "init %s generator", provider)
	}
	r.generators[cacheKey] = gen
	log.Debug().Str("provider", provider).Str("model", modelID).Msg("generator initialised")
	return gen, nil
}

func (r *Router) token(ctx context.Context, provider string, provCfg config.ProviderConfig) (string, error) {
	if provCfg.APIKey != "" {
		return provCfg.APIKey, nil
	}
	if r.keys != nil {
		token, err := r.keys.APIKey(ctx, provider)
		if err != nil {
			return "", errors.Wrapf(err, "load %s api key", provider)
		}
		if token != "" {
			return token, nil
		}
	}
	if token := os.Getenv(strings.ToUpper(provider) + "_API_KEY"); token != "" {
		return token, nil
	}
	return "", errors.Errorf("no api key configured for provider %s", provider)
}
