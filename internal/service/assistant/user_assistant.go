package assistant

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nhutbot/internal/models"
	"nhutbot/internal/storage"
)

// Settings is the user-level personalization applied to every session.
type Settings struct {
	Language          models.Language `json:"language" yaml:"language"`
	Mode              models.Mode     `json:"mode" yaml:"mode"`
	CustomInstruction string          `json:"custom_instruction" yaml:"custom_instruction"`
}

func (s Settings) Validate() error {
	if !s.Language.Valid() {
		return errors.Errorf("unsupported language %q", s.Language)
	}
	if !s.Mode.Valid() {
		return errors.Errorf("unsupported mode %q", s.Mode)
	}
	return nil
}

// Personalization keeps the user's settings and remembered facts. Facts are
// only ever appended or explicitly removed.
type Personalization struct {
	kv storage.KV

	mu       sync.RWMutex
	settings Settings
	facts    []models.MemoryFact

	// writeMu spans mutation and write so records reach storage in order.
	writeMu sync.Mutex

	now   func() time.Time
	newID func() string
}

func NewPersonalization(kv storage.KV, defaults Settings) *Personalization {
	if !defaults.Language.Valid() {
		defaults.Language = models.DefaultLanguage
	}
	return &Personalization{
		kv:       kv,
		settings: defaults,
		facts:    []models.MemoryFact{},
		now:      models.Now,
		newID:    newID,
	}
}

// Restore loads settings and facts. Unreadable records keep the defaults.
func (p *Personalization) Restore(ctx context.Context) error {
	var settings Settings
	found, err := p.load(ctx, storage.KeySettings, &settings)
	if err != nil {
		return err
	}
	if found {
		if err := settings.Validate(); err != nil {
			log.Warn().Err(err).Msg("stored settings are invalid, keeping defaults")
		} else {
			p.mu.Lock()
			p.settings = settings
			p.mu.Unlock()
		}
	}

	var facts []models.MemoryFact
	found, err = p.load(ctx, storage.KeyMemory, &facts)
	if err != nil {
		return err
	}
	if found && facts != nil {
		p.mu.Lock()
		p.facts = facts
		p.mu.Unlock()
	}
	return nil
}

func (p *Personalization) load(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := p.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "restore %s", key)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("stored record is corrupt, ignoring")
		return false, nil
	}
	return true, nil
}

func (p *Personalization) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// SetSettings validates and stores s. The new value is kept even if the
// write fails; the write error is returned.
func (p *Personalization) SetSettings(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()
	return p.save(ctx, storage.KeySettings, s)
}

func (p *Personalization) Facts() []models.MemoryFact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]models.MemoryFact{}, p.facts...)
}

// AddFact remembers text about the user.
func (p *Personalization) AddFact(ctx context.Context, text string) (models.MemoryFact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.MemoryFact{}, errors.New("fact text is required")
	}
	fact := models.MemoryFact{ID: p.newID(), Text: text, CreatedAt: p.now()}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.Lock()
	p.facts = append(p.facts, fact)
	snapshot := append([]models.MemoryFact{}, p.facts...)
	p.mu.Unlock()
	return fact, p.save(ctx, storage.KeyMemory, snapshot)
}

// RemoveFact forgets the fact with id; unknown ids report false.
func (p *Personalization) RemoveFact(ctx context.Context, id string) (bool, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.Lock()
	idx := -1
	for i, f := range p.facts {
		if f.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false, nil
	}
	p.facts = append(p.facts[:idx], p.facts[idx+1:]...)
	snapshot := append([]models.MemoryFact{}, p.facts...)
	p.mu.Unlock()
	return true, p.save(ctx, storage.KeyMemory, snapshot)
}

func (p *Personalization) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return errors.Wrapf(p.kv.Set(ctx, key, data), "persist %s", key)
}

// KeyStore keeps provider API tokens encrypted at rest.
type KeyStore struct {
	kv     storage.KV
	cipher *tokenCipher
	mu     sync.Mutex
}

// NewKeyStore reads key material from NHUTBOT_APIKEY_KEY. Without it the
// store can still read legacy plaintext tokens but refuses to write.
func NewKeyStore(kv storage.KV) (*KeyStore, error) {
	c, err := newTokenCipherFromEnv()
	if err != nil && !errors.Is(err, errNoTokenKey) {
		return nil, err
	}
	return &KeyStore{kv: kv, cipher: c}, nil
}

func (k *KeyStore) tokens(ctx context.Context) (map[string]string, error) {
	data, err := k.kv.Get(ctx, storage.KeyAPIKeys)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup api tokens")
	}
	tokens := map[string]string{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, errors.Wrap(err, "decode api tokens")
	}
	return tokens, nil
}

// APIKey returns the token stored for provider, or "" when none is stored.
func (k *KeyStore) APIKey(ctx context.Context, provider string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", errors.New("provider is required")
	}
	k.mu.Lock()
	tokens, err := k.tokens(ctx)
	k.mu.Unlock()
	if err != nil {
		return "", err
	}
	stored := tokens[provider]
	if stored == "" || !isSealed(stored) {
		return stored, nil
	}
	if k.cipher == nil {
		return "", errNoTokenKey
	}
	return k.cipher.Decrypt(stored)
}

// SetAPIKey encrypts and stores token for provider.
func (k *KeyStore) SetAPIKey(ctx context.Context, provider, token string) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	if k.cipher == nil {
		return errNoTokenKey
	}
	sealed, err := k.cipher.Encrypt(token)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	tokens, err := k.tokens(ctx)
	if err != nil {
		return err
	}
	tokens[provider] = sealed
	return k.write(ctx, tokens)
}

// DeleteAPIKey removes the token for provider.
func (k *KeyStore) DeleteAPIKey(ctx context.Context, provider string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	tokens, err := k.tokens(ctx)
	if err != nil {
		return err
	}
	if _, ok := tokens[provider]; !ok {
		return errors.New("token not found")
	}
	delete(tokens, provider)
	return k.write(ctx, tokens)
}

// Providers lists providers with a stored token.
func (k *KeyStore) Providers(ctx context.Context) ([]string, error) {
	k.mu.Lock()
	tokens, err := k.tokens(ctx)
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tokens))
	for p := range tokens {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (k *KeyStore) write(ctx context.Context, tokens map[string]string) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return errors.Wrap(err, "encode api tokens")
	}
	return errors.Wrap(k.kv.Set(ctx, storage.KeyAPIKeys, data), "store tokens")
}
