package assistant

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nhutbot/internal/models"
	"nhutbot/internal/storage"
)

// ErrSessionNotFound is returned when an operation names an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore owns the ordered session list and the active session id.
// Newest sessions come first.
type SessionStore struct {
	kv storage.KV

	mu       sync.RWMutex
	sessions []*models.Session
	activeID string

	// persistMu orders writes: each one snapshots after the previous write
	// finished, so a slow write never lands on top of a newer list.
	persistMu sync.Mutex

	now   func() time.Time
	newID func() string
}

func NewSessionStore(kv storage.KV) *SessionStore {
	return &SessionStore{
		kv:    kv,
		now:   models.Now,
		newID: newID,
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Restore replaces the in-memory list with the persisted one. A missing or
// unreadable record yields an empty list; only backend failures are returned.
func (s *SessionStore) Restore(ctx context.Context) error {
	data, err := s.kv.Get(ctx, storage.KeySessions)
	var sessions []*models.Session
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.replace(nil)
		return errors.Wrap(err, "restore sessions")
	default:
		if err := json.Unmarshal(data, &sessions); err != nil {
			log.Warn().Err(err).Msg("stored sessions are corrupt, starting empty")
			sessions = nil
		}
	}
	s.replace(sessions)
	return nil
}

func (s *SessionStore) replace(sessions []*models.Session) {
	kept := make([]*models.Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess == nil || sess.ID == "" {
			continue
		}
		if sess.Messages == nil {
			sess.Messages = []models.Message{}
		}
		kept = append(kept, sess)
	}
	s.mu.Lock()
	s.sessions = kept
	s.activeID = ""
	s.mu.Unlock()
}

// CreateSession prepends a fresh session built from cfg and makes it active.
func (s *SessionStore) CreateSession(cfg models.SessionConfig, greeting bool) *models.Session {
	now := s.now()
	strs := models.Translations(cfg.Language)
	sess := &models.Session{
		ID:            s.newID(),
		Title:         strs.NewChat,
		Messages:      []models.Message{},
		SessionConfig: cfg,
		LastUpdated:   now,
	}
	if greeting {
		sess.Messages = append(sess.Messages, models.Message{
			ID:        s.newID(),
			Role:      models.RoleModel,
			Content:   strs.Greeting,
			CreatedAt: now,
		})
	}

	s.mu.Lock()
	s.sessions = append([]*models.Session{sess}, s.sessions...)
	s.activeID = sess.ID
	s.mu.Unlock()
	return sess.Clone()
}

// Activate marks id as active. Unknown ids leave the store untouched.
func (s *SessionStore) Activate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(id) < 0 {
		return false
	}
	s.activeID = id
	return true
}

// DeleteSession removes id. When the active session goes, the most recently
// updated survivor is promoted; empty reports that nothing remains.
func (s *SessionStore) DeleteSession(id string) (deleted bool, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.find(id)
	if idx < 0 {
		return false, len(s.sessions) == 0
	}
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	if len(s.sessions) == 0 {
		s.activeID = ""
		return true, true
	}
	if s.activeID == id {
		newest := s.sessions[0]
		for _, sess := range s.sessions[1:] {
			if sess.LastUpdated.After(newest.LastUpdated) {
				newest = sess
			}
		}
		s.activeID = newest.ID
	}
	return true, false
}

// UpdateSessionTitleIfDefault retitles id from candidate while the session
// still carries a NewChat label.
func (s *SessionStore) UpdateSessionTitleIfDefault(id, candidate string) bool {
	title := models.TruncateTitle(candidate)
	if title == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.find(id)
	if idx < 0 || !models.IsDefaultTitle(s.sessions[idx].Title) {
		return false
	}
	s.sessions[idx].Title = title
	return true
}

// AppendMessage adds msg to the end of the transcript of id.
func (s *SessionStore) AppendMessage(id string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.find(id)
	if idx < 0 {
		return ErrSessionNotFound
	}
	sess := s.sessions[idx]
	sess.Messages = append(sess.Messages, msg.Clone())
	sess.LastUpdated = s.now()
	return nil
}

// UpdateConfig replaces the generation settings of id.
func (s *SessionStore) UpdateConfig(id string, cfg models.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.find(id)
	if idx < 0 {
		return ErrSessionNotFound
	}
	s.sessions[idx].SessionConfig = cfg
	s.sessions[idx].LastUpdated = s.now()
	return nil
}

// Persist writes the full session list. The in-memory state stays
// authoritative whether or not the write succeeds.
func (s *SessionStore) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	data, err := json.Marshal(s.sessions)
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "encode sessions")
	}
	if err := s.kv.Set(ctx, storage.KeySessions, data); err != nil {
		return errors.Wrap(err, "persist sessions")
	}
	return nil
}

// Sessions returns copies of every session in list order.
func (s *SessionStore) Sessions() []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

func (s *SessionStore) Session(id string) (*models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.find(id)
	if idx < 0 {
		return nil, false
	}
	return s.sessions[idx].Clone(), true
}

// Active returns a copy of the active session.
func (s *SessionStore) Active() (*models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.find(s.activeID)
	if idx < 0 {
		return nil, false
	}
	return s.sessions[idx].Clone(), true
}

func (s *SessionStore) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

func (s *SessionStore) Export(id string) (models.ExportDocument, error) {
	sess, ok := s.Session(id)
	if !ok {
		return models.ExportDocument{}, ErrSessionNotFound
	}
	return models.NewExportDocument(sess, s.now()), nil
}

// find must be called with mu held.
func (s *SessionStore) find(id string) int {
	if id == "" {
		return -1
	}
	for i, sess := range s.sessions {
		if sess.ID == id {
			return i
		}
	}
	return -1
}
