// Package engine runs conversation turns against the generation port and
// keeps the session transcript, the chat handle and the persisted state in
// step.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nhutbot/internal/models"
	"nhutbot/internal/service/ai"
	"nhutbot/internal/service/assistant"
)

// State is the turn state of the engine.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
)

func (s State) String() string {
	if s == StateAwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}

// Options wires an Engine.
type Options struct {
	Generator       ai.Generator
	Store           *assistant.SessionStore
	Personalization *assistant.Personalization
	// Defaults seed every new session; language comes from personalization.
	Defaults models.SessionConfig
	// Greeting seeds new sessions with the locale greeting.
	Greeting bool
	// IdleTimeout fails a turn whose stream stays silent this long. Zero disables it.
	IdleTimeout time.Duration
}

// Submission is one user turn.
type Submission struct {
	Text       string
	Attachment *ai.Attachment
}

// Turn tracks one submitted turn until its reply is committed.
type Turn struct {
	SessionID   string
	UserMessage models.Message

	done  chan struct{}
	reply models.Message
	err   error
}

// Done is closed once the reply (or the error message) is in the transcript.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Result blocks until the turn finishes. On failure the reply is the
// error-flagged message and err tells why.
func (t *Turn) Result() (models.Message, error) {
	<-t.done
	return t.reply, t.err
}

func (t *Turn) finish(reply models.Message, err error) {
	t.reply = reply
	t.err = err
	close(t.done)
}

// Engine owns the active session and runs at most one turn at a time.
type Engine struct {
	gen      ai.Generator
	store    *assistant.SessionStore
	prefs    *assistant.Personalization
	defaults models.SessionConfig
	greeting bool
	idle     time.Duration

	mu         sync.Mutex
	state      State
	handle     *chatHandle
	cancelTurn context.CancelCauseFunc

	baseCtx context.Context
	stop    context.CancelFunc
	turns   sync.WaitGroup

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	newID func() string
	now   func() time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Generator == nil || opts.Store == nil || opts.Personalization == nil {
		return nil, errors.New("generator, store and personalization are required")
	}
	if err := opts.Defaults.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session defaults")
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		gen:       opts.Generator,
		store:     opts.Store,
		prefs:     opts.Personalization,
		defaults:  opts.Defaults,
		greeting:  opts.Greeting,
		idle:      opts.IdleTimeout,
		baseCtx:   base,
		stop:      stop,
		observers: make(map[int]Observer),
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		now:       models.Now,
	}, nil
}

// Subscribe registers obs and returns a function removing it.
func (e *Engine) Subscribe(obs Observer) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = obs
	e.obsMu.Unlock()
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, obs := range e.observers {
		obs(ev)
	}
}

// Start restores persisted state and activates the first stored session,
// creating one when none exist. A backend read failure is returned before
// anything is written, so stored sessions are never replaced by a fresh list.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Restore(ctx); err != nil {
		return err
	}
	if err := e.prefs.Restore(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	var sess *models.Session
	if sessions := e.store.Sessions(); len(sessions) > 0 {
		e.store.Activate(sessions[0].ID)
		sess = sessions[0]
		e.handle = e.newHandle(sess, seedAllButLast)
	} else {
		sess = e.createLocked(e.greeting)
	}
	e.mu.Unlock()

	e.persist()
	e.emit(Event{Type: EventSessionChanged, SessionID: sess.ID})
	log.Info().Str("session", sess.ID).Int("messages", len(sess.Messages)).Msg("engine started")
	return nil
}

// Close cancels any in-flight turn and waits for it to settle.
func (e *Engine) Close() {
	e.stop()
	e.turns.Wait()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Submit starts a turn on the active session. Empty submissions are ignored
// and return a nil Turn.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*Turn, error) {
	if sub.Attachment != nil && sub.Attachment.Data == "" {
		sub.Attachment = nil
	}
	if strings.TrimSpace(sub.Text) == "" && sub.Attachment == nil {
		return nil, nil
	}

	e.mu.Lock()
	if e.state == StateAwaitingResponse {
		e.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	sess, ok := e.store.Active()
	if !ok || e.handle == nil {
		e.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	userMsg := models.Message{
		ID:        e.newID(),
		Role:      models.RoleUser,
		Content:   sub.Text,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendMessage(sess.ID, userMsg); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	userTurn := ai.Turn{Role: models.RoleUser, Text: sub.Text, Attachment: sub.Attachment}
	req := e.handle.request(userTurn)

	// the turn outlives the submitting request but keeps its values
	turnCtx, cancel := context.WithCancelCause(ai.WithToolSession(context.WithoutCancel(ctx), sess.ID))
	e.state = StateAwaitingResponse
	e.cancelTurn = cancel
	e.turns.Add(1)
	e.mu.Unlock()

	turn := &Turn{SessionID: sess.ID, UserMessage: userMsg, done: make(chan struct{})}
	e.persist()
	e.emit(Event{Type: EventTurnStarted, SessionID: sess.ID, Message: &userMsg, Searching: sess.WebSearchEnabled})

	go e.run(turnCtx, cancel, turn, sess, userTurn, req)
	return turn, nil
}

func (e *Engine) run(ctx context.Context, cancel context.CancelCauseFunc, turn *Turn, sess *models.Session, userTurn ai.Turn, req ai.Request) {
	defer e.turns.Done()
	defer cancel(nil)
	stopOnClose := context.AfterFunc(e.baseCtx, func() { cancel(ErrTurnCancelled) })
	defer stopOnClose()

	placeholder := models.Message{ID: e.newID(), Role: models.RoleModel, CreatedAt: e.now()}
	e.emit(Event{Type: EventMessageUpdated, SessionID: sess.ID, Message: &placeholder, Searching: sess.WebSearchEnabled})

	result, err := e.stream(ctx, cancel, req, sess.WebSearchEnabled, func(p progress) {
		msg := placeholder
		msg.Content = p.Content
		msg.Citations = p.Citations
		e.emit(Event{Type: EventMessageUpdated, SessionID: sess.ID, Message: &msg, Searching: p.Searching})
	})
	if err != nil {
		e.fail(turn, sess, err)
		return
	}

	reply := placeholder
	reply.Content = result.Content
	reply.Citations = result.Citations

	e.mu.Lock()
	e.store.UpdateSessionTitleIfDefault(sess.ID, userTurn.Text)
	if err := e.store.AppendMessage(sess.ID, reply); err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("commit reply failed")
	}
	if e.handle != nil && e.handle.sessionID == sess.ID {
		e.handle.commit(userTurn, reply.Content)
	}
	e.settleLocked()
	e.mu.Unlock()

	e.persist()
	e.emit(Event{Type: EventTurnCompleted, SessionID: sess.ID, Message: &reply})
	turn.finish(reply, nil)
}

func (e *Engine) stream(ctx context.Context, cancel context.CancelCauseFunc, req ai.Request, searching bool, onUpdate func(progress)) (progress, error) {
	stream, err := e.gen.Open(ctx, req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return progress{}, cause
		}
		return progress{}, errors.Wrap(err, "open generation stream")
	}
	return aggregate(ctx, cancel, stream, searching, e.idle, onUpdate)
}

// fail appends one error-flagged reply in place of whatever was streamed.
func (e *Engine) fail(turn *Turn, sess *models.Session, cause error) {
	msg := models.Message{
		ID:        e.newID(),
		Role:      models.RoleModel,
		Content:   models.Translations(sess.Language).Error,
		CreatedAt: e.now(),
		IsError:   true,
	}
	log.Warn().Err(cause).Str("session", sess.ID).Msg("turn failed")

	e.mu.Lock()
	if err := e.store.AppendMessage(sess.ID, msg); err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("commit error reply failed")
	}
	e.settleLocked()
	e.mu.Unlock()

	e.persist()
	e.emit(Event{Type: EventTurnFailed, SessionID: sess.ID, Message: &msg, Err: cause})
	turn.finish(msg, cause)
}

func (e *Engine) settleLocked() {
	e.state = StateIdle
	e.cancelTurn = nil
}

// Cancel aborts the in-flight turn, which then fails like any other turn.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAwaitingResponse || e.cancelTurn == nil {
		return false
	}
	e.cancelTurn(ErrTurnCancelled)
	return true
}

func (e *Engine) persist() {
	if err := e.store.Persist(e.baseCtxForWrites()); err != nil {
		log.Error().Err(err).Msg("persist sessions failed; continuing in memory")
	}
}

// baseCtxForWrites outlives Close so a turn cancelled by shutdown is still saved.
func (e *Engine) baseCtxForWrites() context.Context {
	return context.WithoutCancel(e.baseCtx)
}

func (e *Engine) newHandle(sess *models.Session, seed seedMode) *chatHandle {
	st := e.prefs.Settings()
	return newChatHandle(handleInput{
		session: sess,
		settings: instructionSettings{
			mode:   st.Mode,
			custom: st.CustomInstruction,
			facts:  models.FactTexts(e.prefs.Facts()),
		},
		seed: seed,
	})
}

func (e *Engine) sessionDefaults() models.SessionConfig {
	cfg := e.defaults
	cfg.Language = e.prefs.Settings().Language
	return cfg
}

func (e *Engine) createLocked(greeting bool) *models.Session {
	sess := e.store.CreateSession(e.sessionDefaults(), greeting)
	e.handle = e.newHandle(sess, seedNone)
	return sess
}

// rebuildLocked re-derives the handle for the active session after a
// settings change, keeping the whole transcript.
func (e *Engine) rebuildLocked() {
	if sess, ok := e.store.Active(); ok {
		e.handle = e.newHandle(sess, seedAll)
	}
}

// CreateSession starts a new session and makes it active.
func (e *Engine) CreateSession(ctx context.Context) (*models.Session, error) {
	e.mu.Lock()
	if e.state == StateAwaitingResponse {
		e.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	sess := e.createLocked(e.greeting)
	e.mu.Unlock()

	e.persist()
	e.emit(Event{Type: EventSessionChanged, SessionID: sess.ID})
	return sess, nil
}

// LoadSession activates id. Unknown ids are a no-op reported as false.
func (e *Engine) LoadSession(ctx context.Context, id string) (*models.Session, bool, error) {
	e.mu.Lock()
	if e.state == StateAwaitingResponse {
		e.mu.Unlock()
		return nil, false, ErrTurnInFlight
	}
	if !e.store.Activate(id) {
		e.mu.Unlock()
		return nil, false, nil
	}
	sess, _ := e.store.Active()
	e.handle = e.newHandle(sess, seedAllButLast)
	e.mu.Unlock()

	e.emit(Event{Type: EventSessionChanged, SessionID: sess.ID})
	return sess, true, nil
}

// DeleteSession removes id. Deleting the last session leaves a fresh empty
// one active.
func (e *Engine) DeleteSession(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	if e.state == StateAwaitingResponse {
		e.mu.Unlock()
		return false, ErrTurnInFlight
	}
	wasActive := e.store.ActiveID() == id
	deleted, empty := e.store.DeleteSession(id)
	if !deleted {
		e.mu.Unlock()
		return false, nil
	}
	switch {
	case empty:
		e.createLocked(false)
	case wasActive:
		if sess, ok := e.store.Active(); ok {
			e.handle = e.newHandle(sess, seedAllButLast)
		}
	}
	activeID := e.store.ActiveID()
	e.mu.Unlock()

	e.persist()
	e.emit(Event{Type: EventSessionChanged, SessionID: activeID})
	return true, nil
}

// ApplySettings replaces the active session's generation settings.
func (e *Engine) ApplySettings(ctx context.Context, cfg models.SessionConfig) (*models.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.state == StateAwaitingResponse {
		e.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	id := e.store.ActiveID()
	if err := e.store.UpdateConfig(id, cfg); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.rebuildLocked()
	sess, _ := e.store.Active()
	e.mu.Unlock()

	e.persist()
	e.emit(Event{Type: EventSessionChanged, SessionID: id})
	return sess, nil
}

// SetLanguage switches the user language and the active session's locale.
func (e *Engine) SetLanguage(ctx context.Context, lang models.Language) error {
	st := e.prefs.Settings()
	st.Language = lang
	return e.SetPersonalization(ctx, st)
}

// SetPersonalization stores user settings. The language also applies to the
// active session.
func (e *Engine) SetPersonalization(ctx context.Context, st assistant.Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == StateAwaitingResponse {
		e.mu.Unlock()
		return ErrTurnInFlight
	}
	if err := e.prefs.SetSettings(ctx, st); err != nil {
		log.Error().Err(err).Msg("persist settings failed; continuing in memory")
	}
	sessionID := ""
	if sess, ok := e.store.Active(); ok && sess.Language != st.Language {
		cfg := sess.SessionConfig
		cfg.Language = st.Language
		if err := e.store.UpdateConfig(sess.ID, cfg); err != nil {
			log.Error().Err(err).Str("session", sess.ID).Msg("apply language failed")
		}
		sessionID = sess.ID
	}
	e.rebuildLocked()
	e.mu.Unlock()

	if sessionID != "" {
		e.persist()
		e.emit(Event{Type: EventSessionChanged, SessionID: sessionID})
	}
	return nil
}

// AddFact remembers text about the user for every later instruction.
func (e *Engine) AddFact(ctx context.Context, text string) (models.MemoryFact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateAwaitingResponse {
		return models.MemoryFact{}, ErrTurnInFlight
	}
	fact, err := e.prefs.AddFact(ctx, text)
	if fact.ID == "" {
		return fact, err
	}
	if err != nil {
		log.Error().Err(err).Msg("persist memory failed; continuing in memory")
	}
	e.rebuildLocked()
	return fact, nil
}

// RemoveFact forgets a fact; unknown ids report false.
func (e *Engine) RemoveFact(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateAwaitingResponse {
		return false, ErrTurnInFlight
	}
	removed, err := e.prefs.RemoveFact(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("persist memory failed; continuing in memory")
	}
	if removed {
		e.rebuildLocked()
	}
	return removed, nil
}

func (e *Engine) Sessions() []*models.Session { return e.store.Sessions() }

func (e *Engine) Session(id string) (*models.Session, bool) { return e.store.Session(id) }

func (e *Engine) ActiveSession() (*models.Session, bool) { return e.store.Active() }

func (e *Engine) Settings() assistant.Settings { return e.prefs.Settings() }

func (e *Engine) Facts() []models.MemoryFact { return e.prefs.Facts() }

// Export snapshots id, or the active session when id is empty.
func (e *Engine) Export(id string) (models.ExportDocument, error) {
	if id == "" {
		id = e.store.ActiveID()
	}
	return e.store.Export(id)
}
