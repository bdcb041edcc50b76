package engine

import (
	"nhutbot/internal/instruction"
	"nhutbot/internal/models"
	"nhutbot/internal/service/ai"
)

// chatHandle is the provider-side view of the active session: the model,
// generation settings and the turns already answered.
type chatHandle struct {
	sessionID string
	modelID   string
	config    ai.Config
	history   []ai.Turn
}

// seedMode selects which transcript messages become prior turns.
type seedMode int

const (
	// seedNone starts a fresh conversation, used for new sessions.
	seedNone seedMode = iota
	// seedAllButLast treats the last message as already answered, used on load.
	seedAllButLast
	// seedAll keeps the whole transcript, used on settings changes.
	seedAll
)

// handleInput is everything a handle is derived from.
type handleInput struct {
	session  *models.Session
	settings instructionSettings
	seed     seedMode
}

type instructionSettings struct {
	mode   models.Mode
	custom string
	facts  []string
}

func newChatHandle(in handleInput) *chatHandle {
	sess := in.session
	mode := sess.Mode
	if mode == "" {
		mode = in.settings.mode
	}
	custom := sess.CustomInstruction
	if custom == "" {
		custom = in.settings.custom
	}

	var messages []models.Message
	switch in.seed {
	case seedAll:
		messages = sess.Messages
	case seedAllButLast:
		if n := len(sess.Messages); n > 0 {
			messages = sess.Messages[:n-1]
		}
	}
	history := make([]ai.Turn, 0, len(messages))
	for _, m := range messages {
		if m.IsError {
			continue
		}
		history = append(history, ai.Turn{Role: m.Role, Text: m.Content})
	}

	return &chatHandle{
		sessionID: sess.ID,
		modelID:   sess.ModelID,
		config: ai.Config{
			Temperature:          sess.Temperature,
			ThinkingBudgetTokens: sess.ThinkingBudget(),
			Tools:                sess.Tools(),
			SystemInstruction: instruction.Compose(instruction.Input{
				Language: sess.Language,
				Mode:     mode,
				Facts:    in.settings.facts,
				Custom:   custom,
			}),
		},
		history: history,
	}
}

// request builds the generation request for turn without touching h.
func (h *chatHandle) request(turn ai.Turn) ai.Request {
	return ai.Request{
		ModelID: h.modelID,
		Config:  h.config,
		History: append([]ai.Turn(nil), h.history...),
		Turn:    turn,
	}
}

// commit records an answered turn. Attachments are not replayed.
func (h *chatHandle) commit(user ai.Turn, answer string) {
	user.Attachment = nil
	h.history = append(h.history, user, ai.Turn{Role: models.RoleModel, Text: answer})
}
