package ai

import (
	"context"

	"nhutbot/internal/models"
)

// Config is the per-request generation configuration.
type Config struct {
	Temperature          float64
	ThinkingBudgetTokens int
	Tools                []models.Tool
	SystemInstruction    string
}

// HasTool reports whether tool is enabled.
func (c Config) HasTool(tool models.Tool) bool {
	for _, t := range c.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Attachment is inline binary content sent with a user turn.
type Attachment struct {
	Data     string // base64
	MIMEType string
}

// Turn is one prior or new conversation entry sent to a provider.
type Turn struct {
	Role       models.Role
	Text       string
	Attachment *Attachment
}

// Request describes one streamed generation.
type Request struct {
	ModelID string
	Config  Config
	History []Turn
	Turn    Turn
}

// Fragment is one incremental unit of streamed output.
type Fragment struct {
	Text      string
	Citations []models.Citation
}

// Stream yields fragments until Recv returns io.EOF or another error.
type Stream interface {
	Recv() (Fragment, error)
	Close() error
}

// Generator opens provider streams. The context bounds the whole stream.
type Generator interface {
	Open(ctx context.Context, req Request) (Stream, error)
}
