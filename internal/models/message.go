package models

import "time"

// Role identifies who produced a message in the transcript.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Citation is a source the provider surfaced for an answer. URI is unique
// within one message.
type Citation struct {
	URI   string `json:"uri" yaml:"uri"`
	Title string `json:"title" yaml:"title"`
}

// Message captures an individual entry of a session transcript.
type Message struct {
	ID        string     `json:"id" yaml:"id"`
	Role      Role       `json:"role" yaml:"role"`
	Content   string     `json:"content" yaml:"content"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	IsError   bool       `json:"is_error,omitempty" yaml:"is_error,omitempty"`
	Citations []Citation `json:"citations,omitempty" yaml:"citations,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Citations != nil {
		m.Citations = append([]Citation(nil), m.Citations...)
	}
	return m
}

// Timestamp normalizes t to UTC and strips the monotonic clock reading so
// values survive a JSON round trip unchanged.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// Now is Timestamp(time.Now()).
func Now() time.Time {
	return Timestamp(time.Now())
}
