package models

import "time"

// MemoryFact is a short statement remembered about the user.
type MemoryFact struct {
	ID        string    `json:"id" yaml:"id"`
	Text      string    `json:"text" yaml:"text"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// FactTexts returns the fact texts in stored order.
func FactTexts(facts []MemoryFact) []string {
	texts := make([]string, 0, len(facts))
	for _, f := range facts {
		texts = append(texts, f.Text)
	}
	return texts
}
