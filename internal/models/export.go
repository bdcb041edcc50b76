package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ExportFormat selects the encoding of an exported transcript.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportYAML ExportFormat = "yaml"
)

// ExportDocument is a downloadable snapshot of one session.
type ExportDocument struct {
	Session    `yaml:",inline"`
	ExportedAt time.Time `json:"exported_at" yaml:"exported_at"`
}

// NewExportDocument snapshots s at the given time.
func NewExportDocument(s *Session, at time.Time) ExportDocument {
	return ExportDocument{Session: *s.Clone(), ExportedAt: Timestamp(at)}
}

// Encode renders the document in the requested format.
func (d ExportDocument) Encode(format ExportFormat) ([]byte, error) {
	switch format {
	case ExportJSON, "":
		data, err := json.MarshalIndent(d, "", "  ")
		return data, errors.Wrap(err, "encode export json")
	case ExportYAML:
		data, err := yaml.Marshal(d)
		return data, errors.Wrap(err, "encode export yaml")
	default:
		return nil, errors.Errorf("unsupported export format %q", format)
	}
}

// ContentType returns the MIME type for format.
func (f ExportFormat) ContentType() string {
	if f == ExportYAML {
		return "application/yaml"
	}
	return "application/json"
}
