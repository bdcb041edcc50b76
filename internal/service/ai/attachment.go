package ai

import (
	"context"
	"encoding/base64"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/pkg/errors"
)

// MaxAttachmentBytes bounds files read from disk for a single turn.
const MaxAttachmentBytes = 20 << 20

// LoadedFile is a user file prepared for a turn. Images travel inline as
// Attachment; other documents are flattened into Text.
type LoadedFile struct {
	Name       string
	Attachment *Attachment
	Text       string
}

// LoadAttachment reads path and prepares it for submission.
func LoadAttachment(ctx context.Context, path string) (*LoadedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat attachment")
	}
	if info.IsDir() {
		return nil, errors.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxAttachmentBytes {
		return nil, errors.Errorf("%s exceeds %d bytes", path, MaxAttachmentBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read attachment")
	}
	loaded := &LoadedFile{Name: filepath.Base(path)}
	mimeType := DetectMIMEType(path, data)
	if strings.HasPrefix(mimeType, "image/") {
		loaded.Attachment = &Attachment{
			Data:     base64.StdEncoding.EncodeToString(data),
			MIMEType: mimeType,
		}
		return loaded, nil
	}

	text, err := loadDocumentText(ctx, path)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errors.Errorf("%s has no readable text content", path)
	}
	loaded.Text = text
	return loaded, nil
}

// DetectMIMEType prefers the extension and falls back to content sniffing.
func DetectMIMEType(path string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	sniffed := http.DetectContentType(data)
	if mediaType, _, err := mime.ParseMediaType(sniffed); err == nil {
		return mediaType
	}
	return sniffed
}

func loadDocumentText(ctx context.Context, path string) (string, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return "", errors.Wrap(err, "init document parser")
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return "", errors.Wrap(err, "init file loader")
	}
	docs, err := loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", errors.Wrap(err, "load file")
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	return strings.TrimSpace(builder.String()), nil
}

// WithDocument folds an extracted document into the turn text.
func (f *LoadedFile) WithDocument(text string) string {
	if f == nil || f.Text == "" {
		return text
	}
	doc := "File: " + f.Name + "\n\n" + f.Text
	if text == "" {
		return doc
	}
	return text + "\n\n" + doc
}
