package ai

import (
	"context"
	"encoding/base64"
	"io"
	"iter"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/genai"

	"nhutbot/internal/models"
)

// GeminiGenerator streams from the Gemini API through the genai SDK.
type GeminiGenerator struct {
	client *genai.Client
}

func NewGeminiGenerator(ctx context.Context, apiKey, baseURL string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create gemini client")
	}
	return &GeminiGenerator{client: client}, nil
}

func (g *GeminiGenerator) Open(ctx context.Context, req Request) (Stream, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		content, err := geminiContent(turn)
		if err != nil {
			return nil, err
		}
		contents = append(contents, content)
	}
	current, err := geminiContent(req.Turn)
	if err != nil {
		return nil, err
	}
	contents = append(contents, current)

	seq := g.client.Models.GenerateContentStream(ctx, req.ModelID, contents, geminiConfig(req.Config))
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

func geminiConfig(cfg Config) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(cfg.Temperature)),
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.ThinkingBudgetTokens > 0 {
		out.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(cfg.ThinkingBudgetTokens)),
		}
	}
	if cfg.HasTool(models.ToolWebSearch) {
		out.Tools = append(out.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	if cfg.HasTool(models.ToolCodeExecution) {
		out.Tools = append(out.Tools, &genai.Tool{CodeExecution: &genai.ToolCodeExecution{}})
	}
	return out
}

func geminiContent(turn Turn) (*genai.Content, error) {
	role := genai.Role(genai.RoleUser)
	if turn.Role == models.RoleModel {
		role = genai.RoleModel
	}
	var parts []*genai.Part
	if turn.Attachment != nil {
		data, err := base64.StdEncoding.DecodeString(turn.Attachment.Data)
		if err != nil {
			return nil, errors.Wrap(err, "decode attachment")
		}
		parts = append(parts, genai.NewPartFromBytes(data, turn.Attachment.MIMEType))
	}
	if turn.Text != "" || len(parts) == 0 {
		parts = append(parts, genai.NewPartFromText(turn.Text))
	}
	return genai.NewContentFromParts(parts, role), nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Recv() (Fragment, error) {
	resp, err, ok := s.next()
	if !ok {
		return Fragment{}, io.EOF
	}
	if err != nil {
		return Fragment{}, errors.Wrap(err, "gemini stream")
	}
	return geminiFragment(resp), nil
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

// geminiFragment extracts answer text and web grounding sources from one
// streamed response. Thought parts are skipped.
func geminiFragment(resp *genai.GenerateContentResponse) Fragment {
	var frag Fragment
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return frag
	}
	candidate := resp.Candidates[0]

	if candidate.Content != nil {
		var b strings.Builder
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			switch {
			case part.Text != "":
				b.WriteString(part.Text)
			case part.ExecutableCode != nil:
				b.WriteString("\n```" + strings.ToLower(string(part.ExecutableCode.Language)) + "\n")
				b.WriteString(part.ExecutableCode.Code)
				b.WriteString("\n```\n")
			case part.CodeExecutionResult != nil:
				b.WriteString("\n```output\n")
				b.WriteString(part.CodeExecutionResult.Output)
				b.WriteString("\n```\n")
			}
		}
		frag.Text = b.String()
	}

	if gm := candidate.GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			title := chunk.Web.Title
			if title == "" {
				title = chunk.Web.URI
			}
			frag.Citations = append(frag.Citations, models.Citation{URI: chunk.Web.URI, Title: title})
		}
	}
	return frag
}
