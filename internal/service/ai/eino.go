package ai

import (
	"context"
	"io"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nhutbot/internal/models"
)

const claudeMaxTokens = 4096

// EinoGenerator streams from OpenAI-compatible and Claude models through eino.
// When web search is requested it runs a react agent over the search tool.
type EinoGenerator struct {
	chatModel model.ToolCallingChatModel
	tools     []tool.BaseTool

	once    sync.Once
	agent   *react.Agent
	initErr error
}

func NewEinoGenerator(ctx context.Context, provider, modelID, baseURL, token string) (*EinoGenerator, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: baseURL,
			Model:   modelID,
			APIKey:  token,
		})
	case "claude":
		var baseURLPtr *string
		if baseURL != "" {
			baseURLPtr = &baseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelID,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, errors.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "init %s chat model", provider)
	}

	var tools []tool.BaseTool
	if ws := InitWebSearch(ctx); ws != nil {
		tools = append(tools, ws)
	}
	return &EinoGenerator{chatModel: chatModel, tools: tools}, nil
}

func (g *EinoGenerator) ensureAgent(ctx context.Context) (*react.Agent, error) {
	g.once.Do(func() {
		if len(g.tools) == 0 {
			return
		}
		g.agent, g.initErr = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: g.chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: g.tools,
			},
		})
	})
	if g.initErr != nil {
		return nil, errors.Wrap(g.initErr, "init react agent")
	}
	return g.agent, nil
}

func (g *EinoGenerator) Open(ctx context.Context, req Request) (Stream, error) {
	messages := einoMessages(req)

	if req.Config.HasTool(models.ToolWebSearch) {
		agent, err := g.ensureAgent(ctx)
		if err != nil {
			return nil, err
		}
		if agent != nil {
			sink := &citationSink{}
			reader, err := agent.Stream(WithCitationSink(ctx, sink), messages)
			if err != nil {
				return nil, errors.Wrap(err, "generate agent stream")
			}
			return &einoStream{reader: reader, sink: sink}, nil
		}
		log.Warn().Msg("web search requested but no search tool is available")
	}

	reader, err := g.chatModel.Stream(ctx, messages, model.WithTemperature(float32(req.Config.Temperature)))
	if err != nil {
		return nil, errors.Wrap(err, "generate model stream")
	}
	return &einoStream{reader: reader}, nil
}

func einoMessages(req Request) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+2)
	if req.Config.SystemInstruction != "" {
		messages = append(messages, &schema.Message{
			Role:    schema.System,
			Content: req.Config.SystemInstruction,
		})
	}
	for _, turn := range req.History {
		messages = append(messages, einoMessage(turn))
	}
	return append(messages, einoMessage(req.Turn))
}

func einoMessage(turn Turn) *schema.Message {
	role := schema.User
	if turn.Role == models.RoleModel {
		role = schema.Assistant
	}
	msg := &schema.Message{Role: role, Content: turn.Text}
	if turn.Attachment != nil && role == schema.User {
		msg.Content = ""
		msg.MultiContent = []schema.ChatMessagePart{
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL: "data:" + turn.Attachment.MIMEType + ";base64," + turn.Attachment.Data,
				},
			},
		}
		if turn.Text != "" {
			msg.MultiContent = append(msg.MultiContent, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: turn.Text,
			})
		}
	}
	return msg
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
	sink   *citationSink
}

func (s *einoStream) Recv() (Fragment, error) {
	chunk, err := s.reader.Recv()
	if err == io.EOF {
		// sources gathered after the last text chunk still belong to the turn
		if cites := s.sink.drain(); len(cites) > 0 {
			return Fragment{Citations: cites}, nil
		}
		return Fragment{}, io.EOF
	}
	if err != nil {
		return Fragment{}, errors.Wrap(err, "eino stream")
	}
	frag := Fragment{Citations: s.sink.drain()}
	if chunk != nil {
		frag.Text = chunk.Content
	}
	return frag, nil
}

func (s *einoStream) Close() error {
	s.reader.Close()
	return nil
}
