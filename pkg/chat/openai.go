package chat

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/acyhuang/chat-tree/pkg/exchange"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"

	defaultTemperature = 0.7
	defaultMaxTokens   = 2000
)

// OpenAITransport streams assistant replies from the OpenAI chat completions
// API. The server-assigned exchange id is the completion id of the stream's
// first chunk.
type OpenAITransport struct {
	client *go_openai.Client
	model  string
}

func NewOpenAITransport(apiKey string, model string) (*OpenAITransport, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAITransport{
		client: go_openai.NewClient(apiKey),
		model:  model,
	}, nil
}

func (t *OpenAITransport) Model() string {
	return t.model
}

var _ Transport = (*OpenAITransport)(nil)

func (t *OpenAITransport) StreamExchange(ctx context.Context, req StreamRequest, h StreamHandler) error {
	messages := buildChatMessages(req)
	log.Debug().
		Str("model", t.model).
		Int("message_count", len(messages)).
		Msg("OpenAI streaming request")

	stream, err := t.client.CreateChatCompletionStream(ctx, go_openai.ChatCompletionRequest{
		Model:       t.model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Stream:      true,
	})
	if err != nil {
		log.Error().Err(err).Msg("OpenAI streaming request failed")
		return errors.Wrap(err, "failed to open completion stream")
	}
	defer stream.Close()

	created := false
	chunkCount := 0
	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI streaming cancelled by context")
			return ctx.Err()

		default:
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI stream completed")
				return h.Done(nil)
			}
			if err != nil {
				log.Error().Err(err).Int("chunks_received", chunkCount).Msg("OpenAI stream receive failed")
				return errors.Wrap(err, "stream receive failed")
			}
			chunkCount++

			if !created && response.ID != "" {
				created = true
				if err := h.ExchangeCreated(exchange.ExchangeID(response.ID)); err != nil {
					return err
				}
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if err := h.ContentFragment(delta); err != nil {
				return err
			}
		}
	}
}

// buildChatMessages flattens the exchange history into the alternating
// user/assistant message list the API expects, with the optional system
// prompt in front and the new user message last.
func buildChatMessages(req StreamRequest) []go_openai.ChatCompletionMessage {
	var messages []go_openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, node := range req.History {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleUser,
			Content: node.UserContent,
		})
		if node.AssistantContent != "" {
			messages = append(messages, go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleAssistant,
				Content: node.AssistantContent,
			})
		}
	}
	messages = append(messages, go_openai.ChatCompletionMessage{
		Role:    go_openai.ChatMessageRoleUser,
		Content: req.UserContent,
	})
	return messages
}
