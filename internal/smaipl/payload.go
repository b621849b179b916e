package smaipl

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Schema selects the request body shape.
type Schema string

const (
	// SchemaOpenAI posts a chat-completion body: system instruction plus the
	// transcript as the user message.
	SchemaOpenAI Schema = "openai"
	// SchemaEnvelope posts {bot_id, chat_id, message}.
	SchemaEnvelope Schema = "envelope"
)

// Request is a single summarization request.
type Request struct {
	RunID      string
	ChatID     int64
	Transcript string
}

type envelope struct {
	BotID   int64  `json:"bot_id"`
	ChatID  int64  `json:"chat_id"`
	Message string `json:"message"`
}

// PayloadOptions carries the schema-specific settings.
type PayloadOptions struct {
	Schema       Schema
	Model        string
	Temperature  float32
	SystemPrompt string
	BotID        int64
}

// BuildPayload renders the JSON body for req.
func BuildPayload(opts PayloadOptions, req Request) ([]byte, error) {
	switch opts.Schema {
	case SchemaOpenAI:
		body := openai.ChatCompletionRequest{
			Model: opts.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: opts.SystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: "ТЕКСТ:\n" + req.Transcript},
			},
			Temperature: opts.Temperature,
		}
		return json.Marshal(body)
	case SchemaEnvelope:
		return json.Marshal(envelope{BotID: opts.BotID, ChatID: req.ChatID, Message: req.Transcript})
	default:
		return nil, fmt.Errorf("unknown smaipl schema: %q", opts.Schema)
	}
}
