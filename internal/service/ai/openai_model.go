package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIChatModel adapts any OpenAI-compatible endpoint to eino's BaseChatModel.
type OpenAIChatModel struct {
	client      openai.Client
	model       string
	temperature *float64
	maxTokens   *int
}

// OpenAIOptions configure NewOpenAIChatModel.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// NewOpenAIChatModel creates the adapter.
func NewOpenAIChatModel(opts OpenAIOptions) (*OpenAIChatModel, error) {
	if opts.APIKey == "" || opts.Model == "" {
		return nil, errors.New("openai api key and model are required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIChatModel{
		client:      openai.NewClient(reqOpts...),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

// Generate sends input as one chat completion request.
func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	common := model.GetCommonOptions(&model.Options{}, opts...)

	params := openai.ChatCompletionNewParams{
		Messages: convertMessages(input),
		Model:    openai.ChatModel(m.model),
	}
	if common.Model != nil && *common.Model != "" {
		params.Model = openai.ChatModel(*common.Model)
	}
	switch {
	case common.Temperature != nil:
		params.Temperature = openai.Float(float64(*common.Temperature))
	case m.temperature != nil:
		params.Temperature = openai.Float(*m.temperature)
	}
	switch {
	case common.MaxTokens != nil:
		params.MaxCompletionTokens = openai.Int(int64(*common.MaxTokens))
	case m.maxTokens != nil:
		params.MaxCompletionTokens = openai.Int(int64(*m.maxTokens))
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion returned no choices")
	}
	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream is served by a single Generate call; the session loop never needs token streaming.
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func convertMessages(messages []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			out = append(out, openai.SystemMessage(msg.Content))
		case schema.Assistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
