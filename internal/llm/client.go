package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/pkg/circuitbreaker"
	"github.com/personal-ai-os/backend/pkg/logger"
	"github.com/personal-ai-os/backend/pkg/retry"
	"github.com/personal-ai-os/backend/pkg/utils"
)

// ErrMalformedOutput marks model responses that could not be parsed into the
// expected structure. It is never retried.
var ErrMalformedOutput = errors.New("malformed model output")

// EmbeddingCache is the subset of the cache layer the client needs to avoid
// re-embedding identical text.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
	cache          EmbeddingCache
}

type ChatMessage struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Extraction is the structured verdict on a feedback message: whether it is a
// correction at all, and if so the generalized rule it implies.
type Extraction struct {
	IsCorrection bool
	Confidence   float64
	Content      string
	Category     string
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int, cache EmbeddingCache) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:        3,
		InitialDelay:       500 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		Multiplier:         2.0,
		JitterFraction:     0.1,
		NonRetryableErrors: []error{ErrMalformedOutput},
		Logger:             logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
		cache:          cache,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	return c.complete(ctx, messages, req.Temperature, req.MaxTokens)
}

// GenerateChat runs a full chat turn: system prompt, prior conversation
// context, then the new user message.
func (c *Client) GenerateChat(ctx context.Context, systemPrompt string, history []ChatMessage, userMessage string) (*CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})

	return c.complete(ctx, messages, 0, 0)
}

func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessage, temperature float32, maxTokens int) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if temperature == 0 {
		temperature = c.temperature
	}
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// GenerateEmbedding returns the embedding for text, serving repeats from the
// cache keyed by content hash.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	textHash := utils.HashString(text)

	if c.cache != nil {
		cached, ok, err := c.cache.GetEmbedding(ctx, textHash)
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetEmbedding(ctx, textHash, embedding); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}

	return embedding, nil
}

// ClassifyAndExtract decides whether a feedback message corrects the prior
// assistant response and, when it does, extracts the generalized rule.
func (c *Client) ClassifyAndExtract(ctx context.Context, userMessage, assistantResponse, feedback string) (*Extraction, error) {
	userPrompt := fmt.Sprintf(`Original user message:
%s

Assistant response:
%s

User feedback:
%s

Return JSON only.`, userMessage, assistantResponse, feedback)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: classifyExtractPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    400,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to classify feedback: %w", err)
	}

	extraction, err := parseExtraction(resp.Content)
	if err != nil {
		return nil, err
	}

	logger.Debug("Feedback classified",
		zap.Bool("is_correction", extraction.IsCorrection),
		zap.Float64("confidence", extraction.Confidence),
		zap.String("category", extraction.Category),
	)

	return extraction, nil
}
