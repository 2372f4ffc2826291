package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type Client struct {
	client          *redis.Client
	ruleTTL         time.Duration
	conversationTTL time.Duration
	embeddingTTL    time.Duration
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// historyLimit caps the stored conversation context per conversation.
const historyLimit = 20

func NewClient(host string, port int, password string, db int, ruleTTL, conversationTTL, embeddingTTL time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{
		client:          client,
		ruleTTL:         ruleTTL,
		conversationTTL: conversationTTL,
		embeddingTTL:    embeddingTTL,
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func ruleKey(userID string) string {
	return fmt.Sprintf("rules:%s", userID)
}

// GetUserRules returns the cached eligible-rule set for a user, or
// (nil, false) on a miss. Keys are scoped per user so one user's rules can
// never surface for another.
func (c *Client) GetUserRules(ctx context.Context, userID string) ([]models.Rule, bool, error) {
	data, err := c.client.Get(ctx, ruleKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rule cache: %w", err)
	}

	var rules []models.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached rules: %w", err)
	}

	logger.Debug("Rule cache hit", zap.String("user_id", userID), zap.Int("rules", len(rules)))
	return rules, true, nil
}

func (c *Client) SetUserRules(ctx context.Context, userID string, rules []models.Rule) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	if err := c.client.Set(ctx, ruleKey(userID), data, c.ruleTTL).Err(); err != nil {
		return fmt.Errorf("failed to set rule cache: %w", err)
	}
	return nil
}

// InvalidateUserRules drops the cached rule set for a user. Called
// synchronously after every rule mutation commit.
func (c *Client) InvalidateUserRules(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, ruleKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate rule cache: %w", err)
	}
	logger.Debug("Rule cache invalidated", zap.String("user_id", userID))
	return nil
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("conv:%s", conversationID)
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.client.Get(ctx, conversationKey(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation context: %w", err)
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation context: %w", err)
	}
	return messages, nil
}

// AppendConversation appends turn messages, keeping the most recent
// historyLimit entries.
func (c *Client) AppendConversation(ctx context.Context, conversationID string, messages ...Message) error {
	existing, err := c.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	existing = append(existing, messages...)
	if len(existing) > historyLimit {
		existing = existing[len(existing)-historyLimit:]
	}

	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation context: %w", err)
	}

	if err := c.client.Set(ctx, conversationKey(conversationID), data, c.conversationTTL).Err(); err != nil {
		return fmt.Errorf("failed to set conversation context: %w", err)
	}
	return nil
}

func embeddingKey(textHash string) string {
	return fmt.Sprintf("embedding:%s", textHash)
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingKey(textHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, embeddingKey(textHash), data, c.embeddingTTL).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}
