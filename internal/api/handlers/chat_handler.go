package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/interaction"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type ChatHandler struct {
	interactions *interaction.Service
}

func NewChatHandler(interactions *interaction.Service) *ChatHandler {
	return &ChatHandler{
		interactions: interactions,
	}
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req struct {
		UserID         string `json:"user_id"`
		ConversationID string `json:"conversation_id"`
		Message        string `json:"message"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}
	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "message is required",
		})
	}

	result, err := h.interactions.ProcessChat(c.Context(), interaction.ChatInput{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		logger.Error("Failed to process chat turn",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return writeError(c, err, "Failed to process message")
	}

	applied := make([]fiber.Map, 0, len(result.RulesApplied))
	for _, r := range result.RulesApplied {
		applied = append(applied, fiber.Map{
			"id":         r.ID,
			"content":    r.Content,
			"category":   r.Category,
			"confidence": r.Confidence,
		})
	}

	return c.JSON(fiber.Map{
		"interaction_id": result.InteractionID,
		"response":       result.Response,
		"rules_applied":  applied,
	})
}
