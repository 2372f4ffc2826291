package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/interaction"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type FeedbackHandler struct {
	interactions *interaction.Service
}

func NewFeedbackHandler(interactions *interaction.Service) *FeedbackHandler {
	return &FeedbackHandler{
		interactions: interactions,
	}
}

func (h *FeedbackHandler) HandleFeedback(c *fiber.Ctx) error {
	var req struct {
		UserID        string `json:"user_id"`
		InteractionID string `json:"interaction_id"`
		Feedback      string `json:"feedback"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.UserID == "" || req.InteractionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and interaction_id are required",
		})
	}
	if req.Feedback == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "feedback is required",
		})
	}

	result, err := h.interactions.ProcessFeedback(c.Context(), interaction.FeedbackInput{
		UserID:        req.UserID,
		InteractionID: req.InteractionID,
		Feedback:      req.Feedback,
	})
	if err != nil {
		logger.Error("Failed to process feedback",
			zap.String("interaction_id", req.InteractionID),
			zap.Error(err),
		)
		return writeError(c, err, "Failed to process feedback")
	}

	resp := fiber.Map{
		"status": result.Status,
	}
	if result.Rule != nil {
		resp["rule"] = fiber.Map{
			"id":         result.Rule.ID,
			"content":    result.Rule.Content,
			"category":   result.Rule.Category,
			"confidence": result.Rule.Confidence,
			"status":     result.Rule.Status,
		}
	}

	return c.JSON(resp)
}
