package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/rules"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type RulesHandler struct {
	rules *rules.Service
}

func NewRulesHandler(ruleService *rules.Service) *RulesHandler {
	return &RulesHandler{
		rules: ruleService,
	}
}

func (h *RulesHandler) ListRules(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	status := c.Query("status")
	if status != "" && !models.ValidStatus(status) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid status filter",
		})
	}
	category := c.Query("category")
	if category != "" && !models.ValidCategory(category) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid category filter",
		})
	}

	list, err := h.rules.ListRules(c.Context(), userID, status, category)
	if err != nil {
		logger.Error("Failed to list rules", zap.String("user_id", userID), zap.Error(err))
		return writeError(c, err, "Failed to list rules")
	}

	return c.JSON(fiber.Map{
		"rules": list,
		"count": len(list),
	})
}

func (h *RulesHandler) GetRule(c *fiber.Ctx) error {
	rule, err := h.ownedRule(c)
	if err != nil {
		return writeError(c, err, "Failed to get rule")
	}
	return c.JSON(rule)
}

func (h *RulesHandler) CreateRule(c *fiber.Ctx) error {
	var req struct {
		UserID   string `json:"user_id"`
		Content  string `json:"content"`
		Category string `json:"category"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and content are required",
		})
	}
	if !models.ValidCategory(req.Category) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid category",
		})
	}

	rule, err := h.rules.CreateRule(c.Context(), rules.CreateRuleInput{
		UserID:   req.UserID,
		Content:  req.Content,
		Category: req.Category,
	})
	if err != nil {
		logger.Error("Failed to create rule", zap.String("user_id", req.UserID), zap.Error(err))
		return writeError(c, err, "Failed to create rule")
	}

	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (h *RulesHandler) UpdateRule(c *fiber.Ctx) error {
	existing, err := h.ownedRule(c)
	if err != nil {
		return writeError(c, err, "Failed to update rule")
	}

	var req struct {
		Content  *string `json:"content"`
		Category *string `json:"category"`
		Status   *string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	updated, err := h.rules.UpdateRule(c.Context(), existing.ID, rules.UpdateRuleInput{
		Content:  req.Content,
		Category: req.Category,
		Status:   req.Status,
	})
	if err != nil {
		logger.Error("Failed to update rule", zap.String("rule_id", existing.ID), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(updated)
}

// ToggleRule flips a rule between active and disabled. Archived rules stay
// archived; re-enabling those goes through PATCH with an explicit status.
func (h *RulesHandler) ToggleRule(c *fiber.Ctx) error {
	existing, err := h.ownedRule(c)
	if err != nil {
		return writeError(c, err, "Failed to toggle rule")
	}

	var next string
	switch existing.Status {
	case models.StatusActive:
		next = string(models.StatusDisabled)
	case models.StatusDisabled:
		next = string(models.StatusActive)
	default:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "archived rules cannot be toggled",
		})
	}

	updated, err := h.rules.UpdateRule(c.Context(), existing.ID, rules.UpdateRuleInput{
		Status: &next,
	})
	if err != nil {
		logger.Error("Failed to toggle rule", zap.String("rule_id", existing.ID), zap.Error(err))
		return writeError(c, err, "Failed to toggle rule")
	}

	return c.JSON(updated)
}

func (h *RulesHandler) DeleteRule(c *fiber.Ctx) error {
	existing, err := h.ownedRule(c)
	if err != nil {
		return writeError(c, err, "Failed to delete rule")
	}

	if err := h.rules.DeleteRule(c.Context(), existing.ID); err != nil {
		logger.Error("Failed to delete rule", zap.String("rule_id", existing.ID), zap.Error(err))
		return writeError(c, err, "Failed to delete rule")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RulesHandler) ListAuditEvents(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be between 1 and 1000",
			})
		}
		limit = parsed
	}

	events, err := h.rules.ListEvents(c.Context(), userID, c.Query("rule_id"), limit)
	if err != nil {
		logger.Error("Failed to list audit events", zap.String("user_id", userID), zap.Error(err))
		return writeError(c, err, "Failed to list audit events")
	}

	return c.JSON(fiber.Map{
		"events": events,
		"count":  len(events),
	})
}

// ownedRule loads the path rule and verifies the caller owns it. A foreign
// rule reads as missing.
func (h *RulesHandler) ownedRule(c *fiber.Ctx) (*models.Rule, error) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.Get("X-User-ID")
	}

	rule, err := h.rules.GetRule(c.Context(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if userID != "" && rule.UserID != userID {
		return nil, sqlite.ErrNotFound
	}
	return rule, nil
}
