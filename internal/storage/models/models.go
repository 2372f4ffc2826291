package models

import "time"

type RuleCategory string

const (
	CategoryStyle      RuleCategory = "style"
	CategoryTone       RuleCategory = "tone"
	CategoryFormatting RuleCategory = "formatting"
	CategoryLogic      RuleCategory = "logic"
	CategorySafety     RuleCategory = "safety"
)

func ValidCategory(c string) bool {
	switch RuleCategory(c) {
	case CategoryStyle, CategoryTone, CategoryFormatting, CategoryLogic, CategorySafety:
		return true
	}
	return false
}

type RuleStatus string

const (
	StatusActive   RuleStatus = "active"
	StatusDisabled RuleStatus = "disabled"
	StatusArchived RuleStatus = "archived"
)

func ValidStatus(s string) bool {
	switch RuleStatus(s) {
	case StatusActive, StatusDisabled, StatusArchived:
		return true
	}
	return false
}

// Rule is a learned behavioral preference extracted from a user correction.
// Content holds the generalized statement; OriginalCorrection keeps the
// verbatim text that produced it (empty for manually created rules).
type Rule struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"user_id"`
	Content            string       `json:"content"`
	OriginalCorrection string       `json:"original_correction,omitempty"`
	Category           RuleCategory `json:"category"`
	Confidence         float64      `json:"confidence"`
	Status             RuleStatus   `json:"status"`
	TimesApplied       int          `json:"times_applied"`
	TimesReinforced    int          `json:"times_reinforced"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	LastAppliedAt      time.Time    `json:"last_applied_at,omitempty"`
	LastReinforcedAt   time.Time    `json:"last_reinforced_at,omitempty"`
	LastDecayedAt      time.Time    `json:"last_decayed_at,omitempty"`
	EmbeddingRef       string       `json:"embedding_ref,omitempty"`

	// Version guards optimistic read-modify-write updates.
	Version int `json:"-"`
}

// Interaction is one chat turn. The correction fields are filled in at most
// once, when a later feedback turn references this interaction.
type Interaction struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	RulesApplied      []string  `json:"rules_applied"`
	WasCorrected      bool      `json:"was_corrected"`
	CorrectionText    string    `json:"correction_text,omitempty"`
	ExtractedRuleID   string    `json:"extracted_rule_id,omitempty"`
	EmbeddingRef      string    `json:"embedding_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type EventType string

const (
	EventRuleCreated    EventType = "rule_created"
	EventRuleApplied    EventType = "rule_applied"
	EventRuleReinforced EventType = "rule_reinforced"
	EventRuleDecayed    EventType = "rule_decayed"
	EventRuleArchived   EventType = "rule_archived"
	EventRuleEdited     EventType = "rule_edited"
	EventRuleDeleted    EventType = "rule_deleted"
	EventRuleDisabled   EventType = "rule_disabled"
	EventRuleEnabled    EventType = "rule_enabled"
)

// AuditEvent is an append-only record of a single rule state transition.
// EventData holds the typed payload for the event type, serialized to JSON
// at the storage boundary. The event log is write-only for the core.
type AuditEvent struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	RuleID    string    `json:"rule_id,omitempty"`
	EventType EventType `json:"event_type"`
	EventData any       `json:"event_data"`
	CreatedAt time.Time `json:"created_at"`
}

// Typed audit payloads, one per event type that carries data beyond the rule id.

type RuleCreatedData struct {
	Content            string `json:"content"`
	Category           string `json:"category"`
	OriginalCorrection string `json:"original_correction,omitempty"`
}

type RuleAppliedData struct {
	TimesApplied  int    `json:"times_applied"`
	InteractionID string `json:"interaction_id,omitempty"`
}

type ConfidenceChangeData struct {
	OldConfidence float64 `json:"old_confidence"`
	NewConfidence float64 `json:"new_confidence"`
}

type RuleArchivedData struct {
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type RuleEditedData struct {
	OldContent string `json:"old_content,omitempty"`
	NewContent string `json:"new_content,omitempty"`
	OldStatus  string `json:"old_status,omitempty"`
	NewStatus  string `json:"new_status,omitempty"`
}

type RuleDeletedData struct {
	Content string `json:"content"`
}

func NewEvent(userID, ruleID string, eventType EventType, data any) AuditEvent {
	return AuditEvent{
		UserID:    userID,
		RuleID:    ruleID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	}
}
