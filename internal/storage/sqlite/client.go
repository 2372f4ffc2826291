package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/pkg/logger"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrConflict means an optimistic rule update lost the race twice.
	ErrConflict = errors.New("concurrent rule update conflict")
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		original_correction TEXT,
		category TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		status TEXT NOT NULL DEFAULT 'active',
		times_applied INTEGER NOT NULL DEFAULT 0,
		times_reinforced INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_applied_at INTEGER,
		last_reinforced_at INTEGER,
		last_decayed_at INTEGER,
		embedding_ref TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_rules_user ON rules(user_id);
	CREATE INDEX IF NOT EXISTS idx_rules_user_status ON rules(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		user_message TEXT NOT NULL,
		assistant_response TEXT NOT NULL,
		rules_applied TEXT NOT NULL DEFAULT '[]',
		was_corrected INTEGER NOT NULL DEFAULT 0,
		correction_text TEXT,
		extracted_rule_id TEXT,
		embedding_ref TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_conversation ON interactions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_corrected ON interactions(was_corrected, extracted_rule_id);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		rule_id TEXT,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_user ON audit_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_events_rule ON audit_events(rule_id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON audit_events(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const ruleColumns = `id, user_id, content, original_correction, category, confidence, status,
	times_applied, times_reinforced, created_at, updated_at,
	last_applied_at, last_reinforced_at, last_decayed_at, embedding_ref, version`

func scanRule(row interface{ Scan(...any) error }) (*models.Rule, error) {
	var r models.Rule
	var originalCorrection, embeddingRef sql.NullString
	var createdAt, updatedAt int64
	var lastApplied, lastReinforced, lastDecayed sql.NullInt64

	err := row.Scan(
		&r.ID, &r.UserID, &r.Content, &originalCorrection, &r.Category, &r.Confidence, &r.Status,
		&r.TimesApplied, &r.TimesReinforced, &createdAt, &updatedAt,
		&lastApplied, &lastReinforced, &lastDecayed, &embeddingRef, &r.Version,
	)
	if err != nil {
		return nil, err
	}

	r.OriginalCorrection = originalCorrection.String
	r.EmbeddingRef = embeddingRef.String
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	r.LastAppliedAt = nullableTime(lastApplied)
	r.LastReinforcedAt = nullableTime(lastReinforced)
	r.LastDecayedAt = nullableTime(lastDecayed)

	return &r, nil
}

func nullableTime(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

// CreateRule inserts a rule and its audit events in one transaction.
func (c *Client) CreateRule(ctx context.Context, rule *models.Rule, events []models.AuditEvent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO rules (id, user_id, content, original_correction, category, confidence, status,
			times_applied, times_reinforced, created_at, updated_at,
			last_applied_at, last_reinforced_at, last_decayed_at, embedding_ref, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`
	_, err = tx.ExecContext(ctx, query,
		rule.ID, rule.UserID, rule.Content, rule.OriginalCorrection, rule.Category,
		rule.Confidence, rule.Status, rule.TimesApplied, rule.TimesReinforced,
		rule.CreatedAt.Unix(), rule.UpdatedAt.Unix(),
		nullableUnix(rule.LastAppliedAt), nullableUnix(rule.LastReinforcedAt),
		nullableUnix(rule.LastDecayedAt), rule.EmbeddingRef,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule creation: %w", err)
	}

	logger.Debug("Rule created", zap.String("rule_id", rule.ID), zap.String("user_id", rule.UserID))
	return nil
}

func (c *Client) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListUserRules returns a user's rules, optionally filtered by status and
// category, highest confidence first.
func (c *Client) ListUserRules(ctx context.Context, userID string, status, category string) ([]models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE user_id = ?`
	args := []any{userID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY confidence DESC, created_at ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// ListRulesByStatus pages through rules across all users by id, for the
// decay sweep. Pass the last seen id to continue.
func (c *Client) ListRulesByStatus(ctx context.Context, status models.RuleStatus, afterID string, limit int) ([]models.Rule, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		status, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules by status: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// MutateRule applies fn to the latest persisted rule state inside a
// transaction guarded by the version column, so concurrent mutators compose
// their deltas instead of clobbering each other. A lost race is retried once
// with a fresh read; a second loss surfaces ErrConflict.
func (c *Client) MutateRule(ctx context.Context, id string, fn func(models.Rule) (models.Rule, []models.AuditEvent, error)) (*models.Rule, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rule, err := c.mutateRuleOnce(ctx, id, fn)
		if errors.Is(err, ErrConflict) {
			logger.Debug("Rule update lost the race, retrying", zap.String("rule_id", id))
			continue
		}
		return rule, err
	}
	return nil, fmt.Errorf("rule %s: %w", id, ErrConflict)
}

func (c *Client) mutateRuleOnce(ctx context.Context, id string, fn func(models.Rule) (models.Rule, []models.AuditEvent, error)) (*models.Rule, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	current, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rule: %w", err)
	}

	updated, events, err := fn(*current)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rules SET
			content = ?, original_correction = ?, category = ?, confidence = ?, status = ?,
			times_applied = ?, times_reinforced = ?, updated_at = ?,
			last_applied_at = ?, last_reinforced_at = ?, last_decayed_at = ?,
			embedding_ref = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		updated.Content, updated.OriginalCorrection, updated.Category, updated.Confidence, updated.Status,
		updated.TimesApplied, updated.TimesReinforced, updated.UpdatedAt.Unix(),
		nullableUnix(updated.LastAppliedAt), nullableUnix(updated.LastReinforcedAt),
		nullableUnix(updated.LastDecayedAt), updated.EmbeddingRef,
		id, current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return nil, ErrConflict
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule update: %w", err)
	}

	updated.Version = current.Version + 1
	return &updated, nil
}

// DeleteRule removes a rule permanently and records the deletion event in
// the same transaction. The event keeps a null rule reference once the row
// is gone, so it is stored with the id in the payload only.
func (c *Client) DeleteRule(ctx context.Context, id string, events []models.AuditEvent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule deletion: %w", err)
	}

	logger.Info("Rule deleted", zap.String("rule_id", id))
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []models.AuditEvent) error {
	for _, ev := range events {
		data, err := json.Marshal(ev.EventData)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		created := ev.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		var ruleID any
		if ev.RuleID != "" {
			ruleID = ev.RuleID
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_events (user_id, rule_id, event_type, event_data, created_at) VALUES (?, ?, ?, ?, ?)`,
			ev.UserID, ruleID, ev.EventType, string(data), created.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}
	return nil
}

// InsertEvent appends a standalone audit event outside a rule transaction.
func (c *Client) InsertEvent(ctx context.Context, ev models.AuditEvent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvents(ctx, tx, []models.AuditEvent{ev}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Client) ListEvents(ctx context.Context, userID, ruleID string, limit int) ([]models.AuditEvent, error) {
	query := `SELECT id, user_id, rule_id, event_type, event_data, created_at FROM audit_events WHERE user_id = ?`
	args := []any{userID}
	if ruleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var ruleID sql.NullString
		var data string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.UserID, &ruleID, &ev.EventType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.RuleID = ruleID.String
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		var payload map[string]any
		if err := json.Unmarshal([]byte(data), &payload); err == nil {
			ev.EventData = payload
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (c *Client) CreateInteraction(ctx context.Context, in *models.Interaction) error {
	rulesApplied, err := json.Marshal(in.RulesApplied)
	if err != nil {
		return fmt.Errorf("failed to marshal applied rules: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, conversation_id, user_message, assistant_response,
			rules_applied, was_corrected, correction_text, extracted_rule_id, embedding_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.ConversationID, in.UserMessage, in.AssistantResponse,
		string(rulesApplied), boolToInt(in.WasCorrected), in.CorrectionText,
		nullableString(in.ExtractedRuleID), in.EmbeddingRef, in.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	logger.Debug("Interaction recorded",
		zap.String("interaction_id", in.ID),
		zap.String("user_id", in.UserID),
		zap.Int("rules_applied", len(in.RulesApplied)),
	)
	return nil
}

func (c *Client) GetInteraction(ctx context.Context, id string) (*models.Interaction, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, user_message, assistant_response,
			rules_applied, was_corrected, correction_text, extracted_rule_id, embedding_ref, created_at
		FROM interactions WHERE id = ?`, id)

	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return in, nil
}

func scanInteraction(row interface{ Scan(...any) error }) (*models.Interaction, error) {
	var in models.Interaction
	var conversationID, correctionText, extractedRuleID, embeddingRef sql.NullString
	var rulesApplied string
	var wasCorrected int
	var createdAt int64

	err := row.Scan(&in.ID, &in.UserID, &conversationID, &in.UserMessage, &in.AssistantResponse,
		&rulesApplied, &wasCorrected, &correctionText, &extractedRuleID, &embeddingRef, &createdAt)
	if err != nil {
		return nil, err
	}

	in.ConversationID = conversationID.String
	in.CorrectionText = correctionText.String
	in.ExtractedRuleID = extractedRuleID.String
	in.EmbeddingRef = embeddingRef.String
	in.WasCorrected = wasCorrected != 0
	in.CreatedAt = time.Unix(createdAt, 0).UTC()
	if err := json.Unmarshal([]byte(rulesApplied), &in.RulesApplied); err != nil {
		in.RulesApplied = nil
	}
	return &in, nil
}

// MarkInteractionCorrected sets the correction fields exactly once. Returns
// false when the interaction was already corrected, which makes feedback
// retries idempotent.
func (c *Client) MarkInteractionCorrected(ctx context.Context, id, correctionText, ruleID string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE interactions SET was_corrected = 1, correction_text = ?, extracted_rule_id = ?
		WHERE id = ? AND was_corrected = 0`,
		correctionText, nullableString(ruleID), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark interaction corrected: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update result: %w", err)
	}
	return affected > 0, nil
}

// SetInteractionRule fills in the extracted rule on an already-corrected
// interaction, used by the pending-extraction job.
func (c *Client) SetInteractionRule(ctx context.Context, id, ruleID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE interactions SET extracted_rule_id = ? WHERE id = ?`, ruleID, id)
	if err != nil {
		return fmt.Errorf("failed to set interaction rule: %w", err)
	}
	return nil
}

// ClearInteractionCorrection undoes a heuristic correction flag after the
// model decided the feedback was not a correction, so the pending-extraction
// job stops revisiting it.
func (c *Client) ClearInteractionCorrection(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE interactions SET was_corrected = 0, correction_text = NULL
		WHERE id = ? AND extracted_rule_id IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to clear interaction correction: %w", err)
	}
	return nil
}

func (c *Client) SetInteractionEmbeddingRef(ctx context.Context, id, ref string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE interactions SET embedding_ref = ? WHERE id = ?`, ref, id)
	if err != nil {
		return fmt.Errorf("failed to set interaction embedding ref: %w", err)
	}
	return nil
}

// ListPendingExtractions returns corrected interactions that still lack an
// extracted rule, oldest first.
func (c *Client) ListPendingExtractions(ctx context.Context, limit int) ([]models.Interaction, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, user_message, assistant_response,
			rules_applied, was_corrected, correction_text, extracted_rule_id, embedding_ref, created_at
		FROM interactions
		WHERE was_corrected = 1 AND extracted_rule_id IS NULL AND correction_text IS NOT NULL
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending extractions: %w", err)
	}
	defer rows.Close()

	var pending []models.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		pending = append(pending, *in)
	}
	return pending, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
