// Package l2 implements the working-memory tier: durable scored facts in
// PostgreSQL with full-text search, plus a Redis-side fact index kept in the
// session's slot so the promotion script can deduplicate atomically.
package l2

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/keyspace"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
)

// Filters narrows a session query. Zero values mean "no filter".
type Filters struct {
	FactType models.FactType
	Category models.FactCategory
	MinCIAR  float64
	Limit    int
}

// WorkingMemory is the L2 tier.
type WorkingMemory struct {
	db    *database.Client
	redis *redisstore.Client
}

// New creates the tier over established clients.
func New(db *database.Client, redis *redisstore.Client) *WorkingMemory {
	return &WorkingMemory{db: db, redis: redis}
}

const factColumns = `fact_id, session_id, content, fact_type, category, extracted_at,
	certainty, impact, ciar_score, access_count, last_accessed,
	source_turn_ids, justification, prior_fact_id`

// Store inserts a fact and registers its ID in the session index set.
// Idempotent: a duplicate fact_id is a no-op, and the index SADD is a set
// operation, so replays converge on one row.
func (w *WorkingMemory) Store(ctx context.Context, fact models.Fact) error {
	tag, err := w.db.Pool().Exec(ctx, `
		INSERT INTO facts (`+factColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (fact_id) DO NOTHING`,
		fact.FactID, fact.SessionID, fact.Content, fact.FactType, fact.Category,
		fact.ExtractedAt, fact.Certainty, fact.Impact, fact.CIARScore,
		fact.AccessCount, fact.LastAccessed,
		fact.Provenance.SourceTurnIDs, nullable(fact.Justification), nullable(fact.PriorFactID))
	if err != nil {
		return fmt.Errorf("l2: failed to store fact %s: %w", fact.FactID, err)
	}

	if err := w.redis.Redis().SAdd(ctx, keyspace.FactIndex(fact.SessionID), fact.FactID).Err(); err != nil {
		// The row is durable; the index is an optimization for the promotion
		// script. A missed SADD only means one redundant LLM extraction.
		slog.Warn("Failed to index promoted fact",
			"session_id", fact.SessionID, "fact_id", fact.FactID, "error", err)
	}

	if tag.RowsAffected() == 0 {
		slog.Debug("Fact already present, skipping", "fact_id", fact.FactID)
	}
	return nil
}

// StoreBatch inserts facts in one transaction. Individual duplicates are
// skipped, not failed.
func (w *WorkingMemory) StoreBatch(ctx context.Context, facts []models.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := w.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("l2: failed to begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, fact := range facts {
		_, err := tx.Exec(ctx, `
			INSERT INTO facts (`+factColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (fact_id) DO NOTHING`,
			fact.FactID, fact.SessionID, fact.Content, fact.FactType, fact.Category,
			fact.ExtractedAt, fact.Certainty, fact.Impact, fact.CIARScore,
			fact.AccessCount, fact.LastAccessed,
			fact.Provenance.SourceTurnIDs, nullable(fact.Justification), nullable(fact.PriorFactID))
		if err != nil {
			return fmt.Errorf("l2: failed to store fact %s in batch: %w", fact.FactID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("l2: failed to commit batch: %w", err)
	}

	ids := make([]interface{}, len(facts))
	for i, f := range facts {
		ids[i] = f.FactID
	}
	if err := w.redis.Redis().SAdd(ctx, keyspace.FactIndex(facts[0].SessionID), ids...).Err(); err != nil {
		slog.Warn("Failed to index promoted fact batch",
			"session_id", facts[0].SessionID, "count", len(facts), "error", err)
	}
	return nil
}

// Retrieve fetches one fact by ID.
func (w *WorkingMemory) Retrieve(ctx context.Context, factID string) (*models.Fact, error) {
	row := w.db.Pool().QueryRow(ctx, `SELECT `+factColumns+` FROM facts WHERE fact_id = $1`, factID)
	fact, err := scanFact(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("l2: fact %s not found", factID)
		}
		return nil, fmt.Errorf("l2: failed to retrieve fact %s: %w", factID, err)
	}
	return &fact, nil
}

// QueryBySession returns a session's facts, highest-scored first, applying
// any supplied filters.
func (w *WorkingMemory) QueryBySession(ctx context.Context, sessionID string, f Filters) ([]models.Fact, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + factColumns + ` FROM facts WHERE session_id = $1`)
	args := []interface{}{sessionID}

	if f.FactType != "" {
		args = append(args, f.FactType)
		fmt.Fprintf(&sb, " AND fact_type = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		fmt.Fprintf(&sb, " AND category = $%d", len(args))
	}
	if f.MinCIAR > 0 {
		args = append(args, f.MinCIAR)
		fmt.Fprintf(&sb, " AND ciar_score >= $%d", len(args))
	}
	sb.WriteString(" ORDER BY ciar_score DESC, extracted_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := w.db.Pool().Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("l2: failed to query session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// Search runs a full-text query over the session's facts, ranked by text
// relevance. The query uses web-search syntax (quoted phrases, OR, -).
func (w *WorkingMemory) Search(ctx context.Context, sessionID, query string, k int) ([]models.Fact, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := w.db.Pool().Query(ctx, `
		SELECT `+factColumns+`
		FROM facts
		WHERE session_id = $1
		  AND search_tsv @@ websearch_to_tsquery('english', $2)
		ORDER BY ts_rank(search_tsv, websearch_to_tsquery('english', $2)) DESC
		LIMIT $3`,
		sessionID, query, k)
	if err != nil {
		return nil, fmt.Errorf("l2: search failed for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// Unconsolidated returns facts not yet rolled into an episode, oldest first,
// so the consolidation engine can cluster them chronologically.
func (w *WorkingMemory) Unconsolidated(ctx context.Context, sessionID string) ([]models.Fact, error) {
	rows, err := w.db.Pool().Query(ctx, `
		SELECT `+factColumns+`
		FROM facts
		WHERE session_id = $1 AND consolidated_at IS NULL
		ORDER BY extracted_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("l2: failed to query unconsolidated facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// SessionsWithUnconsolidated lists sessions holding at least min facts not
// yet rolled into an episode. The wake-up sweep uses this to find work that
// lost its trigger event.
func (w *WorkingMemory) SessionsWithUnconsolidated(ctx context.Context, min int) ([]string, error) {
	rows, err := w.db.Pool().Query(ctx, `
		SELECT session_id
		FROM facts
		WHERE consolidated_at IS NULL
		GROUP BY session_id
		HAVING COUNT(*) >= $1`, min)
	if err != nil {
		return nil, fmt.Errorf("l2: failed to list unconsolidated sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("l2: failed to scan session id: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// MarkConsolidated stamps facts as absorbed into an episode.
func (w *WorkingMemory) MarkConsolidated(ctx context.Context, factIDs []string, at time.Time) error {
	if len(factIDs) == 0 {
		return nil
	}
	_, err := w.db.Pool().Exec(ctx,
		`UPDATE facts SET consolidated_at = $1 WHERE fact_id = ANY($2)`, at, factIDs)
	if err != nil {
		return fmt.Errorf("l2: failed to mark facts consolidated: %w", err)
	}
	return nil
}

// TouchAccess bumps access tracking for facts that were surfaced in a
// context block, feeding the recency boost on the next rescore.
func (w *WorkingMemory) TouchAccess(ctx context.Context, factIDs []string, at time.Time) error {
	if len(factIDs) == 0 {
		return nil
	}
	_, err := w.db.Pool().Exec(ctx, `
		UPDATE facts
		SET access_count = access_count + 1, last_accessed = $1
		WHERE fact_id = ANY($2)`, at, factIDs)
	if err != nil {
		return fmt.Errorf("l2: failed to touch fact access: %w", err)
	}
	return nil
}

// CountBySession returns the number of facts stored for a session.
func (w *WorkingMemory) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := w.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM facts WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("l2: failed to count session %s: %w", sessionID, err)
	}
	return n, nil
}

// Delete removes every fact of a session. The Redis index is dropped by the
// session cleanup path alongside the other session keys.
func (w *WorkingMemory) Delete(ctx context.Context, sessionID string) (int64, error) {
	tag, err := w.db.Pool().Exec(ctx, `DELETE FROM facts WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("l2: failed to delete session %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}

func scanFact(row pgx.Row) (models.Fact, error) {
	var f models.Fact
	var justification, priorFactID *string
	err := row.Scan(
		&f.FactID, &f.SessionID, &f.Content, &f.FactType, &f.Category, &f.ExtractedAt,
		&f.Certainty, &f.Impact, &f.CIARScore, &f.AccessCount, &f.LastAccessed,
		&f.Provenance.SourceTurnIDs, &justification, &priorFactID)
	if err != nil {
		return models.Fact{}, err
	}
	if justification != nil {
		f.Justification = *justification
	}
	if priorFactID != nil {
		f.PriorFactID = *priorFactID
	}
	return f, nil
}

func collectFacts(rows pgx.Rows) ([]models.Fact, error) {
	var facts []models.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("l2: failed to scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("l2: row iteration failed: %w", err)
	}
	return facts, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
