// Package l4 implements the semantic tier: distilled knowledge documents in
// PostgreSQL with full-text search and usage tracking.
package l4

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/models"
)

// Semantic is the L4 tier.
type Semantic struct {
	db *database.Client
}

// New creates the tier over an established database client.
func New(db *database.Client) *Semantic {
	return &Semantic{db: db}
}

const knowledgeColumns = `knowledge_id, title, content, knowledge_type, confidence_score,
	episode_count, distilled_at, access_count, usefulness_score, validation_count, stale`

// Store inserts a knowledge document. Documents are never edited in place;
// conflicting knowledge is superseded by marking the old document stale and
// storing a new one.
func (s *Semantic) Store(ctx context.Context, doc models.KnowledgeDocument) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO knowledge_documents (`+knowledgeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (knowledge_id) DO NOTHING`,
		doc.KnowledgeID, doc.Title, doc.Content, doc.KnowledgeType, doc.ConfidenceScore,
		doc.EpisodeCount, doc.DistilledAt, doc.AccessCount, doc.UsefulnessScore,
		doc.ValidationCount, doc.Stale)
	if err != nil {
		return fmt.Errorf("l4: failed to store document %s: %w", doc.KnowledgeID, err)
	}
	return nil
}

// Retrieve fetches one document and increments its access counter in the
// same statement, so concurrent readers never lose a count.
func (s *Semantic) Retrieve(ctx context.Context, knowledgeID string) (*models.KnowledgeDocument, error) {
	row := s.db.Pool().QueryRow(ctx, `
		UPDATE knowledge_documents
		SET access_count = access_count + 1
		WHERE knowledge_id = $1
		RETURNING `+knowledgeColumns, knowledgeID)
	doc, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("l4: document %s not found", knowledgeID)
		}
		return nil, fmt.Errorf("l4: failed to retrieve document %s: %w", knowledgeID, err)
	}
	return &doc, nil
}

// Search runs a full-text query over non-stale documents, optionally
// filtered by knowledge type, ranked by text relevance then confidence.
func (s *Semantic) Search(ctx context.Context, query string, kt models.KnowledgeType, k int) ([]models.KnowledgeDocument, error) {
	if k <= 0 {
		k = 5
	}
	sql := `SELECT ` + knowledgeColumns + `
		FROM knowledge_documents
		WHERE NOT stale
		  AND search_tsv @@ websearch_to_tsquery('english', $1)`
	args := []interface{}{query}
	if kt != "" {
		args = append(args, kt)
		sql += fmt.Sprintf(" AND knowledge_type = $%d", len(args))
	}
	args = append(args, k)
	sql += fmt.Sprintf(` ORDER BY ts_rank(search_tsv, websearch_to_tsquery('english', $1)) DESC,
		confidence_score DESC LIMIT $%d`, len(args))

	rows, err := s.db.Pool().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("l4: search failed: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// FindByTitleOverlap returns non-stale documents whose titles share tokens
// with the candidate title. The distillation engine uses this for conflict
// detection before storing new knowledge.
func (s *Semantic) FindByTitleOverlap(ctx context.Context, title string, kt models.KnowledgeType) ([]models.KnowledgeDocument, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+knowledgeColumns+`
		FROM knowledge_documents
		WHERE NOT stale
		  AND knowledge_type = $2
		  AND to_tsvector('english', title) @@ plainto_tsquery('english', $1)`,
		title, kt)
	if err != nil {
		return nil, fmt.Errorf("l4: title overlap query failed: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// Count returns the number of non-stale documents.
func (s *Semantic) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_documents WHERE NOT stale`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("l4: failed to count documents: %w", err)
	}
	return n, nil
}

// AdjustConfidence applies a bounded delta to a document's confidence and
// records the validation.
func (s *Semantic) AdjustConfidence(ctx context.Context, knowledgeID string, delta float64) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE knowledge_documents
		SET confidence_score = LEAST(1.0, GREATEST(0.0, confidence_score + $2)),
		    validation_count = validation_count + 1
		WHERE knowledge_id = $1`, knowledgeID, delta)
	if err != nil {
		return fmt.Errorf("l4: failed to adjust confidence of %s: %w", knowledgeID, err)
	}
	return nil
}

// MarkStale retires a document without deleting it; superseded knowledge
// keeps its audit trail.
func (s *Semantic) MarkStale(ctx context.Context, knowledgeID string) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE knowledge_documents SET stale = true WHERE knowledge_id = $1`, knowledgeID)
	if err != nil {
		return fmt.Errorf("l4: failed to mark %s stale: %w", knowledgeID, err)
	}
	return nil
}

// RecordUsefulness nudges the usefulness score after a document surfaced in
// a context block, using an exponential moving average.
func (s *Semantic) RecordUsefulness(ctx context.Context, knowledgeID string, useful bool) error {
	signal := 0.0
	if useful {
		signal = 1.0
	}
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE knowledge_documents
		SET usefulness_score = usefulness_score * 0.9 + $2 * 0.1
		WHERE knowledge_id = $1`, knowledgeID, signal)
	if err != nil {
		return fmt.Errorf("l4: failed to record usefulness of %s: %w", knowledgeID, err)
	}
	return nil
}

func scanDocument(row pgx.Row) (models.KnowledgeDocument, error) {
	var d models.KnowledgeDocument
	err := row.Scan(&d.KnowledgeID, &d.Title, &d.Content, &d.KnowledgeType,
		&d.ConfidenceScore, &d.EpisodeCount, &d.DistilledAt, &d.AccessCount,
		&d.UsefulnessScore, &d.ValidationCount, &d.Stale)
	return d, err
}

func collectDocuments(rows pgx.Rows) ([]models.KnowledgeDocument, error) {
	var docs []models.KnowledgeDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("l4: failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("l4: row iteration failed: %w", err)
	}
	return docs, nil
}
