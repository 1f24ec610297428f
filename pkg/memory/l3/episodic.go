package l3

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
)

// SearchFilters narrows a similarity search. Zero values mean "no filter".
type SearchFilters struct {
	SessionID string
}

// SimilarEpisode pairs an episode with its cosine similarity to the query.
type SimilarEpisode struct {
	Episode    models.Episode
	Similarity float64
}

// Episodic is the L3 tier. Writes go vector-first: the PostgreSQL row is the
// durable record (it keeps the relationship payload), and the graph write
// follows. A failed graph write leaves graph_synced=false and enqueues the
// episode for the wake-up sweep to repair.
type Episodic struct {
	db        *database.Client
	redis     *redisstore.Client
	graph     GraphExecutor
	templates *TemplateRegistry
}

// New creates the tier over established clients.
func New(db *database.Client, redis *redisstore.Client, graph GraphExecutor) *Episodic {
	return &Episodic{db: db, redis: redis, graph: graph, templates: NewTemplateRegistry()}
}

// Templates exposes the registry for the introspection endpoint.
func (e *Episodic) Templates() *TemplateRegistry {
	return e.templates
}

const episodeColumns = `episode_id, session_id, summary, time_window_start, time_window_end,
	fact_valid_from, fact_valid_to, source_observation_timestamp, importance_score,
	embedding, entities, relationships, source_fact_ids, graph_synced`

// Store writes the episode to both modalities. The vector write must succeed;
// a graph failure is downgraded to a repair entry so consolidation is never
// blocked by the graph store. The returned flag reports whether the graph
// modality landed.
func (e *Episodic) Store(ctx context.Context, ep models.Episode) (bool, error) {
	relJSON, err := json.Marshal(ep.Relationships)
	if err != nil {
		return false, fmt.Errorf("l3: failed to encode relationships: %w", err)
	}

	_, err = e.db.Pool().Exec(ctx, `
		INSERT INTO episodes (`+episodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, false)
		ON CONFLICT (episode_id) DO NOTHING`,
		ep.EpisodeID, ep.SessionID, ep.Summary, ep.TimeWindowStart, ep.TimeWindowEnd,
		ep.FactValidFrom, ep.FactValidTo, ep.SourceObservationTimestamp, ep.ImportanceScore,
		pgvector.NewVector(ep.Embedding), ep.Entities, relJSON, ep.SourceFactIDs)
	if err != nil {
		return false, fmt.Errorf("l3: failed to store episode %s: %w", ep.EpisodeID, err)
	}

	if err := e.writeGraph(ctx, ep); err != nil {
		slog.Warn("Graph write failed, scheduling repair",
			"episode_id", ep.EpisodeID, "session_id", ep.SessionID, "error", err)
		if enqErr := e.redis.EnqueueGraphRepair(ctx, ep.EpisodeID); enqErr != nil {
			// Both modalities degraded. graph_synced stays false, so a later
			// scan can still find the episode.
			slog.Error("Failed to enqueue graph repair",
				"episode_id", ep.EpisodeID, "error", enqErr)
		}
		return false, nil
	}

	return true, e.markGraphSynced(ctx, ep.EpisodeID)
}

// ListBySession returns a session's episodes, newest first.
func (e *Episodic) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.db.Pool().Query(ctx, `
		SELECT `+episodeColumns+`
		FROM episodes
		WHERE session_id = $1
		ORDER BY time_window_end DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("l3: failed to list session %s episodes: %w", sessionID, err)
	}
	defer rows.Close()

	var episodes []models.Episode
	for rows.Next() {
		ep, _, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("l3: failed to scan episode: %w", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// CountBySession returns the number of episodes stored for a session.
func (e *Episodic) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := e.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM episodes WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("l3: failed to count session %s episodes: %w", sessionID, err)
	}
	return n, nil
}

// SessionsWithEpisodes lists sessions holding at least min episodes, for the
// distillation sweep.
func (e *Episodic) SessionsWithEpisodes(ctx context.Context, min int) ([]string, error) {
	rows, err := e.db.Pool().Query(ctx, `
		SELECT session_id FROM episodes GROUP BY session_id HAVING COUNT(*) >= $1`, min)
	if err != nil {
		return nil, fmt.Errorf("l3: failed to list episode sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("l3: failed to scan session id: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RepairGraph replays the graph write for an episode from its stored
// relationship payload. Called by the wake-up sweep.
func (e *Episodic) RepairGraph(ctx context.Context, episodeID string) error {
	ep, err := e.Retrieve(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("l3: repair: %w", err)
	}
	if err := e.writeGraph(ctx, *ep); err != nil {
		return fmt.Errorf("l3: repair of episode %s failed: %w", episodeID, err)
	}
	return e.markGraphSynced(ctx, episodeID)
}

func (e *Episodic) markGraphSynced(ctx context.Context, episodeID string) error {
	_, err := e.db.Pool().Exec(ctx,
		`UPDATE episodes SET graph_synced = true WHERE episode_id = $1`, episodeID)
	if err != nil {
		return fmt.Errorf("l3: failed to mark episode %s synced: %w", episodeID, err)
	}
	return nil
}

// episodeNodeCypher anchors the episode in the graph and links the entities
// it mentions.
const episodeNodeCypher = `MERGE (e:Episode {id: $episodeId})
SET e.sessionId = $sessionId, e.summary = $summary
WITH e
UNWIND $entities AS entityName
MERGE (n:Entity {name: entityName, sessionId: $sessionId})
MERGE (e)-[m:MENTIONS]->(n)
ON CREATE SET m.factValidFrom = datetime($observedAt)`

// supersedeCypher is the single atomic write per relation: close any current
// relation of the same (subject, predicate) that points elsewhere, then
// create the new current relation unless it already exists. Running it twice
// with the same inputs is a no-op.
const supersedeCypher = `MERGE (s:Entity {name: $subject, sessionId: $sessionId})
MERGE (o:Entity {name: $object, sessionId: $sessionId})
WITH s, o
OPTIONAL MATCH (s)-[old:RELATES {predicate: $predicate}]->(other:Entity)
WHERE old.factValidTo IS NULL AND other.name <> $object
SET old.factValidTo = datetime($observedAt)
WITH s, o
OPTIONAL MATCH (s)-[cur:RELATES {predicate: $predicate}]->(o)
WHERE cur.factValidTo IS NULL
FOREACH (_ IN CASE WHEN cur IS NULL THEN [1] ELSE [] END |
  CREATE (s)-[:RELATES {predicate: $predicate, factValidFrom: datetime($observedAt), episodeId: $episodeId}]->(o))`

func (e *Episodic) writeGraph(ctx context.Context, ep models.Episode) error {
	if len(ep.Entities) > 0 {
		_, err := e.graph.Execute(ctx, episodeNodeCypher, map[string]any{
			"episodeId":  ep.EpisodeID,
			"sessionId":  ep.SessionID,
			"summary":    ep.Summary,
			"entities":   ep.Entities,
			"observedAt": ep.SourceObservationTimestamp.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
	}

	for _, rel := range ep.Relationships {
		_, err := e.graph.Execute(ctx, supersedeCypher, map[string]any{
			"subject":    rel.Subject,
			"predicate":  rel.Predicate,
			"object":     rel.Object,
			"sessionId":  ep.SessionID,
			"episodeId":  ep.EpisodeID,
			"observedAt": rel.FactValidFrom.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("relation %s-%s->%s: %w", rel.Subject, rel.Predicate, rel.Object, err)
		}
	}
	return nil
}

// Retrieve fetches one episode by ID, relationship payload included.
func (e *Episodic) Retrieve(ctx context.Context, episodeID string) (*models.Episode, error) {
	row := e.db.Pool().QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE episode_id = $1`, episodeID)
	ep, _, err := scanEpisode(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("l3: episode %s not found", episodeID)
		}
		return nil, fmt.Errorf("l3: failed to retrieve episode %s: %w", episodeID, err)
	}
	return &ep, nil
}

// SearchSimilar returns the k nearest episodes by cosine distance to the
// query vector.
func (e *Episodic) SearchSimilar(ctx context.Context, queryVector []float32, f SearchFilters, k int) ([]SimilarEpisode, error) {
	if k <= 0 {
		k = 5
	}
	query := `SELECT ` + episodeColumns + `, 1 - (embedding <=> $1) AS similarity
		FROM episodes WHERE embedding IS NOT NULL`
	args := []interface{}{pgvector.NewVector(queryVector)}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := e.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("l3: similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []SimilarEpisode
	for rows.Next() {
		ep, sim, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("l3: failed to scan episode: %w", err)
		}
		results = append(results, SimilarEpisode{Episode: ep, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("l3: row iteration failed: %w", err)
	}
	return results, nil
}

// UnsyncedEpisodes lists episodes whose graph write has not landed, as a
// safety net under the repair set.
func (e *Episodic) UnsyncedEpisodes(ctx context.Context, limit int) ([]string, error) {
	rows, err := e.db.Pool().Query(ctx,
		`SELECT episode_id FROM episodes WHERE NOT graph_synced LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("l3: failed to list unsynced episodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("l3: failed to scan episode id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueryGraph runs a pre-approved template with bound parameters.
func (e *Episodic) QueryGraph(ctx context.Context, templateName string, params map[string]any) ([]map[string]any, error) {
	cypher, bound, err := e.templates.Resolve(templateName, params)
	if err != nil {
		return nil, fmt.Errorf("l3: %w", err)
	}
	rows, err := e.graph.Execute(ctx, cypher, bound)
	if err != nil {
		return nil, fmt.Errorf("l3: template %s failed: %w", templateName, err)
	}
	return rows, nil
}

// Delete removes a session's episodes from both modalities.
func (e *Episodic) Delete(ctx context.Context, sessionID string) (int64, error) {
	tag, err := e.db.Pool().Exec(ctx,
		`DELETE FROM episodes WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("l3: failed to delete session %s episodes: %w", sessionID, err)
	}

	_, err = e.graph.Execute(ctx,
		`MATCH (n {sessionId: $sessionId}) DETACH DELETE n`,
		map[string]any{"sessionId": sessionID})
	if err != nil {
		slog.Warn("Graph delete failed", "session_id", sessionID, "error", err)
	}
	return tag.RowsAffected(), nil
}

func scanEpisode(row pgx.Row) (models.Episode, float64, error) {
	var ep models.Episode
	var embedding *pgvector.Vector
	var relJSON []byte
	var graphSynced bool
	similarity := -1.0

	// pgx.Row has no column metadata; probe for the similarity column by
	// scanning with and without it.
	scanWithSim := func(r pgx.Row) error {
		return r.Scan(&ep.EpisodeID, &ep.SessionID, &ep.Summary,
			&ep.TimeWindowStart, &ep.TimeWindowEnd,
			&ep.FactValidFrom, &ep.FactValidTo, &ep.SourceObservationTimestamp,
			&ep.ImportanceScore, &embedding, &ep.Entities, &relJSON,
			&ep.SourceFactIDs, &graphSynced, &similarity)
	}
	scanPlain := func(r pgx.Row) error {
		return r.Scan(&ep.EpisodeID, &ep.SessionID, &ep.Summary,
			&ep.TimeWindowStart, &ep.TimeWindowEnd,
			&ep.FactValidFrom, &ep.FactValidTo, &ep.SourceObservationTimestamp,
			&ep.ImportanceScore, &embedding, &ep.Entities, &relJSON,
			&ep.SourceFactIDs, &graphSynced)
	}

	var err error
	if rows, ok := row.(pgx.Rows); ok && len(rows.FieldDescriptions()) == 15 {
		err = scanWithSim(row)
	} else {
		err = scanPlain(row)
	}
	if err != nil {
		return models.Episode{}, 0, err
	}

	if embedding != nil {
		ep.Embedding = embedding.Slice()
	}
	if len(relJSON) > 0 {
		if err := json.Unmarshal(relJSON, &ep.Relationships); err != nil {
			return models.Episode{}, 0, fmt.Errorf("bad relationships payload: %w", err)
		}
	}
	return ep, similarity, nil
}
