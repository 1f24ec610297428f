package models

import (
	"fmt"
	"time"
)

// Relationship is a bi-temporal edge extracted from an episode.
// FactValidTo == nil means the relation is currently valid; at most one row
// per (subject, predicate) may be current at any time.
type Relationship struct {
	Subject       string     `json:"subject"`
	Predicate     string     `json:"predicate"`
	Object        string     `json:"object"`
	FactValidFrom time.Time  `json:"fact_valid_from"`
	FactValidTo   *time.Time `json:"fact_valid_to,omitempty"`
}

// Episode is a consolidated cluster of facts, owned by the L3 episodic tier.
// It is bi-temporal: the time window covers when the events happened in the
// real world, while fact validity covers when the system considered the
// episode's relations current.
type Episode struct {
	EpisodeID       string    `json:"episode_id"`
	SessionID       string    `json:"session_id"`
	Summary         string    `json:"summary"`
	TimeWindowStart time.Time `json:"time_window_start"`
	TimeWindowEnd   time.Time `json:"time_window_end"`

	FactValidFrom              time.Time  `json:"fact_valid_from"`
	FactValidTo                *time.Time `json:"fact_valid_to,omitempty"`
	SourceObservationTimestamp time.Time  `json:"source_observation_timestamp"`

	ImportanceScore float64        `json:"importance_score"`
	Embedding       []float32      `json:"-"`
	Entities        []string       `json:"entities"`
	Relationships   []Relationship `json:"relationships"`
	SourceFactIDs   []string       `json:"source_fact_ids,omitempty"`
}

// NewEpisode validates and returns an immutable episode value.
func NewEpisode(episodeID, sessionID, summary string, windowStart, windowEnd time.Time) (Episode, error) {
	if episodeID == "" || sessionID == "" {
		return Episode{}, fmt.Errorf("episode: episode_id and session_id are required")
	}
	if windowEnd.Before(windowStart) {
		return Episode{}, fmt.Errorf("episode: time_window_end %v before time_window_start %v", windowEnd, windowStart)
	}
	return Episode{
		EpisodeID:                  episodeID,
		SessionID:                  sessionID,
		Summary:                    summary,
		TimeWindowStart:            windowStart,
		TimeWindowEnd:              windowEnd,
		FactValidFrom:              windowEnd,
		SourceObservationTimestamp: windowEnd,
	}, nil
}
