package models

import (
	"fmt"
	"time"
)

// KnowledgeType classifies a distilled knowledge document.
type KnowledgeType string

const (
	KnowledgePattern   KnowledgeType = "pattern"
	KnowledgeRule      KnowledgeType = "rule"
	KnowledgeSummary   KnowledgeType = "summary"
	KnowledgeProcedure KnowledgeType = "procedure"
)

// IsValid checks if the knowledge type is one of the known values.
func (t KnowledgeType) IsValid() bool {
	switch t {
	case KnowledgePattern, KnowledgeRule, KnowledgeSummary, KnowledgeProcedure:
		return true
	default:
		return false
	}
}

// KnowledgeDocument is a distilled unit of knowledge, owned by the L4
// semantic tier. Documents are replaced, not edited: a hard conflict marks
// the old document stale and inserts the new one.
type KnowledgeDocument struct {
	KnowledgeID     string        `json:"knowledge_id"`
	Title           string        `json:"title"`
	Content         string        `json:"content"`
	KnowledgeType   KnowledgeType `json:"knowledge_type"`
	ConfidenceScore float64       `json:"confidence_score"`
	EpisodeCount    int           `json:"episode_count"`
	DistilledAt     time.Time     `json:"distilled_at"`
	AccessCount     int           `json:"access_count"`
	UsefulnessScore float64       `json:"usefulness_score"`
	ValidationCount int           `json:"validation_count"`
	Stale           bool          `json:"stale"`
}

// NewKnowledgeDocument validates and returns an immutable document value.
func NewKnowledgeDocument(id, title, content string, kt KnowledgeType, confidence float64) (KnowledgeDocument, error) {
	if id == "" || title == "" {
		return KnowledgeDocument{}, fmt.Errorf("knowledge: knowledge_id and title are required")
	}
	if !kt.IsValid() {
		return KnowledgeDocument{}, fmt.Errorf("knowledge: invalid knowledge_type %q", kt)
	}
	if confidence < 0 || confidence > 1 {
		return KnowledgeDocument{}, fmt.Errorf("knowledge: confidence_score %v out of [0,1]", confidence)
	}
	return KnowledgeDocument{
		KnowledgeID:     id,
		Title:           title,
		Content:         content,
		KnowledgeType:   kt,
		ConfidenceScore: confidence,
		DistilledAt:     time.Now().UTC(),
	}, nil
}
