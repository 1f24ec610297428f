package models

import (
	"fmt"
	"time"
)

// FactType classifies what kind of information a fact carries.
type FactType string

const (
	FactTypePreference   FactType = "preference"
	FactTypeConstraint   FactType = "constraint"
	FactTypeEntity       FactType = "entity"
	FactTypeMention      FactType = "mention"
	FactTypeRelationship FactType = "relationship"
	FactTypeEvent        FactType = "event"
	FactTypeInstruction  FactType = "instruction"
	FactTypeObservation  FactType = "observation"
)

// IsValid checks if the fact type is one of the known values.
func (t FactType) IsValid() bool {
	switch t {
	case FactTypePreference, FactTypeConstraint, FactTypeEntity, FactTypeMention,
		FactTypeRelationship, FactTypeEvent, FactTypeInstruction, FactTypeObservation:
		return true
	default:
		return false
	}
}

// FactCategory groups facts by domain.
type FactCategory string

const (
	CategoryPersonal    FactCategory = "personal"
	CategoryBusiness    FactCategory = "business"
	CategoryTechnical   FactCategory = "technical"
	CategoryOperational FactCategory = "operational"
)

// IsValid checks if the category is one of the known values.
func (c FactCategory) IsValid() bool {
	switch c {
	case CategoryPersonal, CategoryBusiness, CategoryTechnical, CategoryOperational:
		return true
	default:
		return false
	}
}

// Provenance records which turns a fact was extracted from.
type Provenance struct {
	SourceTurnIDs []int `json:"source_turn_ids"`
}

// Fact is a scored unit of extracted knowledge, owned by the L2 working-memory
// tier. Facts are immutable once promoted; revisions create a new fact that
// links to the prior one via PriorFactID.
type Fact struct {
	FactID      string       `json:"fact_id"`
	SessionID   string       `json:"session_id"`
	Content     string       `json:"content"`
	FactType    FactType     `json:"fact_type"`
	Category    FactCategory `json:"category"`
	ExtractedAt time.Time    `json:"extracted_at"`

	Certainty float64 `json:"certainty"`
	Impact    float64 `json:"impact"`
	CIARScore float64 `json:"ciar_score"`

	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	Provenance    Provenance `json:"provenance"`
	Justification string     `json:"justification,omitempty"`
	PriorFactID   string     `json:"prior_fact_id,omitempty"`
}

// NewFact validates and returns an immutable fact value. The caller supplies
// the deterministic fact ID (see pkg/ciar) and the computed CIAR score.
func NewFact(factID, sessionID, content string, ft FactType, cat FactCategory, certainty, impact, ciar float64, extractedAt time.Time) (Fact, error) {
	if factID == "" || sessionID == "" {
		return Fact{}, fmt.Errorf("fact: fact_id and session_id are required")
	}
	if content == "" {
		return Fact{}, fmt.Errorf("fact: content is required")
	}
	if !ft.IsValid() {
		return Fact{}, fmt.Errorf("fact: invalid fact_type %q", ft)
	}
	if !cat.IsValid() {
		return Fact{}, fmt.Errorf("fact: invalid category %q", cat)
	}
	if certainty < 0 || certainty > 1 {
		return Fact{}, fmt.Errorf("fact: certainty %v out of [0,1]", certainty)
	}
	if impact < 0 || impact > 1 {
		return Fact{}, fmt.Errorf("fact: impact %v out of [0,1]", impact)
	}
	if ciar < 0 || ciar > 1 {
		return Fact{}, fmt.Errorf("fact: ciar_score %v out of [0,1]", ciar)
	}
	if extractedAt.IsZero() {
		extractedAt = time.Now().UTC()
	}
	return Fact{
		FactID:      factID,
		SessionID:   sessionID,
		Content:     content,
		FactType:    ft,
		Category:    cat,
		ExtractedAt: extractedAt,
		Certainty:   certainty,
		Impact:      impact,
		CIARScore:   ciar,
	}, nil
}
