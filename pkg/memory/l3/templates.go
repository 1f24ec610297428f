package l3

import (
	"fmt"
	"strings"
)

// Template is a named, pre-approved Cypher statement. All reads against the
// graph go through a template: parameters are bound, never interpolated, and
// non-temporal templates must filter superseded relations so agents never see
// stale state.
type Template struct {
	Name           string
	Cypher         string
	RequiredParams []string
	OptionalParams []string
	Category       string
	Description    string

	// Temporal templates may traverse superseded relations; everything else
	// must carry a factValidTo IS NULL guard.
	Temporal bool
}

// currentStateGuard is the clause every non-temporal template must contain.
const currentStateGuard = "factValidTo IS NULL"

// TemplateRegistry holds the approved templates keyed by name.
type TemplateRegistry struct {
	templates map[string]Template
}

// NewTemplateRegistry builds the registry with the built-in template set.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]Template)}
	for _, t := range builtinTemplates {
		r.mustRegister(t)
	}
	return r
}

func (r *TemplateRegistry) mustRegister(t Template) {
	if !t.Temporal && !strings.Contains(t.Cypher, currentStateGuard) {
		panic(fmt.Sprintf("template %s traverses relations without a current-state guard", t.Name))
	}
	r.templates[t.Name] = t
}

// Resolve validates the template name and parameters and returns the Cypher
// text plus the bound parameter map. Unknown templates and missing required
// parameters are rejected; unknown parameter names are rejected too so a
// typo cannot silently bind nothing.
func (r *TemplateRegistry) Resolve(name string, params map[string]any) (string, map[string]any, error) {
	t, ok := r.templates[name]
	if !ok {
		return "", nil, fmt.Errorf("unknown graph template %q", name)
	}

	allowed := make(map[string]bool, len(t.RequiredParams)+len(t.OptionalParams))
	for _, p := range t.RequiredParams {
		if _, ok := params[p]; !ok {
			return "", nil, fmt.Errorf("template %s: missing required parameter %q", name, p)
		}
		allowed[p] = true
	}
	for _, p := range t.OptionalParams {
		allowed[p] = true
	}
	for p := range params {
		if !allowed[p] {
			return "", nil, fmt.Errorf("template %s: unknown parameter %q", name, p)
		}
	}

	bound := make(map[string]any, len(params))
	for k, v := range params {
		bound[k] = v
	}
	// Optional parameters must exist in the map for the Cypher to reference
	// them; absent ones bind to null.
	for _, p := range t.OptionalParams {
		if _, ok := bound[p]; !ok {
			bound[p] = nil
		}
	}
	return t.Cypher, bound, nil
}

// List returns the registered templates, for the introspection endpoint.
func (r *TemplateRegistry) List() []Template {
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out
}

var builtinTemplates = []Template{
	{
		Name: "entity_relations",
		Cypher: `MATCH (s:Entity {name: $entity, sessionId: $sessionId})-[r:RELATES]->(o:Entity)
WHERE r.factValidTo IS NULL
RETURN s.name AS subject, r.predicate AS predicate, o.name AS object, r.factValidFrom AS factValidFrom`,
		RequiredParams: []string{"entity", "sessionId"},
		Category:       "relations",
		Description:    "Current outgoing relations of one entity.",
	},
	{
		Name: "related_entities",
		Cypher: `MATCH (s:Entity {name: $entity, sessionId: $sessionId})-[r:RELATES]-(other:Entity)
WHERE r.factValidTo IS NULL
RETURN DISTINCT other.name AS entity`,
		RequiredParams: []string{"entity", "sessionId"},
		Category:       "relations",
		Description:    "Entities currently connected to one entity in either direction.",
	},
	{
		Name: "current_relation",
		Cypher: `MATCH (s:Entity {name: $subject, sessionId: $sessionId})-[r:RELATES {predicate: $predicate}]->(o:Entity)
WHERE r.factValidTo IS NULL
RETURN o.name AS object, r.factValidFrom AS factValidFrom`,
		RequiredParams: []string{"subject", "predicate", "sessionId"},
		Category:       "relations",
		Description:    "The current object of one (subject, predicate) pair, if any.",
	},
	{
		Name: "relation_history",
		Cypher: `MATCH (s:Entity {name: $subject, sessionId: $sessionId})-[r:RELATES {predicate: $predicate}]->(o:Entity)
RETURN o.name AS object, r.factValidFrom AS factValidFrom, r.factValidTo AS factValidTo
ORDER BY r.factValidFrom`,
		RequiredParams: []string{"subject", "predicate", "sessionId"},
		Category:       "history",
		Description:    "Full supersession history of one (subject, predicate) pair.",
		Temporal:       true,
	},
	{
		Name: "session_entities",
		Cypher: `MATCH (e:Episode {sessionId: $sessionId})-[m:MENTIONS]->(n:Entity)
WHERE m.factValidTo IS NULL
RETURN DISTINCT n.name AS entity`,
		RequiredParams: []string{"sessionId"},
		Category:       "session",
		Description:    "All entities mentioned by a session's episodes.",
	},
	{
		Name: "episode_entities",
		Cypher: `MATCH (e:Episode {id: $episodeId})-[m:MENTIONS]->(n:Entity)
WHERE m.factValidTo IS NULL
RETURN n.name AS entity`,
		RequiredParams: []string{"episodeId"},
		Category:       "session",
		Description:    "Entities mentioned by one episode.",
	},
}
