package graph

import "time"

// RelationshipType discriminates the Relationship tagged union. Types fall
// into six families: structural, code, test, spec, temporal, and
// documentation/security/performance.
type RelationshipType string

const (
	// Structural
	RelBelongsTo RelationshipType = "BELONGS_TO"
	RelContains  RelationshipType = "CONTAINS"
	RelDefines   RelationshipType = "DEFINES"
	RelExports   RelationshipType = "EXPORTS"
	RelImports   RelationshipType = "IMPORTS"

	// Code
	RelCalls     RelationshipType = "CALLS"
	RelReferences RelationshipType = "REFERENCES"
	RelImplements RelationshipType = "IMPLEMENTS"
	RelExtends    RelationshipType = "EXTENDS"
	RelDependsOn  RelationshipType = "DEPENDS_ON"
	RelUses       RelationshipType = "USES"

	// Test
	RelTests      RelationshipType = "TESTS"
	RelValidates  RelationshipType = "VALIDATES"
	RelLocatedIn  RelationshipType = "LOCATED_IN"

	// Spec
	RelRequires RelationshipType = "REQUIRES"
	RelImpacts  RelationshipType = "IMPACTS"
	RelLinkedTo RelationshipType = "LINKED_TO"

	// Temporal
	RelPreviousVersion RelationshipType = "PREVIOUS_VERSION"
	RelChangedAt       RelationshipType = "CHANGED_AT"
	RelModifiedBy      RelationshipType = "MODIFIED_BY"
	RelCreatedIn       RelationshipType = "CREATED_IN"
	RelIntroducedIn    RelationshipType = "INTRODUCED_IN"
	RelModifiedIn      RelationshipType = "MODIFIED_IN"
	RelRemovedIn       RelationshipType = "REMOVED_IN"

	// Documentation / security / performance
	RelDocuments     RelationshipType = "DOCUMENTS"
	RelHasIssue      RelationshipType = "HAS_ISSUE"
	RelAffectsPerf   RelationshipType = "AFFECTS_PERFORMANCE"

	// Checkpoint membership (not a spec "family" edge). History records
	// checkpoint members in the graph store's checkpoint_members table
	// and does not create edges of this type.
	RelIncludes RelationshipType = "INCLUDES"
)

// temporalTypes is the set of RelationshipTypes that carry validFrom/validTo
// semantics: the "temporal" family of lifecycle edges. PREVIOUS_VERSION is
// a plain version-chain link and carries no validity window.
var temporalTypes = map[RelationshipType]bool{
	RelChangedAt:    true,
	RelModifiedBy:   true,
	RelCreatedIn:    true,
	RelIntroducedIn: true,
	RelModifiedIn:   true,
	RelRemovedIn:    true,
}

// IsTemporal reports whether a relationship type carries validity-window
// semantics.
func (t RelationshipType) IsTemporal() bool {
	return temporalTypes[t]
}

// Relationship is a directed typed edge between two entities.
type Relationship struct {
	ID           string                 `json:"id"`
	FromEntityID string                 `json:"fromEntityId"`
	ToEntityID   string                 `json:"toEntityId"`
	Type         RelationshipType       `json:"type"`
	Created      time.Time              `json:"created"`
	LastModified time.Time              `json:"lastModified"`
	Version      int                    `json:"version"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// ValidFrom/ValidTo are populated only when Type.IsTemporal(); Active
	// marks an open edge of any type.
	ValidFrom *time.Time `json:"validFrom,omitempty"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
	Active    bool       `json:"active,omitempty"`
}

// Triple identifies a relationship's (from, to, type) key, unique per open
// validity window.
type Triple struct {
	FromEntityID string
	ToEntityID   string
	Type         RelationshipType
}

func (r *Relationship) Triple() Triple {
	return Triple{FromEntityID: r.FromEntityID, ToEntityID: r.ToEntityID, Type: r.Type}
}

// IsOpen reports whether a temporal relationship's validity window is
// currently open (ValidTo is nil).
func (r *Relationship) IsOpen() bool {
	return r.ValidTo == nil
}
