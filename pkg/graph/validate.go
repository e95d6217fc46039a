package graph

import "fmt"

// ValidateEntity checks the structural invariants every entity must satisfy
// before it is persisted: a non-empty id/type, and at most one variant
// payload. An entity with no payload passes, and whether the payload
// matches Type is not checked.
func ValidateEntity(e *Entity) error {
	if e.ID == "" {
		return fmt.Errorf("entity id must not be empty")
	}
	if e.Type == "" {
		return fmt.Errorf("entity %s: type must not be empty", e.ID)
	}

	variants := 0
	for _, present := range []bool{
		e.File != nil, e.Directory != nil, e.Module != nil, e.Symbol != nil,
		e.Test != nil, e.Spec != nil, e.Version != nil, e.Checkpoint != nil,
		e.Documentation != nil, e.BusinessDomain != nil,
		e.SemanticCluster != nil, e.SecurityIssue != nil,
	} {
		if present {
			variants++
		}
	}

	switch e.Type {
	case EntitySession:
		// Sessions are stored in the KV store, not as graph variant payloads.
		return nil
	default:
		if variants > 1 {
			return fmt.Errorf("entity %s: more than one variant payload set", e.ID)
		}
	}
	return nil
}

// ValidateRelationship checks the structural invariants every relationship
// must satisfy: non-empty endpoints/type, and that only temporal types
// carry validity windows.
func ValidateRelationship(r *Relationship) error {
	if r.FromEntityID == "" || r.ToEntityID == "" {
		return fmt.Errorf("relationship %s: from/to entity id must not be empty", r.ID)
	}
	if r.Type == "" {
		return fmt.Errorf("relationship %s: type must not be empty", r.ID)
	}
	if !r.Type.IsTemporal() && (r.ValidFrom != nil || r.ValidTo != nil) {
		return fmt.Errorf("relationship %s: non-temporal type %s must not carry validity window", r.ID, r.Type)
	}
	return nil
}
