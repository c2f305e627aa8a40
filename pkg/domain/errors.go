package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the core and the storage backends.
var (
	ErrEntityAlreadyRemoved         = errors.New("entity already removed")
	ErrIllegalSessionState          = errors.New("illegal session state")
	ErrListenerRegistrationRejected = errors.New("listener registration rejected")
	ErrEntityNotFound               = errors.New("entity not found")
	ErrStoreClosed                  = errors.New("store closed")
	ErrUniqueKeyExists              = errors.New("unique key already exists")
	ErrTxClosed                     = errors.New("persistent transaction closed")
	ErrConflict                     = errors.New("persistent state changed since transaction began")
)

// ViolationKind classifies a constraint violation.
type ViolationKind string

// Violation kinds reported by the constraint checks.
const (
	ViolationCardinality        ViolationKind = "cardinality"
	ViolationRequiredProperty   ViolationKind = "required_property"
	ViolationPropertyValidation ViolationKind = "property_validation"
	ViolationIndexFieldEmpty    ViolationKind = "index_field_empty"
	ViolationUniqueIndex        ViolationKind = "unique_index"
	ViolationIncomingLinks      ViolationKind = "incoming_links"
)

// IncomingLinkCause names one link that still points at a deleted entity.
type IncomingLinkCause struct {
	LinkName string
	Target   string
}

// Violation reports a failed constraint check.
type Violation struct {
	Kind       ViolationKind
	Rule       string
	EntityType string
	Entity     EntityID
	// Subject is a printable reference to the entity, set for entities that
	// have no persistent id yet.
	Subject string
	Field   string
	Message string
	Causes  []IncomingLinkCause
	// TruncatedCauses counts causes dropped beyond the configured limit.
	TruncatedCauses int
}

func (v Violation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", v.Kind, v.Message)
	if len(v.Causes) > 0 {
		parts := make([]string, len(v.Causes))
		for i, c := range v.Causes {
			parts[i] = c.LinkName + " -> " + c.Target
		}
		fmt.Fprintf(&b, " (%s", strings.Join(parts, ", "))
		if v.TruncatedCauses > 0 {
			fmt.Fprintf(&b, ", and %d more", v.TruncatedCauses)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// Add appends a single violation.
func (r *Result) Add(v Violation) { r.Violations = append(r.Violations, v) }

// Empty reports whether the result carries no violations.
func (r Result) Empty() bool { return len(r.Violations) == 0 }

// Has reports whether any violation of kind is present.
func (r Result) Has(kind ViolationKind) bool {
	for _, v := range r.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

// Count returns the number of violations of kind.
func (r Result) Count(kind ViolationKind) int {
	n := 0
	for _, v := range r.Violations {
		if v.Kind == kind {
			n++
		}
	}
	return n
}

// ConstraintViolationError is returned by a flush that failed validation.
type ConstraintViolationError struct {
	Result Result
}

func (e *ConstraintViolationError) Error() string {
	parts := make([]string, len(e.Result.Violations))
	for i, v := range e.Result.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("constraints violated (%d): %s", len(parts), strings.Join(parts, "; "))
}

// Has reports whether the error carries a violation of kind.
func (e *ConstraintViolationError) Has(kind ViolationKind) bool { return e.Result.Has(kind) }

// UniqueIndexViolationError is returned when a replayed index insert collides
// with an existing key.
type UniqueIndexViolationError struct {
	EntityType string
	Entity     EntityID
	Index      *Index
	Values     []any
}

func (e *UniqueIndexViolationError) Error() string {
	values := make([]string, len(e.Values))
	for i, v := range e.Values {
		values[i] = fmt.Sprint(v)
	}
	return fmt.Sprintf("index [%s] must be unique. Conflicting value: [%s]", e.Index, strings.Join(values, ", "))
}

// Violation renders the error as a violation record.
func (e *UniqueIndexViolationError) Violation() Violation {
	return Violation{
		Kind:       ViolationUniqueIndex,
		Rule:       "unique_index",
		EntityType: e.EntityType,
		Entity:     e.Entity,
		Field:      e.Index.Name,
		Message:    e.Error(),
	}
}
