package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Cardinality bounds the number of targets an association end may hold.
type Cardinality uint8

// Supported cardinalities.
const (
	CardinalityZeroOrOne Cardinality = iota
	CardinalityOne
	CardinalityZeroOrMany
	CardinalityOneOrMany
)

func (c Cardinality) String() string {
	switch c {
	case CardinalityZeroOrOne:
		return "0..1"
	case CardinalityOne:
		return "1"
	case CardinalityZeroOrMany:
		return "0..n"
	case CardinalityOneOrMany:
		return "1..n"
	default:
		return fmt.Sprintf("cardinality(%d)", uint8(c))
	}
}

// IsMultiple reports whether the end may hold more than one target.
func (c Cardinality) IsMultiple() bool {
	return c == CardinalityZeroOrMany || c == CardinalityOneOrMany
}

// Accepts reports whether count targets satisfy the cardinality. Counts above
// one are only meaningful for single-valued ends.
func (c Cardinality) Accepts(count int) bool {
	switch c {
	case CardinalityZeroOrOne:
		return count <= 1
	case CardinalityOne:
		return count == 1
	case CardinalityOneOrMany:
		return count >= 1
	default:
		return true
	}
}

// EndKind is the role an association end plays.
type EndKind uint8

// Association end kinds.
const (
	EndDirected EndKind = iota
	EndParent
	EndChild
	EndUndirected
)

func (k EndKind) String() string {
	switch k {
	case EndDirected:
		return "directed"
	case EndParent:
		return "parent"
	case EndChild:
		return "child"
	case EndUndirected:
		return "undirected"
	default:
		return fmt.Sprintf("end(%d)", uint8(k))
	}
}

// AssociationEnd describes one navigable side of an association: the link
// named Name stored on entities of SourceType pointing at TargetType.
type AssociationEnd struct {
	Name        string
	SourceType  string
	TargetType  string
	Cardinality Cardinality
	Kind        EndKind

	// CascadeDelete removes the targets when the source is deleted.
	CascadeDelete bool
	// ClearOnDelete unlinks the targets when the source is deleted.
	ClearOnDelete bool
	// TargetCascadeDelete removes the source when a target is deleted.
	TargetCascadeDelete bool
	// TargetClearOnDelete unlinks the source when a target is deleted.
	TargetClearOnDelete bool

	association *Association
}

// Association returns the association the end belongs to, nil before the end
// is registered with a Model.
func (e *AssociationEnd) Association() *Association { return e.association }

// Opposite returns the other end of the association, if any.
func (e *AssociationEnd) Opposite() (*AssociationEnd, bool) {
	if e.association == nil {
		return nil, false
	}
	opp, err := e.association.Opposite(e)
	if err != nil || opp == nil {
		return nil, false
	}
	return opp, true
}

func (e *AssociationEnd) String() string {
	return fmt.Sprintf("%s.%s[%s]", e.SourceType, e.Name, e.Cardinality)
}

// Association pairs one or two ends. Directed associations have one end.
type Association struct {
	Name string
	ends []*AssociationEnd
}

// Ends returns the ends of the association.
func (a *Association) Ends() []*AssociationEnd {
	out := make([]*AssociationEnd, len(a.ends))
	copy(out, a.ends)
	return out
}

// Opposite returns the end paired with end. It returns nil without error for
// directed associations and an error when end does not belong to a.
func (a *Association) Opposite(end *AssociationEnd) (*AssociationEnd, error) {
	for i, candidate := range a.ends {
		if candidate != end {
			continue
		}
		if len(a.ends) == 1 {
			return nil, nil
		}
		return a.ends[1-i], nil
	}
	return nil, fmt.Errorf("association %s: end %s not part of association", a.Name, end.Name)
}

// PropertyType distinguishes how a property value is stored.
type PropertyType uint8

// Property types.
const (
	PropertyPrimitive PropertyType = iota
	PropertyBlob
	PropertyText
)

// PropertyMetadata describes a declared property.
type PropertyMetadata struct {
	Name string
	Type PropertyType
}

// EntityReader is the read surface of an entity handle available to
// constraints and conditional required-property callbacks.
type EntityReader interface {
	Type() string
	ID() EntityID
	State() EntityState
	Property(name string) any
	Blob(name string) ([]byte, bool)
	BlobString(name string) (string, bool)
}

// PropertyConstraint validates a single property value.
type PropertyConstraint interface {
	Check(e EntityReader, prop PropertyMetadata, value any) error
}

// PropertyConstraintFunc adapts a function to PropertyConstraint.
type PropertyConstraintFunc func(e EntityReader, prop PropertyMetadata, value any) error

// Check implements PropertyConstraint.
func (f PropertyConstraintFunc) Check(e EntityReader, prop PropertyMetadata, value any) error {
	return f(e, prop, value)
}

// IndexField names one component of a unique index key.
type IndexField struct {
	Name string
	Link bool
}

// Index is a unique index over properties and/or single-valued links of a type.
type Index struct {
	Name   string
	Type   string
	Fields []IndexField
}

func (i *Index) String() string {
	names := make([]string, len(i.Fields))
	for n, f := range i.Fields {
		names[n] = f.Name
	}
	return fmt.Sprintf("%s(%s)", i.Type, strings.Join(names, ", "))
}

// Covers reports whether the index has a field with the given name.
func (i *Index) Covers(field string) bool {
	for _, f := range i.Fields {
		if f.Name == field {
			return true
		}
	}
	return false
}

// EntityMetadata describes one entity type.
type EntityMetadata struct {
	Type       string
	SuperType  string
	Properties map[string]PropertyMetadata
	// Required lists properties that must be non-empty.
	Required []string
	// RequiredIf returns additional properties that are required given the
	// current entity values.
	RequiredIf func(e EntityReader) []string
	// Constraints maps property names to their custom constraints.
	Constraints map[string][]PropertyConstraint
	Indexes     []*Index

	ends       []*AssociationEnd
	endsByName map[string]*AssociationEnd
}

// AssociationEnds returns the ends declared on this type, in registration order.
func (m *EntityMetadata) AssociationEnds() []*AssociationEnd {
	out := make([]*AssociationEnd, len(m.ends))
	copy(out, m.ends)
	return out
}

// AssociationEnd looks up an end by link name.
func (m *EntityMetadata) AssociationEnd(name string) (*AssociationEnd, bool) {
	end, ok := m.endsByName[name]
	return end, ok
}

// Property returns the metadata of a declared property. Undeclared properties
// are reported as primitives.
func (m *EntityMetadata) Property(name string) PropertyMetadata {
	if p, ok := m.Properties[name]; ok {
		if p.Name == "" {
			p.Name = name
		}
		return p
	}
	return PropertyMetadata{Name: name, Type: PropertyPrimitive}
}

// IndexesFor returns the indexes covering field.
func (m *EntityMetadata) IndexesFor(field string) []*Index {
	var out []*Index
	for _, idx := range m.Indexes {
		if idx.Covers(field) {
			out = append(out, idx)
		}
	}
	return out
}

// ModelMetadata is the read-only metadata view consumed by the core.
type ModelMetadata interface {
	EntityMetadata(typ string) (*EntityMetadata, bool)
	// ThisAndSuperTypes returns typ followed by its ancestors.
	ThisAndSuperTypes(typ string) []string
	// IncomingAssociations returns, keyed by owning type, the link names of
	// ends targeting typ (or a supertype) that carry a target-side delete flag.
	IncomingAssociations(typ string) map[string][]string
}

// ErrInvalidModel reports inconsistent metadata.
var ErrInvalidModel = errors.New("invalid model")

// Model is a mutable metadata registry. It must not be modified after a store
// has been opened over it.
type Model struct {
	types        map[string]*EntityMetadata
	associations []*Association
}

var _ ModelMetadata = (*Model)(nil)

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{types: make(map[string]*EntityMetadata)}
}

// AddEntity registers an entity type.
func (m *Model) AddEntity(md *EntityMetadata) error {
	if md == nil || md.Type == "" {
		return fmt.Errorf("%w: entity type required", ErrInvalidModel)
	}
	if _, exists := m.types[md.Type]; exists {
		return fmt.Errorf("%w: entity type %s already registered", ErrInvalidModel, md.Type)
	}
	if md.endsByName == nil {
		md.endsByName = make(map[string]*AssociationEnd)
	}
	for _, idx := range md.Indexes {
		if len(idx.Fields) == 0 {
			return fmt.Errorf("%w: index on %s has no fields", ErrInvalidModel, md.Type)
		}
		idx.Type = md.Type
		if idx.Name == "" {
			idx.Name = idx.String()
		}
	}
	m.types[md.Type] = md
	return nil
}

// Associate registers an association. Pass a nil second end for a directed
// association.
func (m *Model) Associate(name string, end, opposite *AssociationEnd) (*Association, error) {
	if end == nil {
		return nil, fmt.Errorf("%w: association %s has no ends", ErrInvalidModel, name)
	}
	ends := []*AssociationEnd{end}
	if opposite != nil {
		if err := checkPair(end, opposite); err != nil {
			return nil, fmt.Errorf("%w: association %s: %v", ErrInvalidModel, name, err)
		}
		ends = append(ends, opposite)
	} else if end.Kind != EndDirected {
		return nil, fmt.Errorf("%w: association %s: %s end requires an opposite", ErrInvalidModel, name, end.Kind)
	}
	for _, e := range ends {
		if e.association != nil {
			return nil, fmt.Errorf("%w: end %s already belongs to association %s", ErrInvalidModel, e.Name, e.association.Name)
		}
		owner, ok := m.types[e.SourceType]
		if !ok {
			return nil, fmt.Errorf("%w: association %s: unknown source type %s", ErrInvalidModel, name, e.SourceType)
		}
		if _, ok := m.types[e.TargetType]; !ok {
			return nil, fmt.Errorf("%w: association %s: unknown target type %s", ErrInvalidModel, name, e.TargetType)
		}
		if _, dup := owner.endsByName[e.Name]; dup {
			return nil, fmt.Errorf("%w: link %s.%s already declared", ErrInvalidModel, e.SourceType, e.Name)
		}
	}
	assoc := &Association{Name: name, ends: ends}
	for _, e := range ends {
		e.association = assoc
		owner := m.types[e.SourceType]
		owner.ends = append(owner.ends, e)
		owner.endsByName[e.Name] = e
	}
	m.associations = append(m.associations, assoc)
	return assoc, nil
}

func checkPair(a, b *AssociationEnd) error {
	if a.SourceType != b.TargetType || a.TargetType != b.SourceType {
		return fmt.Errorf("ends %s and %s do not point at each other", a, b)
	}
	switch {
	case a.Kind == EndParent && b.Kind == EndChild, a.Kind == EndChild && b.Kind == EndParent:
	case a.Kind == EndUndirected && b.Kind == EndUndirected:
	default:
		return fmt.Errorf("incompatible end kinds %s and %s", a.Kind, b.Kind)
	}
	if a.Kind == EndChild && a.Cardinality.IsMultiple() {
		return fmt.Errorf("child end %s must be single-valued", a)
	}
	if b.Kind == EndChild && b.Cardinality.IsMultiple() {
		return fmt.Errorf("child end %s must be single-valued", b)
	}
	return nil
}

// Validate checks that every supertype exists and every end belongs to one
// association.
func (m *Model) Validate() error {
	for _, typ := range m.Types() {
		md := m.types[typ]
		seen := map[string]struct{}{typ: {}}
		for super := md.SuperType; super != ""; {
			parent, ok := m.types[super]
			if !ok {
				return fmt.Errorf("%w: %s extends unknown type %s", ErrInvalidModel, typ, super)
			}
			if _, loop := seen[super]; loop {
				return fmt.Errorf("%w: inheritance cycle at %s", ErrInvalidModel, super)
			}
			seen[super] = struct{}{}
			super = parent.SuperType
		}
		for _, end := range md.ends {
			if end.association == nil {
				return fmt.Errorf("%w: end %s has no association", ErrInvalidModel, end)
			}
			if opp, _ := end.association.Opposite(end); opp == nil && end.Kind != EndDirected {
				return fmt.Errorf("%w: %s end %s has no opposite", ErrInvalidModel, end.Kind, end)
			}
		}
	}
	return nil
}

// Types returns the registered type names, sorted.
func (m *Model) Types() []string {
	out := make([]string, 0, len(m.types))
	for typ := range m.types {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// EntityMetadata implements ModelMetadata.
func (m *Model) EntityMetadata(typ string) (*EntityMetadata, bool) {
	md, ok := m.types[typ]
	return md, ok
}

// ThisAndSuperTypes implements ModelMetadata.
func (m *Model) ThisAndSuperTypes(typ string) []string {
	out := []string{typ}
	md, ok := m.types[typ]
	for ok && md.SuperType != "" && len(out) <= len(m.types) {
		out = append(out, md.SuperType)
		md, ok = m.types[md.SuperType]
	}
	return out
}

// IncomingAssociations implements ModelMetadata.
func (m *Model) IncomingAssociations(typ string) map[string][]string {
	targets := make(map[string]struct{})
	for _, t := range m.ThisAndSuperTypes(typ) {
		targets[t] = struct{}{}
	}
	out := make(map[string][]string)
	for _, owner := range m.Types() {
		for _, end := range m.types[owner].ends {
			if !end.TargetCascadeDelete && !end.TargetClearOnDelete {
				continue
			}
			if _, ok := targets[end.TargetType]; ok {
				out[owner] = append(out[owner], end.Name)
			}
		}
	}
	return out
}
