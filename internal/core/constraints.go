package core

import (
	"context"
	"fmt"

	"txgraph/pkg/domain"
)

// Built-in rule names.
const (
	RuleAssociationCardinality = "association_cardinality"
	RuleRequiredProperties     = "required_properties"
	RulePropertyConstraints    = "property_constraints"
	RuleIndexFields            = "index_fields"
	RuleIncomingLinks          = "incoming_links"
)

// Validator runs the metadata-driven checks over a change set. It only reads
// entities; it never records changes.
type Validator struct {
	model      domain.ModelMetadata
	logger     Logger
	causeLimit int
	extra      map[string]map[string][]domain.PropertyConstraint
}

// NewValidator constructs a validator. causeLimit caps the causes kept per
// incoming link violation; values below one keep every cause.
func NewValidator(model domain.ModelMetadata, logger Logger, causeLimit int) *Validator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Validator{
		model:      model,
		logger:     logger,
		causeLimit: causeLimit,
		extra:      make(map[string]map[string][]domain.PropertyConstraint),
	}
}

// AddPropertyConstraint attaches a constraint to a property outside the model.
func (v *Validator) AddPropertyConstraint(typ, property string, c domain.PropertyConstraint) {
	if c == nil {
		return
	}
	byProp, ok := v.extra[typ]
	if !ok {
		byProp = make(map[string][]domain.PropertyConstraint)
		v.extra[typ] = byProp
	}
	byProp[property] = append(byProp[property], c)
}

// known filters the changes the metadata-driven checks apply to.
func (v *Validator) known(c EntityChange) bool {
	e := c.Entity
	if e == nil || e.removedOrTemporary() {
		return false
	}
	if _, ok := v.model.EntityMetadata(e.typ); !ok {
		v.logger.Debug("skipping validation of unknown type", "type", e.typ, "entity", e.String())
		return false
	}
	return true
}

func violation(kind domain.ViolationKind, rule string, e *Entity, field, msg string) domain.Violation {
	return domain.Violation{
		Kind:       kind,
		Rule:       rule,
		EntityType: e.typ,
		Entity:     e.id,
		Subject:    e.String(),
		Field:      field,
		Message:    msg,
	}
}

// CheckCardinality reports whether e satisfies the cardinality of end. At
// most two targets are counted.
func (v *Validator) CheckCardinality(e *Entity, end *domain.AssociationEnd) bool {
	return end.Cardinality.Accepts(e.countLinks(end.Name, 2))
}

// CheckAssociationCardinality validates every end of new entities and the
// touched ends of existing ones.
func (v *Validator) CheckAssociationCardinality(changes []EntityChange) domain.Result {
	var res domain.Result
	for _, c := range changes {
		if !v.known(c) {
			continue
		}
		e := c.Entity
		var ends []*domain.AssociationEnd
		if e.state.WasNew() {
			ends = endsOf(v.model, e.typ)
		} else {
			for _, name := range c.LinkNames() {
				if end, ok := endOf(v.model, e.typ, name); ok {
					ends = append(ends, end)
				}
			}
		}
		for _, end := range ends {
			if v.CheckCardinality(e, end) {
				continue
			}
			res.Add(violation(domain.ViolationCardinality, RuleAssociationCardinality, e, end.Name,
				fmt.Sprintf("%s: link %s must hold %s targets, has %d", e, end.Name, end.Cardinality, e.countLinks(end.Name, 2))))
		}
	}
	return res
}

func (v *Validator) required(e *Entity, c EntityChange) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, md := range typeChain(v.model, e.typ) {
		for _, name := range md.Required {
			if _, changed := c.Properties[name]; changed || e.state.WasNew() {
				add(name)
			}
		}
		if md.RequiredIf != nil {
			for _, name := range md.RequiredIf(e) {
				add(name)
			}
		}
	}
	return out
}

func (v *Validator) missing(e *Entity, name string) bool {
	switch propertyOf(v.model, e.typ, name).Type {
	case domain.PropertyBlob:
		_, ok := e.Blob(name)
		return !ok
	case domain.PropertyText:
		_, ok := e.BlobString(name)
		return !ok
	default:
		return domain.IsEmptyValue(e.Property(name))
	}
}

// CheckRequiredProperties reports required properties left empty. New
// entities are checked in full; existing ones for the properties they
// changed. Conditional requirements are always checked.
func (v *Validator) CheckRequiredProperties(changes []EntityChange) domain.Result {
	var res domain.Result
	for _, c := range changes {
		if !v.known(c) {
			continue
		}
		e := c.Entity
		for _, name := range v.required(e, c) {
			if v.missing(e, name) {
				res.Add(violation(domain.ViolationRequiredProperty, RuleRequiredProperties, e, name,
					fmt.Sprintf("%s: required property %s is missing", e, name)))
			}
		}
	}
	return res
}

func (v *Validator) constraintsOf(typ string) map[string][]domain.PropertyConstraint {
	out := make(map[string][]domain.PropertyConstraint)
	for _, md := range typeChain(v.model, typ) {
		for name, cs := range md.Constraints {
			out[name] = append(out[name], cs...)
		}
	}
	for _, t := range v.model.ThisAndSuperTypes(typ) {
		for name, cs := range v.extra[t] {
			out[name] = append(out[name], cs...)
		}
	}
	return out
}

// CheckOtherPropertyConstraints runs custom property constraints over the
// set values of new entities and the changed values of existing ones.
func (v *Validator) CheckOtherPropertyConstraints(changes []EntityChange) domain.Result {
	var res domain.Result
	for _, c := range changes {
		if !v.known(c) {
			continue
		}
		e := c.Entity
		constraints := v.constraintsOf(e.typ)
		for _, name := range sortedKeys(constraints) {
			if _, changed := c.Properties[name]; !changed && !e.state.WasNew() {
				continue
			}
			value := e.Property(name)
			if value == nil {
				continue
			}
			prop := propertyOf(v.model, e.typ, name)
			for _, constraint := range constraints[name] {
				if err := constraint.Check(e, prop, value); err != nil {
					res.Add(violation(domain.ViolationPropertyValidation, RulePropertyConstraints, e, name,
						fmt.Sprintf("%s: %v", e, err)))
				}
			}
		}
	}
	return res
}

// CheckIndexFields reports empty index fields. A link field must hold exactly
// one target.
func (v *Validator) CheckIndexFields(changes []EntityChange) domain.Result {
	var res domain.Result
	for _, c := range changes {
		if !v.known(c) {
			continue
		}
		e := c.Entity
		for _, idx := range indexesOf(v.model, e.typ) {
			if !e.state.WasNew() && !indexTouched(idx, c) {
				continue
			}
			for _, f := range idx.Fields {
				empty := false
				if f.Link {
					empty = e.countLinks(f.Name, 2) != 1
				} else {
					empty = domain.IsEmptyValue(e.Property(f.Name))
				}
				if empty {
					res.Add(violation(domain.ViolationIndexFieldEmpty, RuleIndexFields, e, f.Name,
						fmt.Sprintf("%s: field %s of index %s is empty", e, f.Name, idx)))
				}
			}
		}
	}
	return res
}

func indexTouched(idx *domain.Index, c EntityChange) bool {
	for _, f := range idx.Fields {
		if _, ok := c.Properties[f.Name]; ok {
			return true
		}
		if _, ok := c.Links[f.Name]; ok {
			return true
		}
	}
	return false
}

// CheckIncomingLinks reports live links pointing at deleted entities, one
// violation per referencing entity.
func (v *Validator) CheckIncomingLinks(changes []EntityChange) domain.Result {
	var res domain.Result
	bySource := make(map[*Entity]int)
	for _, c := range changes {
		target := c.Entity
		if target == nil || target.state != domain.StateRemovedSaved {
			continue
		}
		for _, ref := range target.session.incomingRefs(target, "") {
			i, ok := bySource[ref.source]
			if !ok {
				src := ref.source
				res.Add(violation(domain.ViolationIncomingLinks, RuleIncomingLinks, src, "",
					fmt.Sprintf("%s still links to deleted entities", src)))
				i = len(res.Violations) - 1
				bySource[src] = i
			}
			vl := &res.Violations[i]
			if v.causeLimit > 0 && len(vl.Causes) >= v.causeLimit {
				vl.TruncatedCauses++
				continue
			}
			vl.Causes = append(vl.Causes, domain.IncomingLinkCause{LinkName: ref.name, Target: target.String()})
		}
	}
	return res
}

func builtinRules() []Rule {
	check := func(name string, fn func(v *Validator, changes []EntityChange) domain.Result) Rule {
		return NewRule(name, func(_ context.Context, s *Session, changes []EntityChange) (domain.Result, error) {
			return fn(s.store.validator, changes), nil
		})
	}
	return []Rule{
		check(RuleAssociationCardinality, (*Validator).CheckAssociationCardinality),
		check(RuleRequiredProperties, (*Validator).CheckRequiredProperties),
		check(RulePropertyConstraints, (*Validator).CheckOtherPropertyConstraints),
		check(RuleIndexFields, (*Validator).CheckIndexFields),
		check(RuleIncomingLinks, (*Validator).CheckIncomingLinks),
	}
}
