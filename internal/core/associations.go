package core

import (
	"fmt"

	"txgraph/pkg/domain"
)

type incomingRef struct {
	source *Entity
	name   string
}

// incomingRefs lists the live links pointing at target, from the persistent
// view and from links added in the session. An empty name matches every link.
func (s *Session) incomingRefs(target *Entity, name string) []incomingRef {
	var candidates []incomingRef
	if target.persisted() {
		for _, in := range s.view.IncomingLinks(target.id) {
			if name != "" && in.Name != name {
				continue
			}
			if src := s.handle(in.Source); src != nil {
				candidates = append(candidates, incomingRef{source: src, name: in.Name})
			}
		}
	}
	for _, src := range s.tracker.ChangedEntities() {
		for linkName, lc := range s.tracker.links[src] {
			if (name == "" || linkName == name) && containsEntity(lc.Added, target) {
				candidates = append(candidates, incomingRef{source: src, name: linkName})
			}
		}
	}

	type refKey struct {
		source *Entity
		name   string
	}
	seen := make(map[refKey]struct{}, len(candidates))
	out := candidates[:0]
	for _, ref := range candidates {
		key := refKey(ref)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if ref.source.removedOrTemporary() || !ref.source.linksTo(ref.name, target) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// Link connects source to target through the named link and keeps the
// opposite end of a declared association in step. Single-valued ends drop
// their previous target.
func (s *Session) Link(source *Entity, name string, target *Entity) error {
	if source == nil || target == nil {
		return fmt.Errorf("link %s: nil entity", name)
	}
	end, ok := endOf(s.store.model, source.typ, name)
	if !ok {
		return source.AddLink(name, target)
	}
	opp, hasOpp := end.Opposite()
	switch {
	case !hasOpp && end.Cardinality.IsMultiple():
		return source.AddLink(name, target)
	case !hasOpp:
		return setToOne(source, name, target)
	case !end.Cardinality.IsMultiple() && !opp.Cardinality.IsMultiple():
		return setOneToOne(source, name, opp.Name, target)
	case !end.Cardinality.IsMultiple():
		return setManyToOne(source, name, target, opp.Name)
	case !opp.Cardinality.IsMultiple():
		return setManyToOne(target, opp.Name, source, name)
	default:
		return addManyToMany(source, name, target, opp.Name)
	}
}

// Unlink disconnects source from target on both ends of the association.
func (s *Session) Unlink(source *Entity, name string, target *Entity) error {
	if source == nil || target == nil {
		return fmt.Errorf("unlink %s: nil entity", name)
	}
	end, ok := endOf(s.store.model, source.typ, name)
	if !ok {
		return source.DeleteLink(name, target)
	}
	if opp, ok := end.Opposite(); ok {
		return removeManyToMany(source, name, target, opp.Name)
	}
	return removeToMany(source, name, target)
}

// clearLink detaches target from source, where source holds end. It is the
// non-cascading branch of delete propagation.
func clearLink(source *Entity, end *domain.AssociationEnd, target *Entity) error {
	opp, hasOpp := end.Opposite()
	if !hasOpp {
		if end.Cardinality.IsMultiple() {
			return removeToMany(source, end.Name, target)
		}
		return setToOne(source, end.Name, nil)
	}
	switch end.Kind {
	case domain.EndParent:
		if end.Cardinality.IsMultiple() {
			return removeOneToMany(source, end.Name, target, opp.Name)
		}
		return setOneToOne(target, opp.Name, end.Name, nil)
	case domain.EndChild:
		if opp.Cardinality.IsMultiple() {
			return removeOneToMany(target, opp.Name, source, end.Name)
		}
		return setOneToOne(source, end.Name, opp.Name, nil)
	default:
		if !end.Cardinality.IsMultiple() && !opp.Cardinality.IsMultiple() {
			return setOneToOne(source, end.Name, opp.Name, nil)
		}
		return removeManyToMany(source, end.Name, target, opp.Name)
	}
}

func alive(e *Entity) bool { return e != nil && !e.state.IsRemoved() }

// setOneToOne pairs a with b, releasing their previous partners. A nil b
// unpairs a.
func setOneToOne(a *Entity, aName, bName string, b *Entity) error {
	if prev := a.Link(aName); alive(prev) && prev != b {
		if err := prev.DeleteLinks(bName); err != nil {
			return err
		}
	}
	if b == nil {
		if !alive(a) {
			return nil
		}
		return a.DeleteLinks(aName)
	}
	if prev := b.Link(bName); alive(prev) && prev != a {
		if err := prev.DeleteLinks(aName); err != nil {
			return err
		}
	}
	if err := a.SetLink(aName, b); err != nil {
		return err
	}
	return b.SetLink(bName, a)
}

// setManyToOne points child.childName at parent and adds child to
// parent.parentName, leaving the previous parent's collection.
func setManyToOne(child *Entity, childName string, parent *Entity, parentName string) error {
	if prev := child.Link(childName); alive(prev) && prev != parent {
		if err := prev.DeleteLink(parentName, child); err != nil {
			return err
		}
	}
	if err := child.SetLink(childName, parent); err != nil {
		return err
	}
	return parent.AddLink(parentName, child)
}

// removeOneToMany takes child out of parent.parentName and clears
// child.childName.
func removeOneToMany(parent *Entity, parentName string, child *Entity, childName string) error {
	if alive(parent) {
		if err := parent.DeleteLink(parentName, child); err != nil {
			return err
		}
	}
	if alive(child) {
		return child.DeleteLinks(childName)
	}
	return nil
}

func addManyToMany(a *Entity, aName string, b *Entity, bName string) error {
	if err := a.AddLink(aName, b); err != nil {
		return err
	}
	return b.AddLink(bName, a)
}

func removeManyToMany(a *Entity, aName string, b *Entity, bName string) error {
	if alive(a) {
		if err := a.DeleteLink(aName, b); err != nil {
			return err
		}
	}
	if alive(b) {
		return b.DeleteLink(bName, a)
	}
	return nil
}

// setToOne sets or, for a nil target, clears a directed single-valued link.
func setToOne(source *Entity, name string, target *Entity) error {
	if !alive(source) {
		return nil
	}
	if target == nil {
		return source.DeleteLinks(name)
	}
	return source.SetLink(name, target)
}

func removeToMany(source *Entity, name string, target *Entity) error {
	if !alive(source) {
		return nil
	}
	return source.DeleteLink(name, target)
}
