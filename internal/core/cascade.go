package core

import (
	"errors"
	"fmt"

	"txgraph/pkg/domain"
)

// Destructor runs before an entity of its type is deleted, while the graph
// around the entity is still intact.
type Destructor func(e *Entity) error

// Delete removes e. A destructor pass walks the cascade running destructors,
// then a second pass performs link surgery and removes every entity the
// cascade reaches.
func (s *Session) Delete(e *Entity) error {
	if e == nil {
		return errors.New("delete: nil entity")
	}
	if e.session != s {
		return fmt.Errorf("delete %s: %w", e, domain.ErrIllegalSessionState)
	}
	if err := e.mutable(); err != nil {
		return err
	}
	if err := s.CascadeOnDelete(e, true, make(map[*Entity]struct{})); err != nil {
		return fmt.Errorf("delete %s: %w", e, err)
	}
	if err := s.CascadeOnDelete(e, false, make(map[*Entity]struct{})); err != nil {
		return fmt.Errorf("delete %s: %w", e, err)
	}
	return nil
}

// CascadeOnDelete propagates the deletion of e along its association ends.
// In the destructor pass only destructors run and cascades are followed; the
// other pass clears links and marks entities removed. processed holds the
// entities already visited by this invocation.
func (s *Session) CascadeOnDelete(e *Entity, destructorPhase bool, processed map[*Entity]struct{}) error {
	if _, done := processed[e]; done || e.state.IsRemoved() {
		return nil
	}
	processed[e] = struct{}{}

	if destructorPhase {
		for _, typ := range s.store.model.ThisAndSuperTypes(e.typ) {
			for _, fn := range s.store.destructorsFor(typ) {
				if err := fn(e); err != nil {
					return fmt.Errorf("destructor for %s: %w", e, err)
				}
			}
		}
	}

	for _, end := range endsOf(s.store.model, e.typ) {
		if !end.CascadeDelete && !end.ClearOnDelete {
			continue
		}
		cascade := end.CascadeDelete
		if opp, ok := end.Opposite(); ok && opp.TargetCascadeDelete {
			cascade = true
		}
		for _, target := range e.Links(end.Name) {
			if target.state.IsRemoved() {
				continue
			}
			var err error
			switch {
			case cascade:
				err = s.CascadeOnDelete(target, destructorPhase, processed)
			case !destructorPhase:
				err = clearLink(e, end, target)
			}
			if err != nil {
				return err
			}
		}
	}

	incoming := s.store.model.IncomingAssociations(e.typ)
	owners := sortedKeys(incoming)
	for _, owner := range owners {
		for _, name := range incoming[owner] {
			end, ok := endOf(s.store.model, owner, name)
			if !ok {
				continue
			}
			for _, ref := range s.incomingRefs(e, name) {
				if !isKindOf(s.store.model, ref.source.typ, owner) {
					continue
				}
				if lc, ok := s.tracker.links[ref.source][name]; ok && lc.WasRemoved(e) {
					continue
				}
				var err error
				switch {
				case end.TargetCascadeDelete:
					err = s.CascadeOnDelete(ref.source, destructorPhase, processed)
				case end.TargetClearOnDelete && !destructorPhase:
					err = clearLink(ref.source, end, e)
				}
				if err != nil {
					return err
				}
			}
		}
	}

	if destructorPhase || e.state.IsRemoved() {
		return nil
	}
	e.markRemoved()
	s.tracker.EntityDeleted(e)
	return nil
}
