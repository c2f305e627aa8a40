package core

import (
	"errors"
	"fmt"

	"txgraph/pkg/domain"
)

// ActionKind identifies a deferred write or its compensation.
type ActionKind uint8

// Action kinds. The last three only appear in the rollback log.
const (
	ActionCreateEntity ActionKind = iota + 1
	ActionSetProperty
	ActionDeleteProperty
	ActionAddLink
	ActionSetLink
	ActionDeleteLink
	ActionDeleteLinks
	ActionSetBlob
	ActionSetBlobString
	ActionDeleteBlob
	ActionClearHistory
	ActionMaintainIndex
	ActionDeleteIndexKeys
	ActionDeleteOutgoingLinks
	ActionDeleteEntity
	ActionUncreate
	ActionUndelete
	ActionRestoreLink
)

var actionNames = map[ActionKind]string{
	ActionCreateEntity:        "create_entity",
	ActionSetProperty:         "set_property",
	ActionDeleteProperty:      "delete_property",
	ActionAddLink:             "add_link",
	ActionSetLink:             "set_link",
	ActionDeleteLink:          "delete_link",
	ActionDeleteLinks:         "delete_links",
	ActionSetBlob:             "set_blob",
	ActionSetBlobString:       "set_blob_string",
	ActionDeleteBlob:          "delete_blob",
	ActionClearHistory:        "clear_history",
	ActionMaintainIndex:       "maintain_index",
	ActionDeleteIndexKeys:     "delete_index_keys",
	ActionDeleteOutgoingLinks: "delete_outgoing_links",
	ActionDeleteEntity:        "delete_entity",
	ActionUncreate:            "uncreate",
	ActionUndelete:            "undelete",
	ActionRestoreLink:         "restore_link",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action is one deferred operation against the persistent store.
type Action struct {
	Kind   ActionKind
	Entity *Entity
	// Target is the link target, or the previous target for ActionRestoreLink.
	Target *Entity
	Name   string
	Value  any
	Data   []byte
	Text   string
	Index  *domain.Index
	// Type names the entity type for ActionClearHistory.
	Type string
}

func (a *Action) String() string {
	switch {
	case a.Kind == ActionClearHistory:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Type)
	case a.Index != nil:
		return fmt.Sprintf("%s(%s, %s)", a.Kind, a.Entity, a.Index)
	case a.Target != nil:
		return fmt.Sprintf("%s(%s.%s -> %s)", a.Kind, a.Entity, a.Name, a.Target)
	case a.Name != "":
		return fmt.Sprintf("%s(%s.%s)", a.Kind, a.Entity, a.Name)
	default:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Entity)
	}
}

func (a *Action) involves(e *Entity) bool { return a.Entity == e || a.Target == e }

// apply replays a forward action. Actions on temporary or discarded entities
// are skipped.
func (a *Action) apply(tx domain.PersistentTx, t *Tracker) error {
	e := a.Entity
	switch a.Kind {
	case ActionClearHistory:
		return tx.ClearHistory(a.Type)
	case ActionCreateEntity:
		if e.removedOrTemporary() || e.persisted() {
			return nil
		}
		id, err := tx.NewEntity(e.typ)
		if err != nil {
			return err
		}
		e.bind(id)
		return nil
	case ActionDeleteIndexKeys, ActionDeleteOutgoingLinks, ActionDeleteEntity:
		if e.temporary || !e.persisted() {
			return nil
		}
		switch a.Kind {
		case ActionDeleteIndexKeys:
			return t.deleteIndexKeys(tx, e, "")
		case ActionDeleteOutgoingLinks:
			return tx.DeleteAllLinks(e.id)
		default:
			return tx.DeleteEntity(e.id)
		}
	}

	if e.removedOrTemporary() || !e.persisted() {
		return nil
	}
	switch a.Kind {
	case ActionSetProperty:
		return tx.SetProperty(e.id, a.Name, a.Value)
	case ActionDeleteProperty:
		if err := tx.DeleteProperty(e.id, a.Name); err != nil {
			return err
		}
		return t.deleteIndexKeys(tx, e, a.Name)
	case ActionAddLink, ActionSetLink:
		if a.Target.removedOrTemporary() || !a.Target.persisted() {
			return nil
		}
		if a.Kind == ActionAddLink {
			return tx.AddLink(e.id, a.Name, a.Target.id)
		}
		return tx.SetLink(e.id, a.Name, a.Target.id)
	case ActionDeleteLink:
		if a.Target.temporary || !a.Target.persisted() {
			return nil
		}
		return tx.DeleteLink(e.id, a.Name, a.Target.id)
	case ActionDeleteLinks:
		return tx.DeleteLinks(e.id, a.Name)
	case ActionSetBlob:
		return tx.SetBlob(e.id, a.Name, a.Data)
	case ActionSetBlobString:
		return tx.SetBlobString(e.id, a.Name, a.Text)
	case ActionDeleteBlob:
		return tx.DeleteBlob(e.id, a.Name)
	case ActionMaintainIndex:
		return t.maintainIndex(tx, e, a.Index)
	}
	return fmt.Errorf("cannot replay %s", a.Kind)
}

// compensate undoes the in-session effect of a forward operation.
func (a *Action) compensate() {
	e := a.Entity
	switch a.Kind {
	case ActionUncreate:
		if e.persisted() {
			e.unbind()
		}
	case ActionUndelete:
		e.undelete()
	case ActionRestoreLink:
		if a.Target == nil {
			delete(e.links, a.Name)
			return
		}
		e.links[a.Name] = []*Entity{a.Target}
	}
}

func (t *Tracker) maintainIndex(tx domain.PersistentTx, e *Entity, idx *domain.Index) error {
	if e.state.IsRemoved() {
		return nil
	}
	if e.state == domain.StateSaved {
		if err := tx.DeleteUniqueKey(idx, t.originalKey(tx, e, idx), e.id); err != nil {
			return err
		}
	}
	key := currentKey(e, idx)
	err := tx.InsertUniqueKey(idx, key, e.id)
	if errors.Is(err, domain.ErrUniqueKeyExists) {
		return &domain.UniqueIndexViolationError{EntityType: e.typ, Entity: e.id, Index: idx, Values: key}
	}
	return err
}

// deleteIndexKeys removes the original keys of every index on e, or of the
// indexes covering field when field is set.
func (t *Tracker) deleteIndexKeys(tx domain.PersistentTx, e *Entity, field string) error {
	if t.postponeUniqueIndexes {
		return nil
	}
	for _, idx := range indexesOf(t.model, e.typ) {
		if field != "" && !idx.Covers(field) {
			continue
		}
		if err := tx.DeleteUniqueKey(idx, t.originalKey(tx, e, idx), e.id); err != nil {
			return err
		}
	}
	return nil
}

// originalKey rebuilds the key e had in idx before the session touched it.
func (t *Tracker) originalKey(tx domain.PersistentTx, e *Entity, idx *domain.Index) []any {
	key := make([]any, len(idx.Fields))
	for i, f := range idx.Fields {
		if !f.Link {
			if pc, ok := t.props[e][f.Name]; ok {
				key[i] = pc.Old
				continue
			}
			key[i], _ = tx.Property(e.id, f.Name)
			continue
		}
		if lc, ok := t.links[e][f.Name]; ok {
			if len(lc.Removed) > 0 && lc.Removed[0].persisted() {
				key[i] = lc.Removed[0].id
			}
			continue
		}
		if id, ok := tx.Link(e.id, f.Name); ok {
			key[i] = id
		}
	}
	return key
}

func currentKey(e *Entity, idx *domain.Index) []any {
	key := make([]any, len(idx.Fields))
	for i, f := range idx.Fields {
		if !f.Link {
			key[i] = e.Property(f.Name)
			continue
		}
		if target := e.Link(f.Name); target != nil {
			key[i] = target.id
		}
	}
	return key
}
