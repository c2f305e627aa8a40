package core

import (
	"sort"

	"txgraph/pkg/domain"
)

// PropertyChange is the net change of one property (or blob) in a session.
// Old is the value at session start; New is the last written value.
type PropertyChange struct {
	Name string
	Kind domain.PropertyChangeKind
	Old  any
	New  any
}

// LinkChange is the net change of one link in a session.
type LinkChange struct {
	Name    string
	Kind    domain.LinkChangeKind
	Added   []*Entity
	Removed []*Entity

	set bool
}

// Has reports whether target appears on either side of the change.
func (c LinkChange) Has(target *Entity) bool {
	return containsEntity(c.Added, target) || containsEntity(c.Removed, target)
}

// WasRemoved reports whether target was unlinked in the session.
func (c LinkChange) WasRemoved(target *Entity) bool { return containsEntity(c.Removed, target) }

func (c *LinkChange) add(target *Entity) {
	if i := indexEntity(c.Removed, target); i >= 0 {
		c.Removed = append(c.Removed[:i:i], c.Removed[i+1:]...)
		return
	}
	if !containsEntity(c.Added, target) {
		c.Added = append(c.Added, target)
	}
}

func (c *LinkChange) remove(target *Entity) {
	if i := indexEntity(c.Added, target); i >= 0 {
		c.Added = append(c.Added[:i:i], c.Added[i+1:]...)
		return
	}
	if !containsEntity(c.Removed, target) {
		c.Removed = append(c.Removed, target)
	}
}

func (c *LinkChange) empty() bool { return len(c.Added) == 0 && len(c.Removed) == 0 }

// deriveKind recomputes the net kind after a merge.
func (c *LinkChange) deriveKind() {
	switch {
	case c.set && len(c.Added) > 0:
		c.Kind = domain.LinkSet
	case len(c.Added) > 0 && len(c.Removed) > 0:
		c.Kind = domain.LinkAddedRemove
	case len(c.Added) > 0:
		c.Kind = domain.LinkAdded
	default:
		c.Kind = domain.LinkRemoved
	}
}

func (c LinkChange) clone() LinkChange {
	c.Added = append([]*Entity(nil), c.Added...)
	c.Removed = append([]*Entity(nil), c.Removed...)
	return c
}

// EntityChange describes everything a session did to one entity.
type EntityChange struct {
	Entity     *Entity
	ID         domain.EntityID
	Type       string
	ChangeType domain.ChangeType
	Properties map[string]PropertyChange
	Links      map[string]LinkChange
}

// Property returns the change of the named property or blob.
func (c EntityChange) Property(name string) (PropertyChange, bool) {
	pc, ok := c.Properties[name]
	return pc, ok
}

// Link returns the change of the named link.
func (c EntityChange) Link(name string) (LinkChange, bool) {
	lc, ok := c.Links[name]
	return lc, ok
}

// PropertyNames lists the changed properties, sorted.
func (c EntityChange) PropertyNames() []string { return sortedKeys(c.Properties) }

// LinkNames lists the changed links, sorted.
func (c EntityChange) LinkNames() []string { return sortedKeys(c.Links) }

// OldProperty returns the value a property had before the session changed it,
// falling back to the current value for untouched properties.
func (c EntityChange) OldProperty(name string) any {
	if pc, ok := c.Properties[name]; ok {
		return pc.Old
	}
	if c.Entity == nil {
		return nil
	}
	return c.Entity.Property(name)
}

func (c EntityChange) clone() EntityChange {
	out := c
	out.Properties = make(map[string]PropertyChange, len(c.Properties))
	for k, v := range c.Properties {
		out.Properties[k] = v
	}
	out.Links = make(map[string]LinkChange, len(c.Links))
	for k, v := range c.Links {
		out.Links[k] = v.clone()
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func indexEntity(list []*Entity, e *Entity) int {
	for i, candidate := range list {
		if candidate == e {
			return i
		}
	}
	return -1
}

func containsEntity(list []*Entity, e *Entity) bool { return indexEntity(list, e) >= 0 }
