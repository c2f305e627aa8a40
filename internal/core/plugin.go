package core

import (
	"fmt"
	"sort"

	"txgraph/pkg/domain"
)

// Plugin packages rules, listeners, destructors and property constraints
// that extend a store.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *PluginRegistry) error
}

type typeListener struct {
	typ      string
	listener Listener
}

type propertyConstraint struct {
	typ        string
	property   string
	constraint domain.PropertyConstraint
}

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	rules       []Rule
	listeners   []typeListener
	destructors map[string][]Destructor
	constraints []propertyConstraint
}

// NewPluginRegistry constructs a plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{destructors: make(map[string][]Destructor)}
}

// RegisterRule adds a flush-time rule contributed by the plugin.
func (r *PluginRegistry) RegisterRule(rule Rule) {
	if rule == nil {
		return
	}
	r.rules = append(r.rules, rule)
}

// RegisterTypeListener subscribes l to changes of typ once installed.
func (r *PluginRegistry) RegisterTypeListener(typ string, l Listener) {
	if typ == "" || l == nil {
		return
	}
	r.listeners = append(r.listeners, typeListener{typ: typ, listener: l})
}

// RegisterDestructor runs fn before entities of typ are deleted.
func (r *PluginRegistry) RegisterDestructor(typ string, fn Destructor) {
	if typ == "" || fn == nil {
		return
	}
	r.destructors[typ] = append(r.destructors[typ], fn)
}

// RegisterPropertyConstraint validates typ.property with c.
func (r *PluginRegistry) RegisterPropertyConstraint(typ, property string, c domain.PropertyConstraint) error {
	if typ == "" || property == "" {
		return fmt.Errorf("property constraint requires type and property")
	}
	if c == nil {
		return fmt.Errorf("property constraint for %s.%s is nil", typ, property)
	}
	r.constraints = append(r.constraints, propertyConstraint{typ: typ, property: property, constraint: c})
	return nil
}

// Rules returns a copy of registered rules.
func (r *PluginRegistry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// ListenerTypes returns the types plugin listeners are registered on, sorted.
func (r *PluginRegistry) ListenerTypes() []string {
	seen := make(map[string]struct{})
	for _, tl := range r.listeners {
		seen[tl.typ] = struct{}{}
	}
	return sortedKeys(seen)
}

// DestructorTypes returns the types with plugin destructors, sorted.
func (r *PluginRegistry) DestructorTypes() []string { return sortedKeys(r.destructors) }

// PluginMetadata stores metadata describing an installed plugin.
type PluginMetadata struct {
	Name            string
	Version         string
	Rules           []string
	ListenerTypes   []string
	DestructorTypes []string
	Constraints     int
}

// InstallPlugin registers a plugin, wiring its contributions into the store.
// It waits for in-flight flushes so rules never change mid-evaluation.
func (s *Store) InstallPlugin(plugin Plugin) (PluginMetadata, error) {
	if plugin == nil {
		return PluginMetadata{}, fmt.Errorf("plugin cannot be nil")
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if _, ok := s.plugins[plugin.Name()]; ok {
		return PluginMetadata{}, fmt.Errorf("plugin %s already registered", plugin.Name())
	}

	registry := NewPluginRegistry()
	if err := plugin.Register(registry); err != nil {
		return PluginMetadata{}, fmt.Errorf("register plugin %s: %w", plugin.Name(), err)
	}

	meta := PluginMetadata{
		Name:            plugin.Name(),
		Version:         plugin.Version(),
		ListenerTypes:   registry.ListenerTypes(),
		DestructorTypes: registry.DestructorTypes(),
		Constraints:     len(registry.constraints),
	}
	for _, rule := range registry.Rules() {
		s.rules.Register(rule)
		meta.Rules = append(meta.Rules, rule.Name())
	}
	for _, tl := range registry.listeners {
		s.mux.SubscribeType(tl.typ, tl.listener)
	}
	for typ, fns := range registry.destructors {
		for _, fn := range fns {
			s.addDestructor(typ, fn)
		}
	}
	for _, pc := range registry.constraints {
		s.validator.AddPropertyConstraint(pc.typ, pc.property, pc.constraint)
	}
	s.plugins[plugin.Name()] = meta
	s.logger.Info("plugin installed", "plugin", meta.Name, "version", meta.Version, "rules", len(meta.Rules))
	return meta, nil
}

// RegisteredPlugins returns metadata describing installed plugins, sorted by name.
func (s *Store) RegisteredPlugins() []PluginMetadata {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	out := make([]PluginMetadata, 0, len(s.plugins))
	for _, meta := range s.plugins {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
