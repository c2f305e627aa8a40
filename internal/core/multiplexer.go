package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"txgraph/pkg/domain"
)

// Multiplexer routes entity changes to listeners registered on an entity or
// on its type. It lives as long as the store that owns it.
type Multiplexer struct {
	mu       sync.RWMutex
	storeID  string
	model    domain.ModelMetadata
	logger   Logger
	metrics  *Metrics
	instance map[domain.FullEntityID][]Listener
	types    map[string][]Listener
}

// NewMultiplexer constructs an empty listener registry for one store.
func NewMultiplexer(storeID string, model domain.ModelMetadata, logger Logger, metrics *Metrics) *Multiplexer {
	if logger == nil {
		logger = noopLogger{}
	}
	if metrics == nil {
		metrics = newMetrics(nil)
	}
	return &Multiplexer{
		storeID:  storeID,
		model:    model,
		logger:   logger,
		metrics:  metrics,
		instance: make(map[domain.FullEntityID][]Listener),
		types:    make(map[string][]Listener),
	}
}

// Subscribe registers l for changes of e. Only persisted entities have a
// stable identity to register on.
func (m *Multiplexer) Subscribe(e *Entity, l Listener) error {
	if e == nil || l == nil {
		m.logger.Warn("ignoring listener registration with nil entity or listener")
		return nil
	}
	if !e.persisted() || e.state.IsRemoved() {
		return fmt.Errorf("subscribe to %s (%s): %w: %w", e, e.state, domain.ErrListenerRegistrationRejected, domain.ErrIllegalSessionState)
	}
	key := domain.FullEntityID{StoreID: m.storeID, EntityID: e.id}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instance[key] = appendListener(m.instance[key], l)
	return nil
}

// Unsubscribe removes l from e.
func (m *Multiplexer) Unsubscribe(e *Entity, l Listener) {
	if e == nil || l == nil {
		m.logger.Warn("ignoring listener removal with nil entity or listener")
		return
	}
	key := domain.FullEntityID{StoreID: m.storeID, EntityID: e.id}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rest := removeListener(m.instance[key], l); len(rest) > 0 {
		m.instance[key] = rest
	} else {
		delete(m.instance, key)
	}
}

// SubscribeType registers l for changes of every entity of typ or a subtype.
func (m *Multiplexer) SubscribeType(typ string, l Listener) {
	if typ == "" || l == nil {
		m.logger.Warn("ignoring type listener registration with empty type or nil listener")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[typ] = appendListener(m.types[typ], l)
}

// UnsubscribeType removes l from typ.
func (m *Multiplexer) UnsubscribeType(typ string, l Listener) {
	if typ == "" || l == nil {
		m.logger.Warn("ignoring type listener removal with empty type or nil listener")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rest := removeListener(m.types[typ], l); len(rest) > 0 {
		m.types[typ] = rest
	} else {
		delete(m.types, typ)
	}
}

// ClearAll drops every listener. Instance listeners still registered at this
// point were most likely leaked and are reported.
func (m *Multiplexer) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.instance) > 0 {
		leaked := make([]string, 0, len(m.instance))
		for key, ls := range m.instance {
			leaked = append(leaked, fmt.Sprintf("%s(%d)", key, len(ls)))
		}
		sort.Strings(leaked)
		m.logger.Warn("instance listeners still registered", "count", len(leaked), "entities", leaked)
	}
	m.instance = make(map[domain.FullEntityID][]Listener)
	m.types = make(map[string][]Listener)
}

// HasListeners reports whether any listener is registered.
func (m *Multiplexer) HasListeners() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instance) > 0 || len(m.types) > 0
}

// listenersFor returns instance listeners followed by type listeners for the
// type and its supertypes. The registry lock is not held while listeners run.
func (m *Multiplexer) listenersFor(c EntityChange) []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Listener
	if !c.ID.IsZero() {
		out = append(out, m.instance[domain.FullEntityID{StoreID: m.storeID, EntityID: c.ID}]...)
	}
	for _, typ := range m.model.ThisAndSuperTypes(c.Type) {
		out = append(out, m.types[typ]...)
	}
	return out
}

// Notify delivers changes for phase. Every listener of a change is called
// even when an earlier one fails. In the phases before the write, the first
// failure is returned once the change has been delivered to all its
// listeners; after the write, failures are logged.
func (m *Multiplexer) Notify(ctx context.Context, phase Phase, changes []EntityChange) error {
	if phase >= phaseCount {
		return fmt.Errorf("notify: unknown phase %d", phase)
	}
	for _, c := range changes {
		if int(c.ChangeType) >= domain.ChangeTypeCount {
			continue
		}
		call := dispatch[phase][c.ChangeType]
		var first error
		for _, l := range m.listenersFor(c) {
			err := m.deliver(ctx, call, l, c)
			if err == nil {
				continue
			}
			m.metrics.listenerFailures.WithLabelValues(phase.String()).Inc()
			lerr := &ListenerError{Phase: phase, Entity: changeSubject(c), Err: err}
			if !phase.aborts() {
				m.logger.Error("listener failed", "phase", phase.String(), "entity", lerr.Entity, "error", err)
				continue
			}
			if first == nil {
				first = lerr
			}
		}
		if first != nil {
			return first
		}
	}
	return nil
}

func (m *Multiplexer) deliver(ctx context.Context, call dispatchFunc, l Listener, c EntityChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return call(l, ctx, c)
}

func changeSubject(c EntityChange) string {
	if c.Entity != nil {
		return c.Entity.String()
	}
	return fmt.Sprintf("%s[%s]", c.Type, c.ID)
}

func appendListener(list []Listener, l Listener) []Listener {
	for _, existing := range list {
		if existing == l {
			return list
		}
	}
	return append(list, l)
}

func removeListener(list []Listener, l Listener) []Listener {
	out := list[:0:0]
	for _, existing := range list {
		if existing != l {
			out = append(out, existing)
		}
	}
	return out
}
