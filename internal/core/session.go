package core

import (
	"context"
	"errors"
	"fmt"

	"txgraph/pkg/domain"
)

// Session is a unit of work over the store. Mutations are buffered in entity
// handles and recorded by the tracker; Flush validates them and replays them
// into the persistent store. A session must be driven by one goroutine at a
// time.
type Session struct {
	id      string
	store   *Store
	view    domain.PersistentTx
	tracker *Tracker
	handles map[domain.EntityID]*Entity
	created []*Entity
	seq     int
	closed  bool
}

type sessionKey struct{}

// WithSession returns a context carrying s as the current session.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the current session carried by ctx, if any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Store returns the owning store.
func (s *Session) Store() *Store { return s.store }

// Tracker exposes the change tracker of the session.
func (s *Session) Tracker() *Tracker { return s.tracker }

// IsOpen reports whether the session still accepts work.
func (s *Session) IsOpen() bool { return !s.closed }

func (s *Session) checkOpen() error {
	if s.closed {
		return fmt.Errorf("session %s is closed: %w", s.id, domain.ErrIllegalSessionState)
	}
	return nil
}

// handle returns the session's handle for a persisted entity, nil when the
// entity does not exist.
func (s *Session) handle(id domain.EntityID) *Entity {
	if e, ok := s.handles[id]; ok {
		return e
	}
	typ, ok := s.view.TypeName(id.TypeID)
	if !ok || !s.view.Exists(id) {
		return nil
	}
	e := newEntity(s, typ, id, domain.StateSaved)
	s.handles[id] = e
	return e
}

func (s *Session) handleList(ids []domain.EntityID) []*Entity {
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if e := s.handle(id); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// NewEntity creates an entity of typ. It gets an id when flushed.
func (s *Session) NewEntity(typ string) (*Entity, error) {
	return s.newEntity(typ, false)
}

// NewTemporaryEntity creates an entity that takes part in the session but is
// never written to the persistent store.
func (s *Session) NewTemporaryEntity(typ string) (*Entity, error) {
	return s.newEntity(typ, true)
}

func (s *Session) newEntity(typ string, temporary bool) (*Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if typ == "" {
		return nil, errors.New("new entity: type required")
	}
	if _, ok := s.store.model.EntityMetadata(typ); !ok {
		s.store.logger.Debug("creating entity of undeclared type", "type", typ)
	}
	s.seq++
	e := newEntity(s, typ, domain.EntityID{}, domain.StateNew)
	e.seq = s.seq
	e.temporary = temporary
	s.created = append(s.created, e)
	s.tracker.EntityAdded(e)
	return e, nil
}

// Entity loads a persisted entity by id.
func (s *Session) Entity(id domain.EntityID) (*Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	e := s.handle(id)
	if e == nil {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrEntityNotFound)
	}
	if e.state.IsRemoved() {
		return nil, fmt.Errorf("%s: %w", e, domain.ErrEntityAlreadyRemoved)
	}
	return e, nil
}

// Entities lists the live entities of typ: persisted ones first, then those
// created in the session and not flushed yet.
func (s *Session) Entities(typ string) ([]*Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Entity
	for _, e := range s.handleList(s.view.Entities(typ)) {
		if !e.state.IsRemoved() {
			out = append(out, e)
		}
	}
	for _, e := range s.created {
		if e.typ == typ && !e.persisted() && !e.removedOrTemporary() {
			out = append(out, e)
		}
	}
	return out, nil
}

// ClearHistory drops the recorded property history of typ on flush.
func (s *Session) ClearHistory(typ string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.tracker.HistoryCleared(typ)
	return nil
}

// Flush validates the pending changes and writes them to the persistent
// store in one transaction. A constraint violation leaves the session usable
// so the caller can fix the data and retry; a listener or replay failure
// aborts the session.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	st := s.store
	if !s.tracker.HasPendingChanges() {
		st.metrics.flushes.WithLabelValues(flushNoop).Inc()
		return nil
	}
	start := st.nowFn()
	st.flushMu.Lock()
	changes, result, err := s.flushLocked(ctx)
	st.flushMu.Unlock()
	st.metrics.flushDuration.Observe(st.nowFn().Sub(start).Seconds())
	st.metrics.flushes.WithLabelValues(result).Inc()
	if err != nil {
		st.logger.Debug("flush failed", "session", s.id, "result", result, "error", err)
		return err
	}
	s.afterFlush(ctx, changes)
	return nil
}

func (s *Session) flushLocked(ctx context.Context) ([]EntityChange, string, error) {
	st := s.store
	if err := s.refreshView(ctx); err != nil {
		s.fail()
		return nil, flushReplayFail, fmt.Errorf("flush: %w", err)
	}

	if err := st.mux.Notify(ctx, PhaseBeforeConstraints, s.tracker.ChangesDescription()); err != nil {
		s.fail()
		return nil, flushListenerFail, fmt.Errorf("flush: %w", err)
	}

	changes := s.tracker.ChangesDescription()
	res, err := st.rules.Evaluate(ctx, s, changes)
	if err != nil {
		return nil, flushViolation, fmt.Errorf("flush: %w", err)
	}
	if !res.Empty() {
		st.metrics.recordViolations(res)
		return nil, flushViolation, &domain.ConstraintViolationError{Result: res}
	}

	if err := st.mux.Notify(ctx, PhaseBeforeFlush, changes); err != nil {
		s.fail()
		return nil, flushListenerFail, fmt.Errorf("flush: %w", err)
	}

	actions := s.tracker.DrainForFlush()
	for _, a := range actions {
		if err := a.apply(s.view, s.tracker); err != nil {
			var uerr *domain.UniqueIndexViolationError
			if errors.As(err, &uerr) {
				st.metrics.recordViolations(domain.Result{Violations: []domain.Violation{uerr.Violation()}})
			}
			s.fail()
			return nil, flushReplayFail, fmt.Errorf("flush: replay %s: %w", a, err)
		}
	}
	if err := s.view.Commit(ctx); err != nil {
		s.fail()
		return nil, flushReplayFail, fmt.Errorf("flush: commit: %w", err)
	}
	st.metrics.replayedActions.Add(float64(len(actions)))

	changes = s.tracker.ChangesDescription()
	s.settle()
	if err := s.beginView(ctx); err != nil {
		s.close()
		return nil, flushReplayFail, fmt.Errorf("flush: reopen view: %w", err)
	}
	return changes, flushOK, nil
}

// settle moves handles to their post-flush state and forgets what was
// recorded.
func (s *Session) settle() {
	for _, e := range s.tracker.ChangedEntities() {
		if e.temporary {
			continue
		}
		switch e.state {
		case domain.StateSavedNew:
			e.state = domain.StateSaved
		case domain.StateRemovedSaved:
			delete(s.handles, e.id)
		}
		e.resetOverlay()
	}
	live := s.created[:0]
	for _, e := range s.created {
		if !e.persisted() && !e.state.IsRemoved() {
			live = append(live, e)
		}
	}
	clear(s.created[len(live):])
	s.created = live
	s.tracker.Clear()
}

// afterFlush runs the post-commit notifications outside the flush lock.
// Changes made by after-flush listeners are left pending for the next flush.
func (s *Session) afterFlush(ctx context.Context, changes []EntityChange) {
	if len(changes) == 0 {
		return
	}
	_ = s.store.mux.Notify(ctx, PhaseAfterFlush, changes)
	if s.store.mux.HasListeners() {
		s.store.async.enqueue(changes)
	}
}

func (s *Session) refreshView(ctx context.Context) error {
	if s.view != nil {
		_ = s.view.Abort()
		s.view = nil
	}
	return s.beginView(ctx)
}

func (s *Session) beginView(ctx context.Context) error {
	tx, err := s.store.persistent.Begin(ctx)
	if err != nil {
		return err
	}
	s.view = tx
	return nil
}

// Commit flushes the session and closes it. On error the session stays open
// unless the failure already aborted it.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.close()
	return nil
}

// Abort discards the pending changes and closes the session. Aborting a
// closed session is a no-op.
func (s *Session) Abort(context.Context) error {
	if s.closed {
		return nil
	}
	s.fail()
	return nil
}

// fail compensates the in-session state of everything recorded since the last
// flush and closes the session.
func (s *Session) fail() {
	for _, a := range s.tracker.RollbackLog() {
		a.compensate()
	}
	s.close()
}

func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.view != nil {
		_ = s.view.Abort()
	}
	s.tracker.Dispose()
	s.store.release(s)
}
