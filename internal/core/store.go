package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"txgraph/pkg/domain"
)

// Store coordinates sessions over a persistent store: it owns the rules
// engine, the listener registry, the async notification workers and the
// flush lock that serializes validate-then-write across sessions.
type Store struct {
	id         string
	persistent domain.PersistentStore
	model      domain.ModelMetadata
	cfg        Config
	logger     Logger
	registerer prometheus.Registerer
	metrics    *Metrics
	rules      *RulesEngine
	validator  *Validator
	mux        *Multiplexer
	async      *asyncPool
	nowFn      func() time.Time

	destructorsMu sync.RWMutex
	destructors   map[string][]Destructor

	flushMu sync.Mutex

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
	closed     bool
	plugins    map[string]PluginMetadata
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. *slog.Logger satisfies Logger.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option { return func(s *Store) { s.cfg = cfg } }

// WithRulesEngine replaces the default rules engine.
func WithRulesEngine(engine *RulesEngine) Option {
	return func(s *Store) {
		if engine != nil {
			s.rules = engine
		}
	}
}

// WithRegisterer registers the store metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Store) { s.registerer = reg }
}

// WithDestructor runs fn before any entity of typ, or of a subtype, is deleted.
func WithDestructor(typ string, fn Destructor) Option {
	return func(s *Store) { s.addDestructor(typ, fn) }
}

// WithClock overrides the clock used to time flushes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Open builds a store over persistent using model as the metadata source.
func Open(persistent domain.PersistentStore, model domain.ModelMetadata, opts ...Option) (*Store, error) {
	if persistent == nil {
		return nil, errors.New("open store: persistent store required")
	}
	if model == nil {
		return nil, errors.New("open store: model required")
	}
	if v, ok := model.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	s := &Store{
		id:          uuid.NewString(),
		persistent:  persistent,
		model:       model,
		cfg:         DefaultConfig(),
		logger:      noopLogger{},
		nowFn:       func() time.Time { return time.Now().UTC() },
		destructors: make(map[string][]Destructor),
		sessions:    make(map[*Session]struct{}),
		plugins:     make(map[string]PluginMetadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.validate(); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if s.rules == nil {
		s.rules = NewDefaultRulesEngine()
	}
	s.metrics = newMetrics(s.registerer)
	s.validator = NewValidator(model, s.logger, s.cfg.IncomingLinkCauseLimit)
	s.mux = NewMultiplexer(s.id, model, s.logger, s.metrics)
	s.async = newAsyncPool(s, s.cfg.AsyncWorkers, s.cfg.AsyncQueueSize)
	s.logger.Debug("store opened", "store", s.id, "async_workers", s.cfg.AsyncWorkers)
	return s, nil
}

// ID returns the store identity used to qualify entity ids.
func (s *Store) ID() string { return s.id }

// Model returns the metadata the store validates against.
func (s *Store) Model() domain.ModelMetadata { return s.model }

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Multiplexer returns the listener registry.
func (s *Store) Multiplexer() *Multiplexer { return s.mux }

// Validator returns the constraint validator used by the built-in rules.
func (s *Store) Validator() *Validator { return s.validator }

// RulesEngine returns the engine evaluated on every flush.
func (s *Store) RulesEngine() *RulesEngine { return s.rules }

func (s *Store) addDestructor(typ string, fn Destructor) {
	if typ == "" || fn == nil {
		return
	}
	s.destructorsMu.Lock()
	defer s.destructorsMu.Unlock()
	s.destructors[typ] = append(s.destructors[typ], fn)
}

func (s *Store) destructorsFor(typ string) []Destructor {
	s.destructorsMu.RLock()
	defer s.destructorsMu.RUnlock()
	return append([]Destructor(nil), s.destructors[typ]...)
}

// BeginSession opens a new session.
func (s *Store) BeginSession(ctx context.Context) (*Session, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	sess := &Session{
		id:      uuid.NewString(),
		store:   s,
		tracker: newTracker(s.model, s.cfg.PostponeUniqueIndexes),
		handles: make(map[domain.EntityID]*Entity),
	}
	if err := sess.beginView(ctx); err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	s.sessions[sess] = struct{}{}
	return sess, nil
}

// RunInTransaction executes fn within a session and commits it. When ctx
// already carries an open session of this store, fn joins it and the outer
// caller stays responsible for committing.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, sess *Session) error) (err error) {
	if cur, ok := SessionFromContext(ctx); ok && cur.store == s && cur.IsOpen() {
		return fn(ctx, cur)
	}
	sess, err := s.BeginSession(ctx)
	if err != nil {
		return err
	}
	ctx = WithSession(ctx, sess)
	defer func() {
		if r := recover(); r != nil {
			_ = sess.Abort(ctx)
			panic(r)
		}
	}()
	if err := fn(ctx, sess); err != nil {
		_ = sess.Abort(ctx)
		return err
	}
	if err := sess.Commit(ctx); err != nil {
		_ = sess.Abort(ctx)
		return err
	}
	return nil
}

func (s *Store) release(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess)
}

// OpenSessions returns the number of sessions not yet committed or aborted.
func (s *Store) OpenSessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// WaitAsync blocks until every queued async notification has been delivered.
func (s *Store) WaitAsync() { s.async.wait() }

// Close drains the async workers, drops every listener and closes the
// persistent store. Sessions still open are reported and left unusable.
func (s *Store) Close() error {
	s.sessionsMu.Lock()
	if s.closed {
		s.sessionsMu.Unlock()
		return nil
	}
	s.sessionsMu.Unlock()

	s.async.close()

	s.sessionsMu.Lock()
	s.closed = true
	open := make([]string, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess.id)
	}
	s.sessionsMu.Unlock()
	if len(open) > 0 {
		s.logger.Warn("closing store with open sessions", "store", s.id, "count", len(open), "sessions", open)
	}
	s.mux.ClearAll()
	if err := s.persistent.Close(); err != nil {
		return fmt.Errorf("close persistent store: %w", err)
	}
	s.logger.Debug("store closed", "store", s.id)
	return nil
}
