package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"txgraph/internal/infra/persistence/memory"
	"txgraph/pkg/domain"
)

func TestRunInTransactionCommitsAndJoins(t *testing.T) {
	store, persistent := openTestStore(t)
	ctx := context.Background()
	var outer, inner *Session
	err := store.RunInTransaction(ctx, func(ctx context.Context, s *Session) error {
		outer = s
		if _, err := s.NewEntity("Doc"); err != nil {
			return err
		}
		return store.RunInTransaction(ctx, func(_ context.Context, s *Session) error {
			inner = s
			_, err := s.NewEntity("Doc")
			return err
		})
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outer == nil || outer != inner {
		t.Fatalf("nested call must join the outer session")
	}
	if got := committed(t, persistent).Entities("Doc"); len(got) != 2 {
		t.Fatalf("expected both docs committed, got %v", got)
	}
	if store.OpenSessions() != 0 || outer.IsOpen() {
		t.Fatalf("session must be closed after the transaction")
	}
}

func TestRunInTransactionAbortsOnErrorAndPanic(t *testing.T) {
	store, persistent := openTestStore(t)
	ctx := context.Background()
	failed := errors.New("validation in caller")
	err := store.RunInTransaction(ctx, func(_ context.Context, s *Session) error {
		newEntityOf(t, s, "Doc")
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("expected caller error, got %v", err)
	}

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_ = store.RunInTransaction(ctx, func(_ context.Context, s *Session) error {
			newEntityOf(t, s, "Doc")
			panic("boom")
		})
	}()

	if got := committed(t, persistent).Entities("Doc"); len(got) != 0 {
		t.Fatalf("aborted transactions wrote %v", got)
	}
	if store.OpenSessions() != 0 {
		t.Fatalf("aborted sessions must be released")
	}
}

func TestSessionFromContext(t *testing.T) {
	if _, ok := SessionFromContext(context.Background()); ok {
		t.Fatalf("background context carries no session")
	}
	store, _ := openTestStore(t)
	s := beginSession(t, store)
	got, ok := SessionFromContext(WithSession(context.Background(), s))
	if !ok || got != s {
		t.Fatalf("session not carried by context")
	}
}

func TestClosedSessionRejectsWork(t *testing.T) {
	store, _ := openTestStore(t)
	s := beginSession(t, store)
	doc := newEntityOf(t, s, "Doc")
	must(t, s.Commit(context.Background()))

	_, newErr := s.NewEntity("Doc")
	_, listErr := s.Entities("Doc")
	checks := map[string]error{
		"flush":    s.Flush(context.Background()),
		"property": doc.SetProperty("title", "late"),
		"history":  s.ClearHistory("Doc"),
		"new":      newErr,
		"list":     listErr,
	}
	for name, err := range checks {
		if !errors.Is(err, domain.ErrIllegalSessionState) {
			t.Fatalf("%s: expected closed session error, got %v", name, err)
		}
	}
	must(t, s.Abort(context.Background()))
}

func TestEntityLookup(t *testing.T) {
	store, _ := openTestStore(t)
	s := beginSession(t, store)
	a := newEntityOf(t, s, "Doc")
	b := newEntityOf(t, s, "Doc")
	mustFlush(t, s)
	fresh := newEntityOf(t, s, "Doc")
	must(t, b.Delete())

	list, err := s.Entities("Doc")
	must(t, err)
	if len(list) != 2 || list[0] != a || list[1] != fresh {
		t.Fatalf("unexpected listing %v", list)
	}
	got, err := s.Entity(a.ID())
	if err != nil || got != a {
		t.Fatalf("lookup must return the session handle, got %v %v", got, err)
	}
	if _, err := s.Entity(b.ID()); !errors.Is(err, domain.ErrEntityAlreadyRemoved) {
		t.Fatalf("expected removed error, got %v", err)
	}
	if _, err := s.Entity(domain.EntityID{TypeID: 42, LocalID: 1}); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.NewEntity(""); err == nil {
		t.Fatalf("expected error for empty type")
	}

	other := beginSession(t, store)
	seen, err := other.Entity(a.ID())
	must(t, err)
	if seen == a || seen.Session() != other || seen.State() != domain.StateSaved {
		t.Fatalf("each session must get its own handle")
	}
	if seen.String() != "Doc["+a.ID().String()+"]" || fresh.String() != "Doc[new#3]" {
		t.Fatalf("unexpected names %s %s", seen, fresh)
	}
}

func TestTemporaryEntitiesAreNeverWritten(t *testing.T) {
	store, persistent := openTestStore(t)
	s := beginSession(t, store)
	doc := newEntityOf(t, s, "Doc")
	scratch, err := s.NewTemporaryEntity("Doc")
	must(t, err)
	must(t, scratch.SetProperty("title", "scratch"))
	must(t, doc.AddLink("draft", scratch))
	for _, c := range s.Tracker().ChangesDescription() {
		if c.Entity == scratch {
			t.Fatalf("temporary entity must not be described")
		}
	}
	mustFlush(t, s)

	tx := committed(t, persistent)
	if got := tx.Entities("Doc"); len(got) != 1 || got[0] != doc.ID() {
		t.Fatalf("expected only the real doc, got %v", got)
	}
	if n := tx.CountLinks(doc.ID(), "draft", 0); n != 0 {
		t.Fatalf("link to temporary entity written")
	}
	if !scratch.IsTemporary() || scratch.State() != domain.StateNew {
		t.Fatalf("temporary entity must stay unsaved")
	}
}

func TestBlobsRoundTripThroughFlush(t *testing.T) {
	store, _ := openTestStore(t)
	s := beginSession(t, store)
	note := newEntityOf(t, s, "Note")
	must(t, note.SetBlobString("body", "hello"))
	must(t, note.SetBlob("attachment", []byte{1, 2, 3}))
	mustFlush(t, s)

	reader := beginSession(t, store)
	seen, err := reader.Entity(note.ID())
	must(t, err)
	if text, ok := seen.BlobString("body"); !ok || text != "hello" {
		t.Fatalf("unexpected body %q %v", text, ok)
	}
	if data, ok := seen.Blob("attachment"); !ok || len(data) != 3 {
		t.Fatalf("unexpected attachment %v %v", data, ok)
	}

	must(t, note.DeleteBlob("attachment"))
	pc, ok := s.Tracker().ChangedProperties(note)["attachment"]
	if !ok || pc.Kind != domain.PropertyRemoved {
		t.Fatalf("blob removal not tracked: %+v", pc)
	}
	mustFlush(t, s)
	again := beginSession(t, store)
	seen, err = again.Entity(note.ID())
	must(t, err)
	if _, ok := seen.Blob("attachment"); ok {
		t.Fatalf("deleted blob still readable")
	}
}

func TestClearHistoryReachesPersistentStore(t *testing.T) {
	store, persistent := openTestStore(t)
	s := beginSession(t, store)
	doc := newEntityOf(t, s, "Doc")
	must(t, doc.SetProperty("title", "v1"))
	mustFlush(t, s)
	must(t, doc.SetProperty("title", "v2"))
	mustFlush(t, s)
	if len(persistent.History("Doc")) == 0 {
		t.Fatalf("expected overwritten value in history")
	}
	must(t, s.ClearHistory("Doc"))
	mustFlush(t, s)
	if got := persistent.History("Doc"); len(got) != 0 {
		t.Fatalf("history not cleared: %v", got)
	}
}

func TestConcurrentSessionsSerializeFlushes(t *testing.T) {
	store, persistent := openTestStore(t)
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.RunInTransaction(context.Background(), func(_ context.Context, s *Session) error {
				acc, err := s.NewEntity("Account")
				if err != nil {
					return err
				}
				return acc.SetProperty("name", fmt.Sprintf("user-%d", i))
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction failed: %v", err)
		}
	}
	if got := committed(t, persistent).Entities("Account"); len(got) != n {
		t.Fatalf("expected %d accounts, got %d", n, len(got))
	}
}

func TestStoreCloseLifecycle(t *testing.T) {
	logger := &captureLogger{}
	store, err := Open(memory.NewStore(), testModel(t), WithLogger(logger))
	must(t, err)
	s := beginSession(t, store)
	must(t, store.Close())
	must(t, store.Close())
	if !logger.has("w:closing store with open sessions") {
		t.Fatalf("expected open session warning, got %v", logger.calls)
	}
	if _, err := store.BeginSession(context.Background()); !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.RunInTransaction(context.Background(), func(context.Context, *Session) error { return nil }); !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed from run, got %v", err)
	}
	_ = s.Abort(context.Background())
}

func TestOpenRejectsBadInput(t *testing.T) {
	if _, err := Open(nil, testModel(t)); err == nil {
		t.Fatalf("expected missing persistent store error")
	}
	if _, err := Open(memory.NewStore(), nil); err == nil {
		t.Fatalf("expected missing model error")
	}
	bad := domain.NewModel()
	must(t, bad.AddEntity(&domain.EntityMetadata{Type: "Orphan", SuperType: "Missing"}))
	if _, err := Open(memory.NewStore(), bad); !errors.Is(err, domain.ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.AsyncWorkers = 0
	if _, err := Open(memory.NewStore(), testModel(t), WithConfig(cfg)); err == nil {
		t.Fatalf("expected config validation error")
	}
}

func TestFlushMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store, _ := openTestStore(t, WithRegisterer(reg), WithClock(func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}))
	s := beginSession(t, store)
	mustFlush(t, s)
	newAccount(t, s, "")
	_ = s.Flush(context.Background())
	newEntityOf(t, s, "Doc")
	must(t, s.Abort(context.Background()))

	s = beginSession(t, store)
	newAccount(t, s, "ok")
	mustFlush(t, s)

	m := store.metrics
	if got := testutil.ToFloat64(m.flushes.WithLabelValues(flushNoop)); got != 1 {
		t.Fatalf("noop flushes = %v", got)
	}
	if got := testutil.ToFloat64(m.flushes.WithLabelValues(flushViolation)); got != 1 {
		t.Fatalf("violation flushes = %v", got)
	}
	if got := testutil.ToFloat64(m.flushes.WithLabelValues(flushOK)); got != 1 {
		t.Fatalf("ok flushes = %v", got)
	}
	if got := testutil.ToFloat64(m.violations.WithLabelValues(string(domain.ViolationRequiredProperty))); got != 1 {
		t.Fatalf("required violations = %v", got)
	}
	if got := testutil.ToFloat64(m.replayedActions); got == 0 {
		t.Fatalf("expected replayed actions to be counted")
	}
	if n, err := testutil.GatherAndCount(reg, "txgraph_flush_duration_seconds"); err != nil || n != 1 {
		t.Fatalf("flush duration not registered: %d %v", n, err)
	}
}
