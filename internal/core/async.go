package core

import (
	"context"
	"fmt"
	"sync"

	"txgraph/pkg/domain"
)

// detachedChange is an EntityChange stripped of session handles so it can
// outlive the session that produced it.
type detachedChange struct {
	change EntityChange
	links  map[string]detachedLink
}

type detachedLink struct {
	kind    domain.LinkChangeKind
	added   []domain.EntityID
	removed []domain.EntityID
}

func detach(changes []EntityChange) []detachedChange {
	out := make([]detachedChange, 0, len(changes))
	for _, c := range changes {
		d := detachedChange{change: c.clone(), links: make(map[string]detachedLink, len(c.Links))}
		d.change.Entity = nil
		d.change.Links = nil
		for name, lc := range c.Links {
			d.links[name] = detachedLink{kind: lc.Kind, added: entityIDs(lc.Added), removed: entityIDs(lc.Removed)}
		}
		out = append(out, d)
	}
	return out
}

func entityIDs(list []*Entity) []domain.EntityID {
	out := make([]domain.EntityID, 0, len(list))
	for _, e := range list {
		if e.persisted() {
			out = append(out, e.id)
		}
	}
	return out
}

// attach rebinds detached changes to s. Removed entities keep only their id.
func attach(s *Session, detached []detachedChange) []EntityChange {
	out := make([]EntityChange, 0, len(detached))
	for _, d := range detached {
		c := d.change
		if c.ChangeType != domain.ChangeRemove {
			c.Entity = s.handle(c.ID)
		}
		c.Links = make(map[string]LinkChange, len(d.links))
		for name, dl := range d.links {
			c.Links[name] = LinkChange{Name: name, Kind: dl.kind, Added: s.handleList(dl.added), Removed: s.handleList(dl.removed)}
		}
		out = append(out, c)
	}
	return out
}

// asyncPool delivers after-flush-async notifications on a bounded set of
// workers. Each job runs in its own store transaction.
type asyncPool struct {
	store   *Store
	jobs    chan []detachedChange
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newAsyncPool(store *Store, workers, queue int) *asyncPool {
	p := &asyncPool{store: store, jobs: make(chan []detachedChange, queue)}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

// enqueue hands changes to the workers. Jobs are dropped, with a warning,
// when the queue is full or the pool is closed.
func (p *asyncPool) enqueue(changes []EntityChange) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.store.logger.Warn("async notification dropped, store closing", "changes", len(changes))
		p.store.metrics.asyncJobs.WithLabelValues("dropped").Inc()
		return
	}
	job := detach(changes)
	p.pending.Add(1)
	select {
	case p.jobs <- job:
		p.store.metrics.asyncQueueDepth.Inc()
	default:
		p.pending.Done()
		p.store.logger.Warn("async notification dropped, queue full", "changes", len(changes), "capacity", cap(p.jobs))
		p.store.metrics.asyncJobs.WithLabelValues("dropped").Inc()
	}
}

func (p *asyncPool) work() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.store.metrics.asyncQueueDepth.Dec()
		p.run(job)
		p.pending.Done()
	}
}

func (p *asyncPool) run(job []detachedChange) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			p.store.logger.Error("async notification panicked", "panic", fmt.Sprint(r))
			result = "panic"
		}
		p.store.metrics.asyncJobs.WithLabelValues(result).Inc()
	}()
	err := p.store.RunInTransaction(context.Background(), func(ctx context.Context, s *Session) error {
		return p.store.mux.Notify(ctx, PhaseAfterFlushAsync, attach(s, job))
	})
	if err != nil {
		p.store.logger.Error("async notification transaction failed", "error", err)
		result = "error"
	}
}

func (p *asyncPool) wait() { p.pending.Wait() }

func (p *asyncPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.workers.Wait()
}
