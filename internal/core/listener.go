package core

import (
	"context"
	"fmt"

	"txgraph/pkg/domain"
)

// Phase is a notification point in the flush lifecycle.
type Phase uint8

// Phases in the order a flush reaches them.
const (
	PhaseBeforeConstraints Phase = iota
	PhaseBeforeFlush
	PhaseAfterFlush
	PhaseAfterFlushAsync
	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseBeforeConstraints:
		return "before_constraints"
	case PhaseBeforeFlush:
		return "before_flush"
	case PhaseAfterFlush:
		return "after_flush"
	case PhaseAfterFlushAsync:
		return "after_flush_async"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// aborts reports whether a listener failure in the phase aborts the flush.
func (p Phase) aborts() bool { return p == PhaseBeforeConstraints || p == PhaseBeforeFlush }

// Listener receives entity changes. Before-constraints and before-flush
// listeners run inside the flush and may abort it by returning an error;
// after-flush listeners observe committed data and their errors are only
// logged. Listeners are registered and removed by identity, so
// implementations should be pointer types.
type Listener interface {
	AddedBeforeConstraints(ctx context.Context, c EntityChange) error
	UpdatedBeforeConstraints(ctx context.Context, c EntityChange) error
	RemovedBeforeConstraints(ctx context.Context, c EntityChange) error

	AddedBeforeFlush(ctx context.Context, c EntityChange) error
	UpdatedBeforeFlush(ctx context.Context, c EntityChange) error
	RemovedBeforeFlush(ctx context.Context, c EntityChange) error

	AddedSync(ctx context.Context, c EntityChange) error
	UpdatedSync(ctx context.Context, c EntityChange) error
	RemovedSync(ctx context.Context, c EntityChange) error

	AddedAsync(ctx context.Context, c EntityChange) error
	UpdatedAsync(ctx context.Context, c EntityChange) error
	RemovedAsync(ctx context.Context, c EntityChange) error
}

// ListenerAdapter implements every Listener method as a no-op. Embed it and
// override the notifications of interest.
type ListenerAdapter struct{}

var _ Listener = ListenerAdapter{}

func (ListenerAdapter) AddedBeforeConstraints(context.Context, EntityChange) error   { return nil }
func (ListenerAdapter) UpdatedBeforeConstraints(context.Context, EntityChange) error { return nil }
func (ListenerAdapter) RemovedBeforeConstraints(context.Context, EntityChange) error { return nil }
func (ListenerAdapter) AddedBeforeFlush(context.Context, EntityChange) error         { return nil }
func (ListenerAdapter) UpdatedBeforeFlush(context.Context, EntityChange) error       { return nil }
func (ListenerAdapter) RemovedBeforeFlush(context.Context, EntityChange) error       { return nil }
func (ListenerAdapter) AddedSync(context.Context, EntityChange) error                { return nil }
func (ListenerAdapter) UpdatedSync(context.Context, EntityChange) error              { return nil }
func (ListenerAdapter) RemovedSync(context.Context, EntityChange) error              { return nil }
func (ListenerAdapter) AddedAsync(context.Context, EntityChange) error               { return nil }
func (ListenerAdapter) UpdatedAsync(context.Context, EntityChange) error             { return nil }
func (ListenerAdapter) RemovedAsync(context.Context, EntityChange) error             { return nil }

// FuncListener routes every notification of its phases to one function.
type FuncListener struct {
	fn     func(ctx context.Context, phase Phase, c EntityChange) error
	phases [phaseCount]bool
}

// ListenerFunc builds a listener calling fn for changes in the given phases,
// or in every phase when none are given.
func ListenerFunc(fn func(ctx context.Context, phase Phase, c EntityChange) error, phases ...Phase) *FuncListener {
	l := &FuncListener{fn: fn}
	if len(phases) == 0 {
		for p := range l.phases {
			l.phases[p] = true
		}
	}
	for _, p := range phases {
		if p < phaseCount {
			l.phases[p] = true
		}
	}
	return l
}

func (l *FuncListener) call(ctx context.Context, p Phase, c EntityChange) error {
	if !l.phases[p] || l.fn == nil {
		return nil
	}
	return l.fn(ctx, p, c)
}

func (l *FuncListener) AddedBeforeConstraints(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseBeforeConstraints, c)
}

func (l *FuncListener) UpdatedBeforeConstraints(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseBeforeConstraints, c)
}

func (l *FuncListener) RemovedBeforeConstraints(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseBeforeConstraints, c)
}

func (l *FuncListener) AddedBeforeFlush(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseBeforeFlush, c)
}

func (l *FuncListener) UpdatedBeforeFlush(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseBeforeFlush, c)
}

func (l *FuncListener) RemovedBeforeFlush(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseBeforeFlush, c)
}

func (l *FuncListener) AddedSync(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseAfterFlush, c)
}

func (l *FuncListener) UpdatedSync(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseAfterFlush, c)
}

func (l *FuncListener) RemovedSync(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseAfterFlush, c)
}

func (l *FuncListener) AddedAsync(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseAfterFlushAsync, c)
}

func (l *FuncListener) UpdatedAsync(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseAfterFlushAsync, c)
}

func (l *FuncListener) RemovedAsync(ctx context.Context, c EntityChange) error {
	return l.call(ctx, PhaseAfterFlushAsync, c)
}

type dispatchFunc func(l Listener, ctx context.Context, c EntityChange) error

// dispatch maps a phase and change type to the listener method to call.
var dispatch = [phaseCount][domain.ChangeTypeCount]dispatchFunc{
	PhaseBeforeConstraints: {
		domain.ChangeAdd:    Listener.AddedBeforeConstraints,
		domain.ChangeUpdate: Listener.UpdatedBeforeConstraints,
		domain.ChangeRemove: Listener.RemovedBeforeConstraints,
	},
	PhaseBeforeFlush: {
		domain.ChangeAdd:    Listener.AddedBeforeFlush,
		domain.ChangeUpdate: Listener.UpdatedBeforeFlush,
		domain.ChangeRemove: Listener.RemovedBeforeFlush,
	},
	PhaseAfterFlush: {
		domain.ChangeAdd:    Listener.AddedSync,
		domain.ChangeUpdate: Listener.UpdatedSync,
		domain.ChangeRemove: Listener.RemovedSync,
	},
	PhaseAfterFlushAsync: {
		domain.ChangeAdd:    Listener.AddedAsync,
		domain.ChangeUpdate: Listener.UpdatedAsync,
		domain.ChangeRemove: Listener.RemovedAsync,
	},
}

// ListenerError wraps a listener failure with where it happened.
type ListenerError struct {
	Phase  Phase
	Entity string
	Err    error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("%s listener for %s: %v", e.Phase, e.Entity, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }
