// Package session implements the engine's root-demand/cancel API and
// structured workunit timeline (spec.md §6 "structured workunit
// timeline"; SPEC_FULL.md's session/workunit-timeline component). A
// Session is the entry point a CLI driver uses to submit root demands
// against a *graph.Graph and to record one OpenTelemetry span plus one
// timeline record per workunit.
package session

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/graph"
)

// Demander is the subset of *graph.Graph a Session drives; tests
// substitute a fake scheduler to exercise the timeline without a real
// rule graph.
type Demander interface {
	Demand(ctx context.Context, product reflect.Type, params address.ParamTuple) (any, error)
}

// ManyDemander is the optional batched-demand extension of Demander.
// *graph.Graph satisfies it; Session.DemandMany returns an error for a
// Demander that doesn't.
type ManyDemander interface {
	Demander
	DemandMany(ctx context.Context, specs []graph.DemandSpec) ([]any, error)
}

// Workunit is one recorded unit of work in a session's timeline: one
// root demand submitted through Session.Demand, or one whole batch
// submitted through Session.DemandMany (spec.md §6 "start/end/
// kind/inputs/outputs/metadata").
type Workunit struct {
	ID        string
	SessionID string
	Product   string
	Params    string
	StartedAt time.Time
	EndedAt   time.Time
	Err       string // empty on success
}

// Session is a single root-demand/cancel scope: every demand issued
// through it shares a cancellable context, so cancelling the session
// cancels every in-flight demand it submitted (spec.md §4.D
// "Cancellation... nodes with no remaining dependents are transitively
// cancelled" — here "remaining dependents" collapses to "any demander
// still holding an uncancelled context", since this session is the
// only root driving the graph).
type Session struct {
	id     string
	graph  Demander
	ctx    context.Context
	cancel context.CancelFunc
	tracer trace.Tracer

	mu       sync.Mutex
	timeline []Workunit
}

// New creates a Session rooted at parent driving g. Cancel or let
// parent expire to end every demand the session has in flight.
func New(parent context.Context, g Demander) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:     uuid.NewString(),
		graph:  g,
		ctx:    ctx,
		cancel: cancel,
		tracer: otel.Tracer("corengine/session"),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Cancel ends the session: its context is cancelled, which every
// in-flight graph.Graph.Demand call observes via ctx.Done() at its
// next suspension point (spec.md §4.D "Cancellation").
func (s *Session) Cancel() { s.cancel() }

// Done returns a channel closed when the session is cancelled or its
// parent context ends.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Demand submits one root demand, recording a workunit: a span named
// after the product type, and a Workunit appended to the session's
// timeline on completion (success or failure).
func (s *Session) Demand(product reflect.Type, params address.ParamTuple) (any, error) {
	workunitID := uuid.NewString()
	startedAt := time.Now()

	ctx, span := s.tracer.Start(s.ctx, "workunit:"+product.String(), trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("workunit.id", workunitID),
		attribute.String("workunit.product", product.String()),
	))
	defer span.End()

	value, err := s.graph.Demand(ctx, product, params)

	wu := Workunit{
		ID:        workunitID,
		SessionID: s.id,
		Product:   product.String(),
		Params:    params.Key(),
		StartedAt: startedAt,
		EndedAt:   time.Now(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		wu.Err = err.Error()
	}

	s.mu.Lock()
	s.timeline = append(s.timeline, wu)
	s.mu.Unlock()

	return value, err
}

// DemandMany submits a batch of independent root demands concurrently,
// recording one workunit for the whole batch (spec.md §6 "get_many"'s root-level
// counterpart: a client issuing several unrelated top-level builds in
// one call rather than one rule fanning out over its own
// dependencies, which RuleContext.GetMany covers instead). It fails
// fast if s.graph doesn't support batched demands.
func (s *Session) DemandMany(specs []graph.DemandSpec) ([]any, error) {
	many, ok := s.graph.(ManyDemander)
	if !ok {
		return nil, fmt.Errorf("session: underlying demander does not support DemandMany")
	}

	workunitID := uuid.NewString()
	startedAt := time.Now()
	ctx, span := s.tracer.Start(s.ctx, "workunit:batch", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("workunit.id", workunitID),
		attribute.Int("workunit.batch_size", len(specs)),
	))
	defer span.End()

	values, err := many.DemandMany(ctx, specs)

	wu := Workunit{
		ID:        workunitID,
		SessionID: s.id,
		Product:   "batch",
		Params:    fmt.Sprintf("%d demands", len(specs)),
		StartedAt: startedAt,
		EndedAt:   time.Now(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		wu.Err = err.Error()
	}

	s.mu.Lock()
	s.timeline = append(s.timeline, wu)
	s.mu.Unlock()

	return values, err
}

// Timeline returns a snapshot of every workunit recorded so far, in
// completion order. Used by cmd/pantsd's debug HTTP surface to dump
// the session's structured workunit timeline.
func (s *Session) Timeline() []Workunit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Workunit(nil), s.timeline...)
}
