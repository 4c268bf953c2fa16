package biz

import (
	"context"
	"sync"

	"go.uber.org/fx"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/store"
)

// DecisionLogger receives every terminal verdict and completed transition
// before it is returned to the caller. Implementations never fail the request
// path: a sink fault is logged and the verdict still goes out.
type DecisionLogger interface {
	LogDecision(ctx context.Context, decision store.Decision)
	LogTransition(ctx context.Context, event store.TransitionEvent)
}

// SyncDecisionLogger writes straight through to the sink. Tests and the CLI
// use it; request-serving processes prefer the async logger.
type SyncDecisionLogger struct {
	Sink store.DecisionSink
}

// NewSyncDecisionLogger creates a synchronous decision logger.
func NewSyncDecisionLogger(sink store.DecisionSink) *SyncDecisionLogger {
	return &SyncDecisionLogger{Sink: sink}
}

func (l *SyncDecisionLogger) LogDecision(ctx context.Context, decision store.Decision) {
	if err := l.Sink.LogDecision(ctx, decision); err != nil {
		log.Error(ctx, "failed to write decision", log.Cause(err))
	}
}

func (l *SyncDecisionLogger) LogTransition(ctx context.Context, event store.TransitionEvent) {
	if err := l.Sink.LogTransition(ctx, event); err != nil {
		log.Error(ctx, "failed to write transition event", log.Cause(err))
	}
}

type auditEntry struct {
	decision *store.Decision
	event    *store.TransitionEvent
}

// AsyncDecisionLoggerParams contains dependencies for AsyncDecisionLogger.
type AsyncDecisionLoggerParams struct {
	fx.In

	Config Config
	Sink   store.DecisionSink
}

// AsyncDecisionLogger buffers audit writes behind the request path. When the
// buffer is full the oldest entry is dropped and counted, never the request
// blocked.
type AsyncDecisionLogger struct {
	sink store.DecisionSink

	ch      chan auditEntry
	quit    chan struct{}
	stopped chan struct{}

	stopOnce sync.Once
}

// NewAsyncDecisionLogger creates an asynchronous decision logger.
func NewAsyncDecisionLogger(params AsyncDecisionLoggerParams) *AsyncDecisionLogger {
	cfg := params.Config.withDefaults()

	return &AsyncDecisionLogger{
		sink:    params.Sink,
		ch:      make(chan auditEntry, cfg.DecisionBuffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the drain worker.
func (l *AsyncDecisionLogger) Start(ctx context.Context) error {
	go l.run()
	return nil
}

// Stop drains the buffer and shuts the worker down.
func (l *AsyncDecisionLogger) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.quit)
	})

	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *AsyncDecisionLogger) LogDecision(ctx context.Context, decision store.Decision) {
	l.enqueue(ctx, auditEntry{decision: &decision})
}

func (l *AsyncDecisionLogger) LogTransition(ctx context.Context, event store.TransitionEvent) {
	l.enqueue(ctx, auditEntry{event: &event})
}

func (l *AsyncDecisionLogger) enqueue(ctx context.Context, entry auditEntry) {
	select {
	case l.ch <- entry:
		return
	default:
	}

	// Buffer full: shed the oldest entry to make room.
	select {
	case <-l.ch:
		log.Warn(ctx, "decision log buffer full, dropped oldest entry")
	default:
	}

	select {
	case l.ch <- entry:
	default:
	}
}

func (l *AsyncDecisionLogger) run() {
	defer close(l.stopped)

	for {
		select {
		case entry := <-l.ch:
			l.write(entry)
		case <-l.quit:
			for {
				select {
				case entry := <-l.ch:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *AsyncDecisionLogger) write(entry auditEntry) {
	// The request context is long gone by the time the entry drains.
	ctx := context.Background()

	switch {
	case entry.decision != nil:
		if err := l.sink.LogDecision(ctx, *entry.decision); err != nil {
			log.Error(ctx, "failed to write decision", log.Cause(err))
		}
	case entry.event != nil:
		if err := l.sink.LogTransition(ctx, *entry.event); err != nil {
			log.Error(ctx, "failed to write transition event", log.Cause(err))
		}
	}
}
