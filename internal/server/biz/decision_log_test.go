package biz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formahq/forma/internal/store"
	"github.com/formahq/forma/internal/store/memstore"
)

func TestAsyncDecisionLogger_DrainsOnStop(t *testing.T) {
	st := memstore.New()
	logger := NewAsyncDecisionLogger(AsyncDecisionLoggerParams{Config: Config{DecisionBuffer: 16}, Sink: st})

	ctx := context.Background()
	require.NoError(t, logger.Start(ctx))

	for i := 0; i < 5; i++ {
		logger.LogDecision(ctx, store.Decision{TenantID: "acme", PrincipalID: "carol", Outcome: store.OutcomeAllow})
	}

	logger.LogTransition(ctx, store.TransitionEvent{TenantID: "acme", RecordID: "rec-1", From: "draft", To: "review"})

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, logger.Stop(stopCtx))
	require.Len(t, st.Decisions(), 5)
	require.Len(t, st.Transitions(), 1)
}

func TestAsyncDecisionLogger_ShedsOldestWhenFull(t *testing.T) {
	st := memstore.New()
	logger := NewAsyncDecisionLogger(AsyncDecisionLoggerParams{Config: Config{DecisionBuffer: 2}, Sink: st})

	ctx := context.Background()

	// The worker is not running yet, so the buffer fills and the oldest
	// entries are shed.
	for i := 0; i < 4; i++ {
		logger.LogDecision(ctx, store.Decision{TenantID: "acme", Reason: string(rune('a' + i))})
	}

	require.NoError(t, logger.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, logger.Stop(stopCtx))

	decisions := st.Decisions()
	require.Len(t, decisions, 2)
	require.Equal(t, "c", decisions[0].Reason)
	require.Equal(t, "d", decisions[1].Reason)
}
