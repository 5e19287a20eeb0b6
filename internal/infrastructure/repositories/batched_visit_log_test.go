package repositories

import (
	"context"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBatchedVisitLog_PreservesOrder(t *testing.T) {
	inner := memory.NewMemoryVisitLog()
	log := NewBatchedVisitLog(inner, 10, time.Hour, zap.NewNop().Sugar())

	session := domain.Session{ID: "v1", Channel: "visit_1", UID: "patient_1", Role: domain.RolePatient}
	ctx := context.Background()
	require.NoError(t, log.RecordJoined(ctx, session))
	require.NoError(t, log.RecordLeft(ctx, session))
	assert.Empty(t, inner.Entries())

	log.Close()

	entries := inner.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "joined", entries[0].Event)
	assert.Equal(t, "left", entries[1].Event)
	assert.Equal(t, domain.UID("patient_1"), entries[1].Session.UID)

	assert.ErrorIs(t, log.RecordJoined(ctx, session), domain.ErrSessionEnded)
}
