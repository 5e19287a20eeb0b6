package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/internal/infrastructure/distributed"
	"carebridge/internal/infrastructure/repositories/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type speedWrite struct {
	IDs   []domain.LineID
	Speed domain.ShippingSpeed
}

// countingStore records every UpdateShippingSpeed call.
type countingStore struct {
	*memory.MemoryCartStore
	mu     sync.Mutex
	writes []speedWrite
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryCartStore: memory.NewMemoryCartStore()}
}

func (s *countingStore) UpdateShippingSpeed(ctx context.Context, cartID domain.CartID, ids []domain.LineID, speed domain.ShippingSpeed) error {
	s.mu.Lock()
	s.writes = append(s.writes, speedWrite{IDs: append([]domain.LineID(nil), ids...), Speed: speed})
	s.mu.Unlock()
	return s.MemoryCartStore.UpdateShippingSpeed(ctx, cartID, ids, speed)
}

func (s *countingStore) Writes() []speedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speedWrite(nil), s.writes...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Warn(_ context.Context, _ domain.CartID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func line(id, patient, pharmacy string, qty int, speed domain.ShippingSpeed) domain.CartLine {
	l := domain.CartLine{
		ID:            domain.LineID(id),
		CartID:        "cart-1",
		PharmacyID:    domain.PharmacyID(pharmacy),
		Quantity:      qty,
		UnitPrice:     money("1.00"),
		ShippingSpeed: speed,
	}
	if patient != "" {
		p := patient
		l.PatientID = &p
	}
	return l
}

func seedLines(store *countingStore, lines ...domain.CartLine) {
	for _, l := range lines {
		store.PutLine(l)
	}
}

func newEngine(store *countingStore, notifier *recordingNotifier, opts ...NormalizationOption) *NormalizationEngine {
	var n ports.Notifier
	if notifier != nil {
		n = notifier
	}
	return NewNormalizationEngine("cart-1", store, n, zap.NewNop().Sugar(), opts...)
}

func currentLines(t *testing.T, store *countingStore) []domain.CartLine {
	t.Helper()
	lines, err := store.ListLines(context.Background(), "cart-1")
	require.NoError(t, err)
	return lines
}

func TestNormalization_CorrectsInvalidSpeedToFirstEnabled(t *testing.T) {
	store := newCountingStore()
	seedLines(store, line("1", "", "X", 1, domain.SpeedOvernight))
	rates := RateSnapshot{"X": {domain.SpeedGround: money("9.99")}}

	result := newEngine(store, nil).Run(context.Background(), currentLines(t, store), rates)

	require.Len(t, store.Writes(), 1)
	assert.Equal(t, speedWrite{IDs: []domain.LineID{"1"}, Speed: domain.SpeedGround}, store.Writes()[0])
	assert.Len(t, result.Applied, 1)
	assert.Equal(t, domain.SpeedGround, currentLines(t, store)[0].ShippingSpeed)
}

func TestNormalization_ValidSpeedIssuesNoWrite(t *testing.T) {
	store := newCountingStore()
	seedLines(store, line("1", "", "X", 1, domain.SpeedOvernight))
	rates := RateSnapshot{"X": {domain.SpeedGround: money("9.99"), domain.SpeedOvernight: money("29.99")}}

	result := newEngine(store, nil).Run(context.Background(), currentLines(t, store), rates)

	assert.Empty(t, store.Writes())
	assert.Equal(t, 0, result.Writes())
}

func TestNormalization_ConvergesAndSecondPassIsNoop(t *testing.T) {
	store := newCountingStore()
	seedLines(store,
		line("1", "alice", "X", 1, domain.SpeedOvernight), // invalid
		line("2", "alice", "Y", 1, domain.SpeedGround),    // valid
		line("3", "bob", "X", 2, domain.Speed2Day),        // invalid
		line("4", "", "Y", 1, domain.Speed2Day),           // valid
	)
	rates := RateSnapshot{
		"X": {domain.SpeedGround: money("5")},
		"Y": {domain.SpeedGround: money("4"), domain.Speed2Day: money("8")},
	}
	engine := newEngine(store, nil)
	lines := currentLines(t, store)

	first := engine.Run(context.Background(), lines, rates)
	assert.Len(t, store.Writes(), 2)
	assert.Len(t, first.Applied, 2)

	second := engine.Run(context.Background(), lines, rates)
	assert.Equal(t, SkipAlreadyProcessed, second.Skipped)
	assert.Len(t, store.Writes(), 2)
}

func TestNormalization_MissingRatesDefersGroup(t *testing.T) {
	store := newCountingStore()
	seedLines(store,
		line("1", "", "X", 1, domain.SpeedOvernight),
		line("2", "", "Z", 1, domain.SpeedOvernight),
	)
	engine := newEngine(store, nil)
	lines := currentLines(t, store)

	partial := RateSnapshot{"X": {domain.SpeedGround: money("5")}}
	result := engine.Run(context.Background(), lines, partial)
	assert.Equal(t, []domain.GroupKey{{Patient: domain.PracticePatient, Pharmacy: "Z"}}, result.Deferred)
	require.Len(t, store.Writes(), 1)
	_, done := engine.Version()
	assert.False(t, done)

	// Same version, rates for Z arrive: only Z is reconsidered.
	full := RateSnapshot{
		"X": {domain.SpeedGround: money("5")},
		"Z": {domain.Speed2Day: money("7")},
	}
	result = engine.Run(context.Background(), lines, full)
	require.Len(t, store.Writes(), 2)
	assert.Equal(t, speedWrite{IDs: []domain.LineID{"2"}, Speed: domain.Speed2Day}, store.Writes()[1])
	assert.Empty(t, result.Deferred)
	_, done = engine.Version()
	assert.True(t, done)
}

func TestNormalization_SkipsEmptyCartAndUnloadedRates(t *testing.T) {
	store := newCountingStore()
	engine := newEngine(store, nil)

	assert.Equal(t, SkipEmptyCart, engine.Run(context.Background(), nil, RateSnapshot{"X": {}}).Skipped)

	lines := []domain.CartLine{line("1", "", "X", 1, domain.SpeedOvernight)}
	assert.Equal(t, SkipRatesNotLoaded, engine.Run(context.Background(), lines, RateSnapshot{}).Skipped)
	assert.Equal(t, SkipRatesNotLoaded, engine.Run(context.Background(), lines, nil).Skipped)
	assert.Empty(t, store.Writes())
}

func TestNormalization_VersionChangeResetsMarkers(t *testing.T) {
	store := newCountingStore()
	seedLines(store, line("1", "", "X", 1, domain.SpeedOvernight))
	rates := RateSnapshot{"X": {domain.SpeedGround: money("5")}}
	engine := newEngine(store, nil)

	lines := currentLines(t, store)
	engine.Run(context.Background(), lines, rates)
	v1, _ := engine.Version()

	// Something outside the engine flips the line back and bumps quantity.
	seedLines(store, line("1", "", "X", 3, domain.SpeedOvernight))
	lines = currentLines(t, store)
	assert.NotEqual(t, v1, domain.ComputeCartVersion(lines))

	engine.Run(context.Background(), lines, rates)
	assert.Len(t, store.Writes(), 2)
}

func TestNormalization_FailureWarnsAndKeepsEarlierCorrections(t *testing.T) {
	store := newCountingStore()
	seedLines(store,
		line("1", "alice", "X", 1, domain.SpeedOvernight),
		line("2", "bob", "X", 1, domain.SpeedOvernight),
	)
	rates := RateSnapshot{"X": {domain.SpeedGround: money("5")}}
	notifier := &recordingNotifier{}
	engine := newEngine(store, notifier)
	lines := currentLines(t, store)

	store.FailUpdates(errors.New("db down"))
	result := engine.Run(context.Background(), lines, rates)
	require.Len(t, result.Failed, 2)
	var failure *domain.NormalizationWriteFailure
	assert.ErrorAs(t, result.Failed[0], &failure)
	assert.Equal(t, []string{softWarningMessage}, notifier.Messages())

	// Failed groups stay marked for this version: no immediate retry.
	store.FailUpdates(nil)
	result = engine.Run(context.Background(), lines, rates)
	assert.Equal(t, SkipAlreadyProcessed, result.Skipped)
	assert.Len(t, store.Writes(), 2)
}

func TestNormalization_LockedVersionIsSkipped(t *testing.T) {
	store := newCountingStore()
	seedLines(store, line("1", "", "X", 1, domain.SpeedOvernight))
	rates := RateSnapshot{"X": {domain.SpeedGround: money("5")}}
	locker := distributed.NewMemoryLocker()
	engine := newEngine(store, nil, WithLocker(locker))
	lines := currentLines(t, store)

	unlock, err := locker.TryLock(context.Background(), engine.lockKey(domain.ComputeCartVersion(lines)))
	require.NoError(t, err)

	assert.Equal(t, SkipLocked, engine.Run(context.Background(), lines, rates).Skipped)
	assert.Empty(t, store.Writes())

	unlock()
	engine.Run(context.Background(), lines, rates)
	assert.Len(t, store.Writes(), 1)
}

func TestGroupLines_KeysByPatientAndPharmacy(t *testing.T) {
	groups := GroupLines([]domain.CartLine{
		line("3", "bob", "X", 1, domain.SpeedGround),
		line("1", "alice", "X", 1, domain.Speed2Day),
		line("2", "alice", "X", 1, domain.SpeedGround),
		line("4", "", "X", 1, domain.SpeedGround),
		line("5", "alice", "Y", 1, domain.SpeedGround),
	})

	require.Len(t, groups, 4)
	assert.Equal(t, domain.GroupKey{Patient: "alice", Pharmacy: "X"}, groups[0].Key)
	assert.Equal(t, []domain.LineID{"1", "2"}, groups[0].LineIDs())
	assert.Equal(t, domain.Speed2Day, groups[0].Speed)
	assert.Equal(t, domain.GroupKey{Patient: "alice", Pharmacy: "Y"}, groups[1].Key)
	assert.Equal(t, domain.GroupKey{Patient: "bob", Pharmacy: "X"}, groups[2].Key)
	assert.Equal(t, domain.GroupKey{Patient: domain.PracticePatient, Pharmacy: "X"}, groups[3].Key)
}

func TestComputeCartVersion_IsOrderIndependent(t *testing.T) {
	a := []domain.CartLine{line("1", "", "X", 1, domain.SpeedGround), line("2", "", "X", 2, domain.Speed2Day)}
	b := []domain.CartLine{a[1], a[0]}
	assert.Equal(t, domain.ComputeCartVersion(a), domain.ComputeCartVersion(b))
	assert.Equal(t, domain.CartVersion("1:1:ground|2:2:2day"), domain.ComputeCartVersion(a))

	a[0].Quantity = 5
	assert.NotEqual(t, domain.ComputeCartVersion(a), domain.ComputeCartVersion(b))
}
