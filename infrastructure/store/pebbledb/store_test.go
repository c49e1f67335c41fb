package pebbledb

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/qubic/go-court/business/domain/clock"
	"github.com/qubic/go-court/business/domain/events"
	"github.com/qubic/go-court/business/domain/token"
	"github.com/qubic/go-court/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, string) {
	dir, err := os.MkdirTemp("", "court-ledger-store-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	store, err := NewLedgerStore(dir)
	require.NoError(t, err)
	return store, dir
}

func testDispute(id uint64) entities.Dispute {
	return entities.Dispute{
		ID:              id,
		Subject:         "agreement",
		PossibleRulings: 2,
		State:           entities.DisputeStatePreDraft,
		CreateTermID:    1,
		Metadata:        []byte("meta"),
		Rounds: []entities.Round{{
			DisputeID:    id,
			DraftTermID:  4,
			JurorsNumber: 5,
			JurorFees:    50,
		}},
	}
}

func TestStore_Clock(t *testing.T) {
	store, _ := newStore(t)
	defer store.Close()

	_, err := store.GetClock()
	require.ErrorIs(t, err, entities.ErrStoreEntityNotFound)

	require.NoError(t, store.SaveClock(clock.State{LastEnsuredTermID: 12}))
	state, err := store.GetClock()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), state.LastEnsuredTermID)
}

func TestStore_EmptyLoad(t *testing.T) {
	store, _ := newStore(t)
	defer store.Close()

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Clock.LastEnsuredTermID)
	assert.Empty(t, state.Disputes)
}

func TestStore_Disputes(t *testing.T) {
	store, _ := newStore(t)
	defer store.Close()

	require.NoError(t, store.CreateDispute(testDispute(0)))
	require.Error(t, store.CreateDispute(testDispute(5)))
	require.NoError(t, store.CreateDispute(testDispute(1)))

	count, err := store.GetDisputeCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	updated := testDispute(1)
	updated.State = entities.DisputeStateAdjudicating
	updated.Rounds[0].SelectedJurors = 5
	require.NoError(t, store.UpdateDispute(updated))

	got, err := store.GetDispute(1)
	require.NoError(t, err)
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Fatalf("Unexpected dispute (-want +got):\n%s", diff)
	}

	err = store.UpdateDispute(testDispute(7))
	require.ErrorIs(t, err, entities.ErrStoreEntityNotFound)
}

func TestStore_LoadAfterReopen(t *testing.T) {
	store, dir := newStore(t)

	require.NoError(t, store.SaveClock(clock.State{LastEnsuredTermID: 3}))
	for id := uint64(0); id < 300; id++ {
		require.NoError(t, store.CreateDispute(testDispute(id)))
	}
	require.NoError(t, store.Close())

	reopened, err := NewLedgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.Clock.LastEnsuredTermID)
	require.Len(t, state.Disputes, 300)
	for i, d := range state.Disputes {
		require.Equal(t, uint64(i), d.ID)
	}
	if diff := cmp.Diff(testDispute(299), state.Disputes[299]); diff != "" {
		t.Fatalf("Unexpected dispute (-want +got):\n%s", diff)
	}
}

func TestStore_TokensSurviveReopen(t *testing.T) {
	store, dir := newStore(t)

	snapshot, err := store.LoadTokens()
	require.NoError(t, err)
	ledger := token.NewPersistentLedger(store, snapshot)
	require.True(t, ledger.IsEmpty())

	require.NoError(t, ledger.Mint("agreement", 1000))
	require.NoError(t, ledger.Approve("agreement", "court", 1000))
	require.NoError(t, ledger.TransferFrom("court", "agreement", "treasury", 120))
	require.NoError(t, store.Close())

	reopened, err := NewLedgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	snapshot, err = reopened.LoadTokens()
	require.NoError(t, err)
	restored := token.NewPersistentLedger(reopened, snapshot)
	assert.False(t, restored.IsEmpty())
	assert.Equal(t, uint64(880), restored.BalanceOf("agreement"))
	assert.Equal(t, uint64(120), restored.BalanceOf("treasury"))
	assert.Equal(t, uint64(880), restored.Allowance("agreement", "court"))
}

func TestStore_AllowanceKeysDoNotCollide(t *testing.T) {
	store, _ := newStore(t)
	defer store.Close()

	require.NoError(t, store.SaveTokens(token.Snapshot{Allowances: []token.Allowance{
		{Owner: "ab", Spender: "c", Amount: 1},
		{Owner: "a", Spender: "bc", Amount: 2},
	}}))

	snapshot, err := store.LoadTokens()
	require.NoError(t, err)
	assert.ElementsMatch(t, []token.Allowance{
		{Owner: "ab", Spender: "c", Amount: 1},
		{Owner: "a", Spender: "bc", Amount: 2},
	}, snapshot.Allowances)
}

func TestStore_EventLogSurvivesReopen(t *testing.T) {
	store, dir := newStore(t)

	records, err := store.LoadEvents()
	require.NoError(t, err)
	log, err := events.NewPersistentLog(store, records)
	require.NoError(t, err)
	require.NoError(t, log.Publish(context.Background(), []entities.Event{
		entities.NewHeartbeatEvent(entities.Heartbeat{PreviousTermID: 0, TermID: 1}),
		entities.NewDisputeCreatedEvent(entities.DisputeCreated{DisputeID: 0, Subject: "agreement", PossibleRulings: 2}),
	}))
	require.NoError(t, store.SaveForwardedOffset(1))
	require.NoError(t, store.Close())

	reopened, err := NewLedgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	records, err = reopened.LoadEvents()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[1].Offset)
	assert.Equal(t, entities.EventDisputeCreated, records[1].Event.Type)

	restored, err := events.NewPersistentLog(reopened, records)
	require.NoError(t, err)
	require.NoError(t, restored.Publish(context.Background(), []entities.Event{
		entities.NewHeartbeatEvent(entities.Heartbeat{PreviousTermID: 1, TermID: 2}),
	}))
	assert.Equal(t, uint64(3), restored.Len())

	offset, err := reopened.GetForwardedOffset()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), offset)
}
