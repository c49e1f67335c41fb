package token

import (
	"errors"
	"math"
	"testing"

	"github.com/qubic/go-court/entities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_TransferFrom(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint("alice", 100))
	require.NoError(t, l.Approve("alice", "court", 60))

	require.NoError(t, l.TransferFrom("court", "alice", "treasury", 40))
	assert.Equal(t, uint64(60), l.BalanceOf("alice"))
	assert.Equal(t, uint64(40), l.BalanceOf("treasury"))
	assert.Equal(t, uint64(20), l.Allowance("alice", "court"))
}

func TestLedger_TransferFromFailuresMoveNothing(t *testing.T) {
	testData := []struct {
		name      string
		balance   uint64
		allowance uint64
		amount    uint64
		expected  error
	}{
		{name: "balance too low", balance: 10, allowance: 100, amount: 50, expected: ErrInsufficientBalance},
		{name: "allowance too low", balance: 100, allowance: 10, amount: 50, expected: ErrInsufficientAllowance},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			l := NewLedger()
			require.NoError(t, l.Mint("alice", testRun.balance))
			require.NoError(t, l.Approve("alice", "court", testRun.allowance))

			require.ErrorIs(t, l.CanTransferFrom("court", "alice", "treasury", testRun.amount), testRun.expected)
			require.ErrorIs(t, l.TransferFrom("court", "alice", "treasury", testRun.amount), testRun.expected)
			assert.Equal(t, testRun.balance, l.BalanceOf("alice"))
			assert.Equal(t, uint64(0), l.BalanceOf("treasury"))
			assert.Equal(t, testRun.allowance, l.Allowance("alice", "court"))
		})
	}
}

func TestLedger_MintOverflow(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint("alice", math.MaxUint64))
	require.ErrorIs(t, l.Mint("alice", 1), ErrBalanceOverflow)
}

func TestLedger_Transfer(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint("treasury", 5))
	require.ErrorIs(t, l.Transfer("treasury", "alice", 6), ErrInsufficientBalance)
	require.NoError(t, l.Transfer("treasury", "alice", 5))
	assert.Equal(t, uint64(5), l.BalanceOf("alice"))
}

type MockStore struct {
	updates []Snapshot
	err     error
}

func (ms *MockStore) SaveTokens(update Snapshot) error {
	if ms.err != nil {
		return ms.err
	}
	ms.updates = append(ms.updates, update)
	return nil
}

func TestLedger_WritesThroughToStore(t *testing.T) {
	store := &MockStore{}
	l := NewPersistentLedger(store, Snapshot{})
	require.True(t, l.IsEmpty())

	require.NoError(t, l.Mint("alice", 100))
	require.NoError(t, l.Approve("alice", "court", 60))
	require.NoError(t, l.TransferFrom("court", "alice", "treasury", 40))
	require.False(t, l.IsEmpty())

	require.Len(t, store.updates, 3)
	assert.Equal(t, map[entities.Address]uint64{"alice": 100}, store.updates[0].Balances)
	assert.Equal(t, []Allowance{{Owner: "alice", Spender: "court", Amount: 60}}, store.updates[1].Allowances)
	assert.Equal(t, map[entities.Address]uint64{"alice": 60, "treasury": 40}, store.updates[2].Balances)
	assert.Equal(t, []Allowance{{Owner: "alice", Spender: "court", Amount: 20}}, store.updates[2].Allowances)
}

func TestLedger_FailedStoreWriteChangesNothing(t *testing.T) {
	store := &MockStore{}
	l := NewPersistentLedger(store, Snapshot{
		Balances:   map[entities.Address]uint64{"alice": 100},
		Allowances: []Allowance{{Owner: "alice", Spender: "court", Amount: 100}},
	})

	store.err = errors.New("disk full")
	require.ErrorIs(t, l.TransferFrom("court", "alice", "treasury", 40), store.err)
	require.ErrorIs(t, l.Mint("bob", 5), store.err)
	require.ErrorIs(t, l.Approve("alice", "court", 1), store.err)

	assert.Equal(t, uint64(100), l.BalanceOf("alice"))
	assert.Equal(t, uint64(0), l.BalanceOf("treasury"))
	assert.Equal(t, uint64(0), l.BalanceOf("bob"))
	assert.Equal(t, uint64(100), l.Allowance("alice", "court"))
}

func TestLedger_RestoredFromSnapshot(t *testing.T) {
	l := NewPersistentLedger(&MockStore{}, Snapshot{
		Balances:   map[entities.Address]uint64{"alice": 60, "treasury": 40},
		Allowances: []Allowance{{Owner: "alice", Spender: "court", Amount: 20}},
	})

	assert.False(t, l.IsEmpty())
	assert.Equal(t, uint64(60), l.BalanceOf("alice"))
	assert.Equal(t, uint64(40), l.BalanceOf("treasury"))
	assert.Equal(t, uint64(20), l.Allowance("alice", "court"))
	require.ErrorIs(t, l.TransferFrom("court", "alice", "treasury", 30), ErrInsufficientAllowance)
}
