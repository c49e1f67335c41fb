// Package token is a minimal fungible token used to pay court fees. Balances live in memory and, when a store
// is attached, every change is written through before it becomes visible.
package token

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/qubic/go-court/entities"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrBalanceOverflow       = errors.New("token: balance overflow")
)

type Allowance struct {
	Owner   entities.Address `json:"owner"`
	Spender entities.Address `json:"spender"`
	Amount  uint64           `json:"amount"`
}

// Snapshot is a set of balances and allowances. It is used both for the full ledger and for the entries a
// single change touches.
type Snapshot struct {
	Balances   map[entities.Address]uint64
	Allowances []Allowance
}

type Store interface {
	SaveTokens(update Snapshot) error
}

type allowanceKey struct {
	owner   entities.Address
	spender entities.Address
}

type Ledger struct {
	mu         sync.Mutex
	balances   map[entities.Address]uint64
	allowances map[allowanceKey]uint64
	store      Store
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[entities.Address]uint64),
		allowances: make(map[allowanceKey]uint64),
	}
}

// NewPersistentLedger restores the ledger from snapshot and writes every later change to store.
func NewPersistentLedger(store Store, snapshot Snapshot) *Ledger {
	l := NewLedger()
	l.store = store
	for holder, amount := range snapshot.Balances {
		l.balances[holder] = amount
	}
	for _, a := range snapshot.Allowances {
		l.allowances[allowanceKey{owner: a.Owner, spender: a.Spender}] = a.Amount
	}
	return l
}

func (l *Ledger) Mint(to entities.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[to] > math.MaxUint64-amount {
		return fmt.Errorf("minting %d to %s: %w", amount, to, ErrBalanceOverflow)
	}
	return l.apply(Snapshot{Balances: map[entities.Address]uint64{to: l.balances[to] + amount}})
}

// Approve sets (not adds) the amount spender may pull from owner.
func (l *Ledger) Approve(owner, spender entities.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.apply(Snapshot{Allowances: []Allowance{{Owner: owner, Spender: spender, Amount: amount}}})
}

func (l *Ledger) BalanceOf(holder entities.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.balances[holder]
}

func (l *Ledger) Allowance(owner, spender entities.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.allowances[allowanceKey{owner: owner, spender: spender}]
}

// IsEmpty reports whether no holder has a balance, i.e. nothing was ever minted or restored.
func (l *Ledger) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, amount := range l.balances {
		if amount > 0 {
			return false
		}
	}
	return true
}

// CanTransferFrom runs the same checks as TransferFrom without moving anything.
func (l *Ledger) CanTransferFrom(spender, from, to entities.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.checkTransfer(spender, from, to, amount)
}

// TransferFrom moves amount from one holder to another using the allowance granted to spender.
// Either everything moves or nothing does.
func (l *Ledger) TransferFrom(spender, from, to entities.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkTransfer(spender, from, to, amount); err != nil {
		return err
	}

	update := l.transferUpdate(from, to, amount)
	update.Allowances = []Allowance{{Owner: from, Spender: spender, Amount: l.allowances[allowanceKey{owner: from, spender: spender}] - amount}}
	return l.apply(update)
}

// Transfer moves amount owned by from without an allowance. Used for refunds by the holder itself.
func (l *Ledger) Transfer(from, to entities.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	if from != to && l.balances[to] > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	return l.apply(l.transferUpdate(from, to, amount))
}

func (l *Ledger) transferUpdate(from, to entities.Address, amount uint64) Snapshot {
	if from == to {
		return Snapshot{}
	}
	return Snapshot{Balances: map[entities.Address]uint64{
		from: l.balances[from] - amount,
		to:   l.balances[to] + amount,
	}}
}

// apply persists update and then makes it visible. Nothing changes when the store write fails.
func (l *Ledger) apply(update Snapshot) error {
	if l.store != nil {
		if err := l.store.SaveTokens(update); err != nil {
			return fmt.Errorf("storing token update: %w", err)
		}
	}
	for holder, amount := range update.Balances {
		l.balances[holder] = amount
	}
	for _, a := range update.Allowances {
		l.allowances[allowanceKey{owner: a.Owner, spender: a.Spender}] = a.Amount
	}
	return nil
}

func (l *Ledger) checkTransfer(spender, from, to entities.Address, amount uint64) error {
	if l.balances[from] < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from, l.balances[from], amount, ErrInsufficientBalance)
	}
	allowance := l.allowances[allowanceKey{owner: from, spender: spender}]
	if allowance < amount {
		return fmt.Errorf("%s allows %s %d, needs %d: %w", from, spender, allowance, amount, ErrInsufficientAllowance)
	}
	if from != to && l.balances[to] > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	return nil
}
