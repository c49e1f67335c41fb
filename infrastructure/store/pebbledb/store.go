package pebbledb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/qubic/go-court/business/domain/clock"
	"github.com/qubic/go-court/business/domain/court"
	"github.com/qubic/go-court/business/domain/events"
	"github.com/qubic/go-court/business/domain/token"
	"github.com/qubic/go-court/entities"
)

const (
	clockStateKey      byte = 0x00
	disputeCounterKey  byte = 0x01
	disputeKeyPrefix   byte = 0x02
	balanceKeyPrefix   byte = 0x03
	allowanceKeyPrefix byte = 0x04
	eventKeyPrefix     byte = 0x05
	forwardedEventKey  byte = 0x06
)

type Store struct {
	db *pebble.DB
}

func NewLedgerStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "court-ledger-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %w", err)
	}

	return &Store{db: db}, nil
}

func (ps *Store) SaveClock(state clock.State) error {
	var value []byte
	value = binary.BigEndian.AppendUint64(value, state.LastEnsuredTermID)

	err := ps.db.Set([]byte{clockStateKey}, value, pebble.Sync)
	if err != nil {
		return fmt.Errorf("setting last ensured term: %w", err)
	}
	return nil
}

func (ps *Store) GetClock() (clock.State, error) {
	value, err := ps.get([]byte{clockStateKey})
	if err != nil {
		return clock.State{}, fmt.Errorf("getting last ensured term: %w", err)
	}
	return clock.State{LastEnsuredTermID: binary.BigEndian.Uint64(value)}, nil
}

// GetDisputeCount returns the next dispute id.
func (ps *Store) GetDisputeCount() (uint64, error) {
	value, err := ps.get([]byte{disputeCounterKey})
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting dispute count: %w", err)
	}
	return binary.BigEndian.Uint64(value), nil
}

// CreateDispute writes the dispute and the new counter in one batch. Ids must be assigned in sequence.
func (ps *Store) CreateDispute(dispute entities.Dispute) error {
	count, err := ps.GetDisputeCount()
	if err != nil {
		return err
	}
	if dispute.ID != count {
		return fmt.Errorf("dispute id %d out of sequence, next id is %d", dispute.ID, count)
	}

	value, err := json.Marshal(dispute)
	if err != nil {
		return fmt.Errorf("marshalling dispute %d: %w", dispute.ID, err)
	}

	batch := ps.db.NewBatch()
	defer batch.Close()

	err = batch.Set(disputeKey(dispute.ID), value, nil)
	if err != nil {
		return fmt.Errorf("adding dispute %d to batch: %w", dispute.ID, err)
	}
	err = batch.Set([]byte{disputeCounterKey}, binary.BigEndian.AppendUint64(nil, count+1), nil)
	if err != nil {
		return fmt.Errorf("adding dispute counter to batch: %w", err)
	}

	err = batch.Commit(pebble.Sync)
	if err != nil {
		return fmt.Errorf("committing dispute %d: %w", dispute.ID, err)
	}
	return nil
}

func (ps *Store) UpdateDispute(dispute entities.Dispute) error {
	_, err := ps.GetDispute(dispute.ID)
	if err != nil {
		return err
	}

	value, err := json.Marshal(dispute)
	if err != nil {
		return fmt.Errorf("marshalling dispute %d: %w", dispute.ID, err)
	}
	err = ps.db.Set(disputeKey(dispute.ID), value, pebble.Sync)
	if err != nil {
		return fmt.Errorf("setting dispute %d: %w", dispute.ID, err)
	}
	return nil
}

func (ps *Store) GetDispute(id uint64) (entities.Dispute, error) {
	value, err := ps.get(disputeKey(id))
	if err != nil {
		return entities.Dispute{}, fmt.Errorf("getting dispute %d: %w", id, err)
	}

	var dispute entities.Dispute
	err = json.Unmarshal(value, &dispute)
	if err != nil {
		return entities.Dispute{}, fmt.Errorf("unmarshalling dispute %d: %w", id, err)
	}
	return dispute, nil
}

// Load restores the whole ledger. A fresh store yields the pre-genesis state.
func (ps *Store) Load() (court.State, error) {
	var state court.State

	clockState, err := ps.GetClock()
	if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return court.State{}, err
	}
	state.Clock = clockState

	count, err := ps.GetDisputeCount()
	if err != nil {
		return court.State{}, err
	}

	iter, err := ps.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{disputeKeyPrefix},
		UpperBound: []byte{disputeKeyPrefix + 1},
	})
	if err != nil {
		return court.State{}, fmt.Errorf("creating iterator: %w", err)
	}
	defer iter.Close()

	state.Disputes = make([]entities.Dispute, 0, count)
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return court.State{}, fmt.Errorf("getting value from iter: %w", err)
		}

		var dispute entities.Dispute
		err = json.Unmarshal(value, &dispute)
		if err != nil {
			return court.State{}, fmt.Errorf("unmarshalling dispute: %w", err)
		}
		if dispute.ID != uint64(len(state.Disputes)) {
			return court.State{}, fmt.Errorf("dispute %d stored out of sequence", dispute.ID)
		}
		state.Disputes = append(state.Disputes, dispute)
	}
	if uint64(len(state.Disputes)) != count {
		return court.State{}, fmt.Errorf("found %d disputes, counter is %d", len(state.Disputes), count)
	}

	return state, nil
}

// SaveTokens writes the balances and allowances of one token change in one batch.
func (ps *Store) SaveTokens(update token.Snapshot) error {
	batch := ps.db.NewBatch()
	defer batch.Close()

	for holder, amount := range update.Balances {
		err := batch.Set(balanceKey(holder), binary.BigEndian.AppendUint64(nil, amount), nil)
		if err != nil {
			return fmt.Errorf("adding balance of %s to batch: %w", holder, err)
		}
	}
	for _, allowance := range update.Allowances {
		value, err := json.Marshal(allowance)
		if err != nil {
			return fmt.Errorf("marshalling allowance: %w", err)
		}
		err = batch.Set(allowanceKey(allowance.Owner, allowance.Spender), value, nil)
		if err != nil {
			return fmt.Errorf("adding allowance of %s to batch: %w", allowance.Owner, err)
		}
	}

	err := batch.Commit(pebble.Sync)
	if err != nil {
		return fmt.Errorf("committing token update: %w", err)
	}
	return nil
}

// LoadTokens returns every stored balance and allowance. A fresh store yields an empty snapshot.
func (ps *Store) LoadTokens() (token.Snapshot, error) {
	snapshot := token.Snapshot{Balances: make(map[entities.Address]uint64)}

	err := ps.iterate(balanceKeyPrefix, func(key, value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("invalid balance value of length %d", len(value))
		}
		snapshot.Balances[entities.Address(key[1:])] = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return token.Snapshot{}, fmt.Errorf("loading balances: %w", err)
	}

	err = ps.iterate(allowanceKeyPrefix, func(_, value []byte) error {
		var allowance token.Allowance
		if err := json.Unmarshal(value, &allowance); err != nil {
			return fmt.Errorf("unmarshalling allowance: %w", err)
		}
		snapshot.Allowances = append(snapshot.Allowances, allowance)
		return nil
	})
	if err != nil {
		return token.Snapshot{}, fmt.Errorf("loading allowances: %w", err)
	}
	return snapshot, nil
}

// AppendEvents writes event records keyed by offset in one batch.
func (ps *Store) AppendEvents(records []events.Record) error {
	batch := ps.db.NewBatch()
	defer batch.Close()

	for _, record := range records {
		value, err := json.Marshal(record.Event)
		if err != nil {
			return fmt.Errorf("marshalling event %d: %w", record.Offset, err)
		}
		err = batch.Set(eventKey(record.Offset), value, nil)
		if err != nil {
			return fmt.Errorf("adding event %d to batch: %w", record.Offset, err)
		}
	}

	err := batch.Commit(pebble.Sync)
	if err != nil {
		return fmt.Errorf("committing %d events: %w", len(records), err)
	}
	return nil
}

// LoadEvents returns the stored event log in offset order.
func (ps *Store) LoadEvents() ([]events.Record, error) {
	var records []events.Record
	err := ps.iterate(eventKeyPrefix, func(key, value []byte) error {
		var event entities.Event
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("unmarshalling event: %w", err)
		}
		records = append(records, events.Record{Offset: binary.BigEndian.Uint64(key[1:]), Event: event})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return records, nil
}

// GetForwardedOffset returns the offset of the first event not yet delivered to the event stream.
func (ps *Store) GetForwardedOffset() (uint64, error) {
	value, err := ps.get([]byte{forwardedEventKey})
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting forwarded offset: %w", err)
	}
	return binary.BigEndian.Uint64(value), nil
}

func (ps *Store) SaveForwardedOffset(offset uint64) error {
	err := ps.db.Set([]byte{forwardedEventKey}, binary.BigEndian.AppendUint64(nil, offset), pebble.Sync)
	if err != nil {
		return fmt.Errorf("setting forwarded offset: %w", err)
	}
	return nil
}

func (ps *Store) iterate(prefix byte, fn func(key, value []byte) error) error {
	iter, err := ps.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return fmt.Errorf("creating iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("getting value from iter: %w", err)
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return nil
}

func (ps *Store) Close() error {
	return ps.db.Close()
}

func (ps *Store) get(key []byte) ([]byte, error) {
	value, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return append([]byte(nil), value...), nil
}

func disputeKey(id uint64) []byte {
	key := []byte{disputeKeyPrefix}
	return binary.BigEndian.AppendUint64(key, id)
}

func balanceKey(holder entities.Address) []byte {
	return append([]byte{balanceKeyPrefix}, string(holder)...)
}

func allowanceKey(owner, spender entities.Address) []byte {
	key := append([]byte{allowanceKeyPrefix}, string(owner)...)
	key = append(key, 0x00)
	return append(key, string(spender)...)
}

func eventKey(offset uint64) []byte {
	key := []byte{eventKeyPrefix}
	return binary.BigEndian.AppendUint64(key, offset)
}
