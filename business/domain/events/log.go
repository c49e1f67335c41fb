// Package events keeps the append-only court output stream. The court appends to the Log while it holds its
// own lock; a Forwarder ships the log to external sinks on its own schedule.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/qubic/go-court/entities"
)

// Record is an event together with its position in the log, starting at 0.
type Record struct {
	Offset uint64         `json:"offset"`
	Event  entities.Event `json:"event"`
}

type Store interface {
	AppendEvents(records []Record) error
}

type Log struct {
	mu      sync.Mutex
	records []Record
	wake    chan struct{}
	store   Store
}

func NewLog() *Log {
	return &Log{wake: make(chan struct{})}
}

// NewPersistentLog continues the log after records, which must be the stored log in offset order, and writes
// every later append to store.
func NewPersistentLog(store Store, records []Record) (*Log, error) {
	for i, r := range records {
		if r.Offset != uint64(i) {
			return nil, fmt.Errorf("event %d stored out of sequence at position %d", r.Offset, i)
		}
	}
	l := NewLog()
	l.store = store
	l.records = records
	return l, nil
}

// Publish appends events. With a store attached the records are persisted first, and nothing is appended
// when that fails.
func (l *Log) Publish(_ context.Context, events []entities.Event) error {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := uint64(len(l.records))
	appended := make([]Record, 0, len(events))
	for i, e := range events {
		appended = append(appended, Record{Offset: next + uint64(i), Event: e})
	}
	if l.store != nil {
		if err := l.store.AppendEvents(appended); err != nil {
			return fmt.Errorf("storing %d events: %w", len(appended), err)
		}
	}

	l.records = append(l.records, appended...)
	close(l.wake)
	l.wake = make(chan struct{})
	return nil
}

// Records returns a copy of every record with offset >= from.
func (l *Log) Records(from uint64) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordsFrom(from, 0)
}

func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.records))
}

// Next blocks until there is at least one record with offset >= from and returns up to limit of them
// (all of them for limit 0). It returns ctx.Err() when ctx is done first.
func (l *Log) Next(ctx context.Context, from uint64, limit int) ([]Record, error) {
	for {
		l.mu.Lock()
		pending := l.recordsFrom(from, limit)
		wake := l.wake
		l.mu.Unlock()

		if len(pending) > 0 {
			return pending, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Log) recordsFrom(from uint64, limit int) []Record {
	if from >= uint64(len(l.records)) {
		return nil
	}
	n := uint64(len(l.records)) - from
	if limit > 0 && n > uint64(limit) {
		n = uint64(limit)
	}
	out := make([]Record, n)
	copy(out, l.records[from:from+n])
	return out
}

// Subscribe streams records starting at offset from until ctx is done. The channel is closed afterwards.
func (l *Log) Subscribe(ctx context.Context, from uint64) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		next := from
		for {
			pending, err := l.Next(ctx, next, 0)
			if err != nil {
				return
			}
			for _, r := range pending {
				select {
				case out <- r:
					next = r.Offset + 1
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
