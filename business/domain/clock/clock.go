// Package clock maps wall-clock timestamps onto court terms and advances the ensured term pointer.
//
// Term 0 is pre-genesis. Term 1 starts at FirstTermStartTime and every following term starts TermDuration
// seconds after the previous one. All arithmetic is on unsigned integers so results never depend on the caller.
package clock

import (
	"fmt"
	"math"

	"github.com/qubic/go-court/entities"
)

type Config struct {
	FirstTermStartTime uint64
	TermDuration       uint64
}

func (c Config) Validate() error {
	if c.TermDuration == 0 {
		return fmt.Errorf("term duration must be positive: %w", entities.ErrInvalidConfig)
	}
	// The term of the largest timestamp has to fit, otherwise CurrentTermID wraps to 0.
	if (math.MaxUint64-c.FirstTermStartTime)/c.TermDuration == math.MaxUint64 {
		return fmt.Errorf("term ids overflow with first term start %d and duration %d: %w",
			c.FirstTermStartTime, c.TermDuration, entities.ErrInvalidConfig)
	}
	return nil
}

// State is the reconciled part of the clock. LastEnsuredTermID never decreases.
type State struct {
	LastEnsuredTermID uint64
}

// CurrentTermID is the term implied by now, independent of what has been ensured.
func (c Config) CurrentTermID(now uint64) uint64 {
	if now < c.FirstTermStartTime {
		return 0
	}
	return 1 + (now-c.FirstTermStartTime)/c.TermDuration
}

// TermStartTime returns the first second of term id. Term 0 has no start and returns 0.
func (c Config) TermStartTime(id uint64) uint64 {
	if id == 0 {
		return 0
	}
	return c.FirstTermStartTime + (id-1)*c.TermDuration
}

// NeededTransitions is the number of terms the state lags behind now.
func (c Config) NeededTransitions(state State, now uint64) uint64 {
	target := c.CurrentTermID(now)
	if target <= state.LastEnsuredTermID {
		return 0
	}
	return target - state.LastEnsuredTermID
}

// Ensure brings state up to the current term. It refuses to do more than maxTransitions terms of work in one
// call: the state is left untouched and ErrTooManyTransitions is returned, callers catch up with Advance.
func (c Config) Ensure(state *State, now uint64, maxTransitions uint64) ([]entities.Heartbeat, error) {
	needed := c.NeededTransitions(*state, now)
	if needed > maxTransitions {
		return nil, entities.ErrTooManyTransitions
	}
	return c.advance(state, needed), nil
}

// Advance moves state forward by at most maxRequested terms and never fails.
func (c Config) Advance(state *State, now uint64, maxRequested uint64) []entities.Heartbeat {
	return c.advance(state, min(c.NeededTransitions(*state, now), maxRequested))
}

func (c Config) advance(state *State, transitions uint64) []entities.Heartbeat {
	if transitions == 0 {
		return nil
	}

	heartbeats := make([]entities.Heartbeat, 0, transitions)
	for i := uint64(0); i < transitions; i++ {
		prev := state.LastEnsuredTermID
		state.LastEnsuredTermID++
		heartbeats = append(heartbeats, entities.Heartbeat{
			PreviousTermID: prev,
			TermID:         state.LastEnsuredTermID,
			StartTime:      c.TermStartTime(state.LastEnsuredTermID),
		})
	}
	return heartbeats
}
