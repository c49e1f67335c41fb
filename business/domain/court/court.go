// Package court is the dispute and round ledger. It owns the term clock state and every dispute, and it
// serializes all calls so ids and terms follow call arrival order.
//
// Every mutation reconciles the clock first. The clock advance is committed on its own and stays in place even
// when the rest of the call fails.
package court

import (
	"context"
	"fmt"
	"sync"

	"github.com/qubic/go-court/business/domain/clock"
	"github.com/qubic/go-court/business/domain/escrow"
	"github.com/qubic/go-court/entities"
	"go.uber.org/zap"
)

// State is everything the ledger owns. Disputes are indexed by id.
type State struct {
	Clock    clock.State
	Disputes []entities.Dispute
}

type Store interface {
	Load() (State, error)
	SaveClock(state clock.State) error
	CreateDispute(dispute entities.Dispute) error
	UpdateDispute(dispute entities.Dispute) error
}

type Publisher interface {
	Publish(ctx context.Context, events []entities.Event) error
}

type Gate interface {
	AuthorizeController(sender entities.Address) error
	AuthorizeSubject(ctx context.Context, sender, subject entities.Address) error
}

type Escrow interface {
	Escrow(payer entities.Address, amount uint64) error
	Release(payer entities.Address, amount uint64) error
}

type Court struct {
	mu        sync.Mutex
	config    Config
	clock     clock.Config
	fees      escrow.Fees
	state     State
	gate      Gate
	escrow    Escrow
	store     Store
	publisher Publisher
	metrics   *Metrics
	logger    *zap.SugaredLogger
}

// NewCourt validates the configuration and restores the ledger from the store.
func NewCourt(config Config, gate Gate, deposits Escrow, store Store, publisher Publisher, metrics *Metrics, logger *zap.SugaredLogger) (*Court, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating court config: %w", err)
	}

	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading ledger state: %w", err)
	}
	metrics.SetLedger(state.Clock.LastEnsuredTermID, len(state.Disputes))

	return &Court{
		config:    config,
		clock:     config.Clock(),
		fees:      config.Fees(),
		state:     state,
		gate:      gate,
		escrow:    deposits,
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

type CreateDisputeRequest struct {
	Sender          entities.Address
	Subject         entities.Address
	PossibleRulings uint8
	Metadata        []byte
	Now             uint64
}

// CreateDispute opens a dispute with its first round and escrows the deposit from the subject.
func (c *Court) CreateDispute(ctx context.Context, req CreateDisputeRequest) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.createDispute(ctx, req)
	if err != nil {
		return 0, c.reject("create_dispute", err)
	}
	return id, nil
}

func (c *Court) createDispute(ctx context.Context, req CreateDisputeRequest) (uint64, error) {
	if err := c.gate.AuthorizeSubject(ctx, req.Sender, req.Subject); err != nil {
		return 0, err
	}
	if req.PossibleRulings < 2 || req.PossibleRulings > c.config.MaxRulingOptions {
		return 0, entities.ErrInvalidRulingOptions
	}
	if err := c.ensureCurrentTerm(ctx, req.Now); err != nil {
		return 0, err
	}

	jurorsNumber := c.config.FirstRoundJurorsNumber
	jurorFees, err := c.fees.JurorFees(jurorsNumber)
	if err != nil {
		return 0, err
	}
	deposit, err := c.fees.DisputeDeposit(jurorsNumber)
	if err != nil {
		return 0, err
	}

	id := uint64(len(c.state.Disputes))
	createTerm := c.state.Clock.LastEnsuredTermID
	dispute := entities.Dispute{
		ID:              id,
		Subject:         req.Subject,
		PossibleRulings: req.PossibleRulings,
		State:           entities.DisputeStatePreDraft,
		CreateTermID:    createTerm,
		Rounds: []entities.Round{{
			DisputeID:    id,
			Number:       0,
			DraftTermID:  createTerm + c.config.EvidenceTerms,
			JurorsNumber: jurorsNumber,
			JurorFees:    jurorFees,
		}},
	}
	if len(req.Metadata) > 0 {
		dispute.Metadata = append([]byte(nil), req.Metadata...)
	}

	if err := c.escrow.Escrow(req.Subject, deposit); err != nil {
		return 0, err
	}
	if err := c.store.CreateDispute(dispute); err != nil {
		if releaseErr := c.escrow.Release(req.Subject, deposit); releaseErr != nil {
			c.logger.Errorw("Failed to release deposit of uncommitted dispute", "subject", req.Subject, "amount", deposit, "error", releaseErr)
		}
		return 0, fmt.Errorf("storing dispute %d: %w", id, err)
	}
	c.state.Disputes = append(c.state.Disputes, dispute)
	c.metrics.IncCreatedDisputes()
	c.metrics.SetLedger(createTerm, len(c.state.Disputes))

	round := dispute.Rounds[0]
	c.logger.Infow("Created dispute", "id", id, "subject", req.Subject, "term", createTerm, "draftTerm", round.DraftTermID, "deposit", deposit)
	c.publish(ctx, []entities.Event{entities.NewDisputeCreatedEvent(entities.DisputeCreated{
		DisputeID:       id,
		Subject:         req.Subject,
		PossibleRulings: dispute.PossibleRulings,
		CreateTermID:    dispute.CreateTermID,
		DraftTermID:     round.DraftTermID,
		JurorsNumber:    round.JurorsNumber,
		JurorFees:       round.JurorFees,
		Metadata:        dispute.Metadata,
	})})
	return id, nil
}

func (c *Court) GetDispute(id uint64) (entities.Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispute, err := c.dispute(id)
	if err != nil {
		return entities.Dispute{}, err
	}
	return dispute.Clone(), nil
}

func (c *Court) GetRound(disputeID, round uint64) (entities.Round, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispute, err := c.dispute(disputeID)
	if err != nil {
		return entities.Round{}, err
	}
	if round >= uint64(len(dispute.Rounds)) {
		return entities.Round{}, entities.ErrRoundDoesNotExist
	}
	return dispute.Rounds[round], nil
}

// Heartbeat advances the clock by up to maxRequested terms, bounded by the per call cap. A zero request uses
// the cap. It is the way to catch up when a mutation fails with ErrTooManyTransitions.
func (c *Court) Heartbeat(ctx context.Context, now, maxRequested uint64) ([]entities.Heartbeat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxRequested == 0 || maxRequested > c.config.MaxTransitionsPerCall {
		maxRequested = c.config.MaxTransitionsPerCall
	}
	next := c.state.Clock
	heartbeats := c.clock.Advance(&next, now, maxRequested)
	if err := c.commitClock(ctx, next, heartbeats); err != nil {
		return nil, c.reject("heartbeat", err)
	}
	return heartbeats, nil
}

type DraftRoundRequest struct {
	Sender         entities.Address
	DisputeID      uint64
	Round          uint64
	SelectedJurors uint64
	Now            uint64
}

// DraftRound records a batch of drafted jurors. The dispute moves to adjudication once the round is complete.
func (c *Court) DraftRound(ctx context.Context, req DraftRoundRequest) (entities.Round, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispute, err := c.prepareMutation(ctx, req.Sender, req.DisputeID, req.Now)
	if err != nil {
		return entities.Round{}, c.reject("draft_round", err)
	}
	if req.Round >= uint64(len(dispute.Rounds)) {
		return entities.Round{}, c.reject("draft_round", entities.ErrRoundDoesNotExist)
	}
	if dispute.State != entities.DisputeStatePreDraft {
		return entities.Round{}, c.reject("draft_round", entities.ErrInvalidStateTransition)
	}

	round := &dispute.Rounds[req.Round]
	term := c.state.Clock.LastEnsuredTermID
	if term < round.DraftTermID {
		return entities.Round{}, c.reject("draft_round", entities.ErrTermNotReached)
	}
	if req.SelectedJurors == 0 || req.SelectedJurors > round.JurorsNumber-round.SelectedJurors {
		return entities.Round{}, c.reject("draft_round", entities.ErrInvalidRoundDraft)
	}

	round.SelectedJurors += req.SelectedJurors
	round.DelayedTerms = term - round.DraftTermID
	if round.SelectedJurors == round.JurorsNumber {
		dispute.State = entities.DisputeStateAdjudicating
	}

	drafted := *round
	if err := c.commitDispute(ctx, entities.EventRoundDrafted, req.Round, dispute); err != nil {
		return entities.Round{}, c.reject("draft_round", err)
	}
	return drafted, nil
}

type RuleDisputeRequest struct {
	Sender    entities.Address
	DisputeID uint64
	Ruling    uint8
	Now       uint64
}

// RuleDispute stores the final ruling of an adjudicating dispute.
func (c *Court) RuleDispute(ctx context.Context, req RuleDisputeRequest) (entities.Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispute, err := c.prepareMutation(ctx, req.Sender, req.DisputeID, req.Now)
	if err != nil {
		return entities.Dispute{}, c.reject("rule_dispute", err)
	}
	if !dispute.State.CanTransitionTo(entities.DisputeStateRuled) {
		return entities.Dispute{}, c.reject("rule_dispute", entities.ErrInvalidStateTransition)
	}
	if req.Ruling == 0 || req.Ruling > dispute.PossibleRulings {
		return entities.Dispute{}, c.reject("rule_dispute", entities.ErrInvalidRuling)
	}

	dispute.State = entities.DisputeStateRuled
	dispute.FinalRuling = req.Ruling
	if err := c.commitDispute(ctx, entities.EventDisputeRuled, dispute.LastRound(), dispute); err != nil {
		return entities.Dispute{}, c.reject("rule_dispute", err)
	}
	return dispute.Clone(), nil
}

type SettleRoundRequest struct {
	Sender          entities.Address
	DisputeID       uint64
	Round           uint64
	CollectedTokens uint64
	Now             uint64
}

// SettleRound marks the penalties of a round of a ruled dispute as settled. Each round settles once.
func (c *Court) SettleRound(ctx context.Context, req SettleRoundRequest) (entities.Round, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispute, err := c.prepareMutation(ctx, req.Sender, req.DisputeID, req.Now)
	if err != nil {
		return entities.Round{}, c.reject("settle_round", err)
	}
	if req.Round >= uint64(len(dispute.Rounds)) {
		return entities.Round{}, c.reject("settle_round", entities.ErrRoundDoesNotExist)
	}
	if dispute.State != entities.DisputeStateRuled {
		return entities.Round{}, c.reject("settle_round", entities.ErrInvalidStateTransition)
	}

	round := &dispute.Rounds[req.Round]
	if round.SettledPenalties {
		return entities.Round{}, c.reject("settle_round", entities.ErrRoundAlreadySettled)
	}
	round.SettledPenalties = true
	round.CollectedTokens = req.CollectedTokens

	settled := *round
	if err := c.commitDispute(ctx, entities.EventRoundSettled, req.Round, dispute); err != nil {
		return entities.Round{}, c.reject("settle_round", err)
	}
	return settled, nil
}

type Status struct {
	CurrentTermID     uint64 `json:"currentTermId"`
	LastEnsuredTermID uint64 `json:"lastEnsuredTermId"`
	NeededTransitions uint64 `json:"neededTransitions"`
	TermStartTime     uint64 `json:"termStartTime"`
	DisputeCount      uint64 `json:"disputeCount"`
}

// Status reports how far the ledger lags behind now. It never advances the clock.
func (c *Court) Status(now uint64) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.clock.CurrentTermID(now)
	return Status{
		CurrentTermID:     current,
		LastEnsuredTermID: c.state.Clock.LastEnsuredTermID,
		NeededTransitions: c.clock.NeededTransitions(c.state.Clock, now),
		TermStartTime:     c.clock.TermStartTime(current),
		DisputeCount:      uint64(len(c.state.Disputes)),
	}
}

// prepareMutation runs the checks shared by the collaborator hooks and returns a copy of the dispute to modify.
func (c *Court) prepareMutation(ctx context.Context, sender entities.Address, id uint64, now uint64) (entities.Dispute, error) {
	if err := c.gate.AuthorizeController(sender); err != nil {
		return entities.Dispute{}, err
	}
	if err := c.ensureCurrentTerm(ctx, now); err != nil {
		return entities.Dispute{}, err
	}
	dispute, err := c.dispute(id)
	if err != nil {
		return entities.Dispute{}, err
	}
	return dispute.Clone(), nil
}

func (c *Court) dispute(id uint64) (entities.Dispute, error) {
	if id >= uint64(len(c.state.Disputes)) {
		return entities.Dispute{}, entities.ErrDisputeDoesNotExist
	}
	return c.state.Disputes[id], nil
}

func (c *Court) ensureCurrentTerm(ctx context.Context, now uint64) error {
	next := c.state.Clock
	heartbeats, err := c.clock.Ensure(&next, now, c.config.MaxTransitionsPerCall)
	if err != nil {
		return err
	}
	return c.commitClock(ctx, next, heartbeats)
}

func (c *Court) commitClock(ctx context.Context, next clock.State, heartbeats []entities.Heartbeat) error {
	if len(heartbeats) == 0 {
		return nil
	}
	if err := c.store.SaveClock(next); err != nil {
		return fmt.Errorf("storing clock state: %w", err)
	}
	c.state.Clock = next
	c.metrics.AddHeartbeats(len(heartbeats))
	c.metrics.SetLedger(next.LastEnsuredTermID, len(c.state.Disputes))

	events := make([]entities.Event, 0, len(heartbeats))
	for _, hb := range heartbeats {
		events = append(events, entities.NewHeartbeatEvent(hb))
	}
	c.logger.Infow("Advanced term", "from", heartbeats[0].PreviousTermID, "to", next.LastEnsuredTermID)
	c.publish(ctx, events)
	return nil
}

func (c *Court) commitDispute(ctx context.Context, eventType entities.EventType, round uint64, dispute entities.Dispute) error {
	if err := c.store.UpdateDispute(dispute); err != nil {
		return fmt.Errorf("storing dispute %d: %w", dispute.ID, err)
	}
	c.state.Disputes[dispute.ID] = dispute
	c.logger.Infow("Updated dispute", "id", dispute.ID, "event", eventType, "round", round, "state", dispute.State)
	c.publish(ctx, []entities.Event{entities.NewDisputeChangedEvent(eventType, round, dispute)})
	return nil
}

// publish hands events to the output stream. A failing stream does not fail the call.
func (c *Court) publish(ctx context.Context, events []entities.Event) {
	if err := c.publisher.Publish(ctx, events); err != nil {
		c.metrics.IncFailedPublishing()
		c.logger.Errorw("Failed to publish events", "count", len(events), "error", err)
	}
}

func (c *Court) reject(operation string, err error) error {
	c.metrics.IncRejectedCalls(operation, err)
	c.logger.Debugw("Rejected call", "operation", operation, "error", err)
	return err
}
