package entities

type EventType string

const (
	EventHeartbeat      EventType = "heartbeat"
	EventDisputeCreated EventType = "dispute.created"
	EventRoundDrafted   EventType = "round.drafted"
	EventDisputeRuled   EventType = "dispute.ruled"
	EventRoundSettled   EventType = "round.settled"
)

// Event is one record of the court output stream. Exactly one payload is set, matching Type.
type Event struct {
	Type           EventType       `json:"type"`
	Heartbeat      *Heartbeat      `json:"heartbeat,omitempty"`
	DisputeCreated *DisputeCreated `json:"disputeCreated,omitempty"`
	DisputeChanged *DisputeChanged `json:"disputeChanged,omitempty"`
}

type Heartbeat struct {
	PreviousTermID uint64 `json:"previousTermId"`
	TermID         uint64 `json:"termId"`
	StartTime      uint64 `json:"startTime"`
}

type DisputeCreated struct {
	DisputeID       uint64  `json:"disputeId"`
	Subject         Address `json:"subject"`
	PossibleRulings uint8   `json:"possibleRulings"`
	CreateTermID    uint64  `json:"createTermId"`
	DraftTermID     uint64  `json:"draftTermId"`
	JurorsNumber    uint64  `json:"jurorsNumber"`
	JurorFees       uint64  `json:"jurorFees"`
	Metadata        []byte  `json:"metadata,omitempty"`
}

// DisputeChanged carries the full dispute after a drafting, ruling or settlement mutation.
type DisputeChanged struct {
	Round   uint64  `json:"round"`
	Dispute Dispute `json:"dispute"`
}

func NewHeartbeatEvent(hb Heartbeat) Event {
	return Event{Type: EventHeartbeat, Heartbeat: &hb}
}

func NewDisputeCreatedEvent(dc DisputeCreated) Event {
	return Event{Type: EventDisputeCreated, DisputeCreated: &dc}
}

func NewDisputeChangedEvent(t EventType, round uint64, d Dispute) Event {
	return Event{Type: t, DisputeChanged: &DisputeChanged{Round: round, Dispute: d.Clone()}}
}

// DisputeID returns the dispute an event refers to; ok is false for heartbeats.
func (e Event) DisputeID() (id uint64, ok bool) {
	switch {
	case e.DisputeCreated != nil:
		return e.DisputeCreated.DisputeID, true
	case e.DisputeChanged != nil:
		return e.DisputeChanged.Dispute.ID, true
	}
	return 0, false
}
