package entities

// Address identifies subjects, the controller and token holders. It is compared, never interpreted.
type Address string

type DisputeState string

const (
	DisputeStatePreDraft     DisputeState = "PRE_DRAFT"
	DisputeStateAdjudicating DisputeState = "ADJUDICATING"
	DisputeStateRuled        DisputeState = "RULED"
)

func (s DisputeState) order() int {
	switch s {
	case DisputeStatePreDraft:
		return 0
	case DisputeStateAdjudicating:
		return 1
	case DisputeStateRuled:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether next directly follows s. States only move forward one step at a time.
func (s DisputeState) CanTransitionTo(next DisputeState) bool {
	from, to := s.order(), next.order()
	return from >= 0 && to == from+1
}

type Dispute struct {
	ID              uint64       `json:"id"`
	Subject         Address      `json:"subject"`
	PossibleRulings uint8        `json:"possibleRulings"`
	State           DisputeState `json:"state"`
	FinalRuling     uint8        `json:"finalRuling"`
	CreateTermID    uint64       `json:"createTermId"`
	Metadata        []byte       `json:"metadata,omitempty"`
	Rounds          []Round      `json:"rounds"`
}

type Round struct {
	DisputeID        uint64 `json:"disputeId"`
	Number           uint64 `json:"number"`
	DraftTermID      uint64 `json:"draftTermId"`
	DelayedTerms     uint64 `json:"delayedTerms"`
	JurorsNumber     uint64 `json:"jurorsNumber"`
	SelectedJurors   uint64 `json:"selectedJurors"`
	JurorFees        uint64 `json:"jurorFees"`
	SettledPenalties bool   `json:"settledPenalties"`
	CollectedTokens  uint64 `json:"collectedTokens"`
}

// Clone returns a copy that shares no slices with d.
func (d Dispute) Clone() Dispute {
	c := d
	if d.Metadata != nil {
		c.Metadata = append([]byte(nil), d.Metadata...)
	}
	c.Rounds = append([]Round(nil), d.Rounds...)
	return c
}

// LastRound is the number of the latest round. Every stored dispute has at least round 0.
func (d Dispute) LastRound() uint64 {
	return uint64(len(d.Rounds)) - 1
}
