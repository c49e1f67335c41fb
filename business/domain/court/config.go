package court

import (
	"fmt"

	"github.com/qubic/go-court/business/domain/clock"
	"github.com/qubic/go-court/business/domain/escrow"
	"github.com/qubic/go-court/entities"
)

// DefaultMaxRulingOptions is the protocol bound on the number of outcomes a dispute may have.
const DefaultMaxRulingOptions uint8 = 5

// Config is fixed when the court is created.
type Config struct {
	FirstTermStartTime     uint64
	TermDuration           uint64
	JurorFee               uint64
	DraftFee               uint64
	SettleFee              uint64
	FirstRoundJurorsNumber uint64
	EvidenceTerms          uint64
	MaxTransitionsPerCall  uint64
	MaxRulingOptions       uint8
}

func (c Config) Validate() error {
	if err := c.Clock().Validate(); err != nil {
		return err
	}
	if c.FirstRoundJurorsNumber == 0 {
		return fmt.Errorf("first round jurors number must be positive: %w", entities.ErrInvalidConfig)
	}
	if c.MaxTransitionsPerCall == 0 {
		return fmt.Errorf("max transitions per call must be positive: %w", entities.ErrInvalidConfig)
	}
	if c.MaxRulingOptions < 2 {
		return fmt.Errorf("max ruling options must be at least 2: %w", entities.ErrInvalidConfig)
	}
	if _, err := c.Fees().DisputeDeposit(c.FirstRoundJurorsNumber); err != nil {
		return fmt.Errorf("first round deposit: %w: %w", entities.ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) Clock() clock.Config {
	return clock.Config{FirstTermStartTime: c.FirstTermStartTime, TermDuration: c.TermDuration}
}

func (c Config) Fees() escrow.Fees {
	return escrow.Fees{JurorFee: c.JurorFee, DraftFee: c.DraftFee, SettleFee: c.SettleFee}
}
