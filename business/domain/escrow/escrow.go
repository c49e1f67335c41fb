// Package escrow computes dispute deposits and moves them from the paying subject to the court treasury.
package escrow

import (
	"fmt"
	"math/bits"

	"github.com/qubic/go-court/entities"
)

type Fees struct {
	JurorFee  uint64
	DraftFee  uint64
	SettleFee uint64
}

// JurorFees is the juror fee share of a round with jurorsNumber jurors.
func (f Fees) JurorFees(jurorsNumber uint64) (uint64, error) {
	hi, lo := bits.Mul64(f.JurorFee, jurorsNumber)
	if hi != 0 {
		return 0, entities.ErrDepositOverflow
	}
	return lo, nil
}

// DisputeDeposit is JurorFee*jurorsNumber + DraftFee + SettleFee. The draft and settle fees pay the drafting
// and settlement collaborators up front.
func (f Fees) DisputeDeposit(jurorsNumber uint64) (uint64, error) {
	total, err := f.JurorFees(jurorsNumber)
	if err != nil {
		return 0, err
	}
	var carry uint64
	total, carry = bits.Add64(total, f.DraftFee, 0)
	if carry != 0 {
		return 0, entities.ErrDepositOverflow
	}
	total, carry = bits.Add64(total, f.SettleFee, 0)
	if carry != 0 {
		return 0, entities.ErrDepositOverflow
	}
	return total, nil
}

// Treasury receives deposits on behalf of the court.
type Treasury interface {
	CanDeposit(payer entities.Address, amount uint64) error
	Deposit(payer entities.Address, amount uint64) error
	Refund(payer entities.Address, amount uint64) error
}

type Adapter struct {
	treasury Treasury
}

func NewAdapter(treasury Treasury) *Adapter {
	return &Adapter{treasury: treasury}
}

// Check verifies the payer can cover amount without moving any tokens.
func (a *Adapter) Check(payer entities.Address, amount uint64) error {
	if err := a.treasury.CanDeposit(payer, amount); err != nil {
		return fmt.Errorf("%w: %w", entities.ErrDepositFailed, err)
	}
	return nil
}

// Escrow pulls amount from payer into the treasury. On failure no tokens have moved.
func (a *Adapter) Escrow(payer entities.Address, amount uint64) error {
	if err := a.Check(payer, amount); err != nil {
		return err
	}
	if err := a.treasury.Deposit(payer, amount); err != nil {
		return fmt.Errorf("%w: %w", entities.ErrDepositFailed, err)
	}
	return nil
}

// Release returns a deposit whose dispute could not be committed.
func (a *Adapter) Release(payer entities.Address, amount uint64) error {
	if err := a.treasury.Refund(payer, amount); err != nil {
		return fmt.Errorf("refunding %d to %s: %w", amount, payer, err)
	}
	return nil
}
