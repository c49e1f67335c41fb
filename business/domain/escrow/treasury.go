package escrow

import "github.com/qubic/go-court/entities"

type TokenLedger interface {
	CanTransferFrom(spender, from, to entities.Address, amount uint64) error
	TransferFrom(spender, from, to entities.Address, amount uint64) error
	Transfer(from, to entities.Address, amount uint64) error
}

// TokenTreasury keeps deposits on a token ledger account. The court pulls with its own spender address, so
// payers must approve that address beforehand.
type TokenTreasury struct {
	tokens   TokenLedger
	spender  entities.Address
	treasury entities.Address
}

func NewTokenTreasury(tokens TokenLedger, spender, treasury entities.Address) *TokenTreasury {
	return &TokenTreasury{tokens: tokens, spender: spender, treasury: treasury}
}

func (t *TokenTreasury) CanDeposit(payer entities.Address, amount uint64) error {
	return t.tokens.CanTransferFrom(t.spender, payer, t.treasury, amount)
}

func (t *TokenTreasury) Deposit(payer entities.Address, amount uint64) error {
	return t.tokens.TransferFrom(t.spender, payer, t.treasury, amount)
}

func (t *TokenTreasury) Refund(payer entities.Address, amount uint64) error {
	return t.tokens.Transfer(t.treasury, payer, amount)
}
