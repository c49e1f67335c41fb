package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qubic/go-court/business/domain/token"
	"github.com/qubic/go-court/entities"
)

// parseBalances reads "address=amount" entries.
func parseBalances(entries []string) (map[entities.Address]uint64, error) {
	balances := make(map[entities.Address]uint64, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		address, amount, found := strings.Cut(entry, "=")
		if !found || strings.TrimSpace(address) == "" {
			return nil, fmt.Errorf("invalid balance entry %q, expected address=amount", entry)
		}
		value, err := strconv.ParseUint(strings.TrimSpace(amount), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount in balance entry %q: %w", entry, err)
		}
		balances[entities.Address(strings.TrimSpace(address))] += value
	}
	return balances, nil
}

// mintGenesis mints the configured balances into a ledger that holds nothing yet. A restored ledger is left
// alone and false is returned.
func mintGenesis(ledger *token.Ledger, entries []string) (bool, error) {
	balances, err := parseBalances(entries)
	if err != nil {
		return false, err
	}
	if !ledger.IsEmpty() {
		return false, nil
	}
	for holder, amount := range balances {
		if err := ledger.Mint(holder, amount); err != nil {
			return false, fmt.Errorf("minting genesis balance: %w", err)
		}
	}
	return true, nil
}

func toAddresses(values []string) []entities.Address {
	addresses := make([]entities.Address, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			addresses = append(addresses, entities.Address(v))
		}
	}
	return addresses
}
