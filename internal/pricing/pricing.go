// Package pricing converts elapsed stream time into owed amounts. Everything
// here is pure: the controller owns the clock and the store owns the state.
package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultUnitScale is the number of decimal places in the ledger's smallest
// currency unit (1 coin = 10^8 units).
const DefaultUnitScale = 8

// Cost returns the whole seconds elapsed between startMs and nowMs and the
// amount owed at the given per-second rate. Elapsed milliseconds truncate to
// whole seconds (floor, never round) so amount == seconds * rate holds
// exactly; a clock running behind the start timestamp clamps to zero.
func Cost(startMs, nowMs int64, rate decimal.Decimal) (int64, decimal.Decimal) {
	elapsedMs := nowMs - startMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	seconds := elapsedMs / 1000
	return seconds, rate.Mul(decimal.NewFromInt(seconds))
}

// FinalCost computes the authoritative duration and amount at stop time.
// Same truncation as Cost; the stored result is frozen and never recomputed.
func FinalCost(startMs, endMs int64, rate decimal.Decimal) (int64, decimal.Decimal) {
	return Cost(startMs, endMs, rate)
}

// ToSmallestUnit converts a currency amount into an integer count of the
// ledger's smallest unit. The result is arbitrary precision: on-chain amounts
// routinely exceed 2^53 and must never pass through a float.
func ToSmallestUnit(amount decimal.Decimal, scale int32) *big.Int {
	return amount.Shift(scale).Truncate(0).BigInt()
}
