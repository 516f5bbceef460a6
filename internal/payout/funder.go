// Package payout moves claimable payout requests through the on-chain
// transfer state machine.
package payout

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// ErrNoFundingSource means no funder holds enough balance for a payout.
var ErrNoFundingSource = errors.New("payout: no funding source with sufficient balance")

// Candidate is a funder address with its current balance in accounting units.
type Candidate struct {
	Address string
	Balance int64
}

// SelectFunder picks the funder for a payout. Candidates are ordered by
// address and scanned starting at a position derived from seed, so the same
// inputs always pick the same funder while different payouts spread across
// funders. The first candidate holding at least required wins.
func SelectFunder(seed string, candidates []Candidate, required int64) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, fmt.Errorf("%w: no funders configured", ErrNoFundingSource)
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Address) < strings.ToLower(sorted[j].Address)
	})

	h := fnv.New32a()
	h.Write([]byte(seed))
	start := int(h.Sum32() % uint32(len(sorted)))

	var best int64
	for i := range sorted {
		c := sorted[(start+i)%len(sorted)]
		if c.Balance >= required {
			return c, nil
		}
		best = max(best, c.Balance)
	}
	return Candidate{}, fmt.Errorf("%w: need %d, largest balance %d", ErrNoFundingSource, required, best)
}
