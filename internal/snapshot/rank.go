package snapshot

import (
	"fmt"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// Rank orders entries in place (eligible first, then profit desc, wins desc,
// wallet id asc) and assigns 1-based ranks.
func Rank(entries []domain.RankedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Eligible != b.Eligible {
			return a.Eligible
		}
		if a.ProfitNative != b.ProfitNative {
			return a.ProfitNative > b.ProfitNative
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		return a.WalletID < b.WalletID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// ContentHash is keccak256 over one "wallet|rank|profit\n" line per entry, in
// rank order. No other field takes part.
func ContentHash(entries []domain.RankedEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s|%d|%d\n", domain.NormalizeAccount(e.WalletID), e.Rank, e.ProfitNative)
	}
	return ethcrypto.Keccak256Hash([]byte(b.String())).Hex()
}
