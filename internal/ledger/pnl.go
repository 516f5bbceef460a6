package ledger

import (
	"math"
	"sort"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// dust is the quantity below which an inventory counts as flat.
const dust = 1e-9

// Result is the realized outcome of a sequence of legs.
type Result struct {
	ProfitNative int64
	Wins         int
	Losses       int
	VolumeNative int64
	TradeCount   int
	DroppedSells int
	PerToken     map[string]int64
	Inventory    map[string]domain.InventoryState
}

// ComputeRealizedTradePnL folds legs, in ascending time order, into realized
// profit. Buys add to the token's cost basis; sells realize proceeds minus the
// average cost of the quantity sold. Sells against an empty inventory are
// dropped. Wins and losses count tokens by the sign of their lifetime net.
func ComputeRealizedTradePnL(legs []domain.TradeLeg) Result {
	ordered := make([]domain.TradeLeg, len(legs))
	copy(ordered, legs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].Signature < ordered[j].Signature
	})

	res := Result{
		PerToken:  make(map[string]int64),
		Inventory: make(map[string]domain.InventoryState),
	}
	for _, leg := range ordered {
		amount := abs64(leg.NativeDelta)
		res.VolumeNative += amount
		res.TradeCount++

		inv := res.Inventory[leg.TokenID]
		switch leg.Side {
		case domain.SideBuy:
			inv.Quantity += leg.Quantity
			inv.CostBasis += amount
		case domain.SideSell:
			if inv.Quantity <= 0 || inv.CostBasis <= 0 {
				res.DroppedSells++
				continue
			}
			sellQty := math.Min(inv.Quantity, leg.Quantity)
			var costRemoved int64
			if inv.Quantity-sellQty <= dust {
				costRemoved = inv.CostBasis
			} else {
				costRemoved = int64(math.Round(float64(inv.CostBasis) * sellQty / inv.Quantity))
			}
			profit := amount - costRemoved
			res.ProfitNative += profit
			res.PerToken[leg.TokenID] += profit

			inv.Quantity -= sellQty
			inv.CostBasis -= costRemoved
			if inv.Quantity <= dust || inv.CostBasis <= 0 {
				inv = domain.InventoryState{}
			}
		default:
			continue
		}
		res.Inventory[leg.TokenID] = inv
	}

	for _, p := range res.PerToken {
		switch {
		case p > 0:
			res.Wins++
		case p < 0:
			res.Losses++
		}
	}
	return res
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
