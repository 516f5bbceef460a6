package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func leg(i int, token string, side domain.TradeSide, qty float64, native int64) domain.TradeLeg {
	return domain.TradeLeg{
		TokenID:     token,
		Side:        side,
		Quantity:    qty,
		NativeDelta: native,
		Timestamp:   t0.Add(time.Duration(i) * time.Minute),
		Signature:   fmt.Sprintf("sig-%03d", i),
	}
}

func TestPartialSellAverageCost(t *testing.T) {
	res := ComputeRealizedTradePnL([]domain.TradeLeg{
		leg(0, "T", domain.SideBuy, 100, -10_000_000),
		leg(1, "T", domain.SideSell, 60, 7_200_000),
	})
	if res.ProfitNative != 1_200_000 {
		t.Fatalf("profit=%d want=1200000", res.ProfitNative)
	}
	inv := res.Inventory["T"]
	if inv.Quantity != 40 || inv.CostBasis != 4_000_000 {
		t.Fatalf("inventory=%+v want={40 4000000}", inv)
	}
	if res.Wins != 1 || res.Losses != 0 {
		t.Fatalf("wins=%d losses=%d", res.Wins, res.Losses)
	}
	if res.VolumeNative != 17_200_000 {
		t.Fatalf("volume=%d", res.VolumeNative)
	}
}

func TestSellWithoutInventoryIsDropped(t *testing.T) {
	res := ComputeRealizedTradePnL([]domain.TradeLeg{
		leg(0, "T", domain.SideSell, 10, 5_000_000),
	})
	if res.ProfitNative != 0 || res.Wins != 0 || res.Losses != 0 {
		t.Fatalf("res=%+v", res)
	}
	if res.DroppedSells != 1 {
		t.Fatalf("dropped=%d want=1", res.DroppedSells)
	}
	if inv := res.Inventory["T"]; inv.Quantity != 0 || inv.CostBasis != 0 {
		t.Fatalf("inventory=%+v", inv)
	}
}

func TestFullLiquidationIdentity(t *testing.T) {
	cases := [][]domain.TradeLeg{
		{
			leg(0, "A", domain.SideBuy, 100, -1_000_003),
			leg(1, "A", domain.SideSell, 33, 400_001),
			leg(2, "A", domain.SideSell, 33, 299_999),
			leg(3, "A", domain.SideSell, 34, 500_000),
		},
		{
			leg(0, "B", domain.SideBuy, 0.1, -7),
			leg(1, "B", domain.SideBuy, 0.2, -11),
			leg(2, "B", domain.SideSell, 0.3, 13),
		},
		{
			leg(0, "C", domain.SideBuy, 3, -300),
			leg(1, "D", domain.SideBuy, 5, -50),
			leg(2, "C", domain.SideSell, 1, 90),
			leg(3, "D", domain.SideSell, 5, 80),
			leg(4, "C", domain.SideBuy, 1, -120),
			leg(5, "C", domain.SideSell, 3, 400),
		},
	}
	for i, legs := range cases {
		var proceeds, costs int64
		for _, l := range legs {
			if l.Side == domain.SideBuy {
				costs += abs64(l.NativeDelta)
			} else {
				proceeds += abs64(l.NativeDelta)
			}
		}
		res := ComputeRealizedTradePnL(legs)
		if res.ProfitNative != proceeds-costs {
			t.Fatalf("case %d: profit=%d want=%d", i, res.ProfitNative, proceeds-costs)
		}
		for tok, inv := range res.Inventory {
			if inv.Quantity != 0 || inv.CostBasis != 0 {
				t.Fatalf("case %d: token %s left %+v", i, tok, inv)
			}
		}
	}
}

func TestOversellRealizesAgainstHeldQuantityOnly(t *testing.T) {
	res := ComputeRealizedTradePnL([]domain.TradeLeg{
		leg(0, "T", domain.SideBuy, 10, -1000),
		leg(1, "T", domain.SideSell, 25, 3000),
		leg(2, "T", domain.SideSell, 5, 500),
	})
	if res.ProfitNative != 2000 {
		t.Fatalf("profit=%d want=2000", res.ProfitNative)
	}
	if res.DroppedSells != 1 {
		t.Fatalf("dropped=%d want=1", res.DroppedSells)
	}
}

func TestLegsAreProcessedInTimeOrder(t *testing.T) {
	sell := leg(5, "T", domain.SideSell, 10, 2000)
	buy := leg(1, "T", domain.SideBuy, 10, -1000)
	res := ComputeRealizedTradePnL([]domain.TradeLeg{sell, buy})
	if res.ProfitNative != 1000 {
		t.Fatalf("profit=%d want=1000", res.ProfitNative)
	}
}

func TestWinsAndLossesCountedPerToken(t *testing.T) {
	res := ComputeRealizedTradePnL([]domain.TradeLeg{
		leg(0, "W", domain.SideBuy, 10, -100),
		leg(1, "W", domain.SideSell, 5, 40),
		leg(2, "W", domain.SideSell, 5, 90),
		leg(3, "L", domain.SideBuy, 10, -100),
		leg(4, "L", domain.SideSell, 10, 60),
		leg(5, "F", domain.SideBuy, 10, -100),
		leg(6, "F", domain.SideSell, 10, 100),
	})
	if res.Wins != 1 || res.Losses != 1 {
		t.Fatalf("wins=%d losses=%d want 1/1", res.Wins, res.Losses)
	}
	if res.PerToken["W"] != 30 || res.PerToken["L"] != -40 || res.PerToken["F"] != 0 {
		t.Fatalf("per token=%v", res.PerToken)
	}
}
