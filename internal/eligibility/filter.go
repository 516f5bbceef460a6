// Package eligibility applies the anti-manipulation rules that keep young,
// self-dealing or low-diversity wallets out of the ranked positions.
package eligibility

import (
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// Reason codes reported for ineligible wallets.
const (
	ReasonWalletAge     = "wallet_age"
	ReasonSelfTransfers = "self_transfer_ratio"
	ReasonLowDiversity  = "low_counterparty_diversity"
)

// Verdict is the outcome for one wallet.
type Verdict struct {
	Eligible bool
	Reasons  []string
	AgeDays  int
}

// Evaluate checks a wallet's window activity against thresholds. now is the
// window end, so a snapshot's verdicts do not drift with wall-clock time.
func Evaluate(th domain.EligibilityThresholds, trackedSince time.Time, act domain.WalletActivity, now time.Time) Verdict {
	v := Verdict{AgeDays: ageDays(trackedSince, now)}

	if v.AgeDays < th.MinWalletAgeDays {
		v.Reasons = append(v.Reasons, ReasonWalletAge)
	}
	if act.TxCount > 0 {
		ratio := float64(act.SelfTransfers) / float64(act.TxCount)
		if ratio > th.MaxSelfTransferRatio {
			v.Reasons = append(v.Reasons, ReasonSelfTransfers)
		}
	}
	if act.TxCount >= th.MinTxForDiversity && act.Counterparties < th.MinUniqueCounterparties {
		v.Reasons = append(v.Reasons, ReasonLowDiversity)
	}
	v.Eligible = len(v.Reasons) == 0
	return v
}

func ageDays(since, now time.Time) int {
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int(now.Sub(since) / (24 * time.Hour))
}

// CollectActivity derives window activity for wallet from its events. An event
// counts as a self-transfer when the wallet sits on both sides of a transfer
// and no other account appears in any transfer. Counterparties are the
// distinct accounts opposite the wallet in native or token transfers.
func CollectActivity(wallet string, events []domain.TransactionEvent) domain.WalletActivity {
	var act domain.WalletActivity
	counterparties := make(map[string]struct{})
	for _, ev := range events {
		act.TxCount++

		self := false
		other := false
		visit := func(from, to string) {
			f := domain.SameAccount(from, wallet)
			t := domain.SameAccount(to, wallet)
			switch {
			case f && t:
				self = true
			case f:
				if c := domain.NormalizeAccount(to); c != "" {
					counterparties[c] = struct{}{}
					other = true
				}
			case t:
				if c := domain.NormalizeAccount(from); c != "" {
					counterparties[c] = struct{}{}
					other = true
				}
			}
		}
		for _, tr := range ev.NativeTransfers {
			visit(tr.FromUserAccount, tr.ToUserAccount)
		}
		for _, tr := range ev.TokenTransfers {
			visit(tr.FromUserAccount, tr.ToUserAccount)
		}
		if self && !other {
			act.SelfTransfers++
		}
	}
	act.Counterparties = len(counterparties)
	return act
}
