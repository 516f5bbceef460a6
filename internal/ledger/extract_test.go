package ledger

import (
	"testing"

	"github.com/alanyoungcy/kolboard/internal/classify"
	"github.com/alanyoungcy/kolboard/internal/domain"
)

const (
	wallet = "0xaaaa000000000000000000000000000000000001"
	pool   = "0xbbbb000000000000000000000000000000000002"
	weth   = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	usdc   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	memeA  = "0x1111111111111111111111111111111111111111"
	memeB  = "0x2222222222222222222222222222222222222222"
)

func extractor() *Extractor {
	return NewExtractor(classify.NewTokenSet(weth, []string{usdc}), 0)
}

func buyMeme(qty float64) []domain.TokenTransfer {
	return []domain.TokenTransfer{{FromUserAccount: pool, ToUserAccount: wallet, Mint: memeA, TokenAmount: qty}}
}

func TestExtractNativeTransfersFirst(t *testing.T) {
	fee := domain.FlexInt(5000)
	payer := wallet
	ev := domain.TransactionEvent{
		Signature:       "s1",
		Timestamp:       1_700_000_000,
		Fee:             &fee,
		FeePayer:        &payer,
		NativeTransfers: []domain.NativeTransfer{{FromUserAccount: wallet, ToUserAccount: pool, Amount: 2_000_000}},
		TokenTransfers:  buyMeme(50),
		AccountData:     []domain.AccountData{{Account: wallet, NativeBalanceChange: -9_999_999}},
	}
	l, ok := extractor().ExtractTradeLeg(ev, wallet, 2500)
	if !ok {
		t.Fatal("no leg")
	}
	if l.NativeDelta != -2_000_000 || l.Side != domain.SideBuy || l.Quantity != 50 || l.TokenID != memeA {
		t.Fatalf("leg=%+v", l)
	}
	if l.Timestamp.Unix() != 1_700_000_000 || l.Signature != "s1" {
		t.Fatalf("leg meta=%+v", l)
	}
}

func TestExtractWrappedNative(t *testing.T) {
	ev := domain.TransactionEvent{
		Signature: "s2",
		TokenTransfers: []domain.TokenTransfer{
			{FromUserAccount: wallet, ToUserAccount: pool, Mint: memeA, TokenAmount: 10},
			{FromUserAccount: pool, ToUserAccount: wallet, Mint: weth, TokenAmount: 0.5},
		},
	}
	l, ok := extractor().ExtractTradeLeg(ev, wallet, 0)
	if !ok || l.NativeDelta != 500_000_000 || l.Side != domain.SideSell {
		t.Fatalf("ok=%v leg=%+v", ok, l)
	}
}

func TestExtractSwapNativeLegsRecurse(t *testing.T) {
	ev := domain.TransactionEvent{
		Signature:      "s3",
		TokenTransfers: buyMeme(7),
		Events: &domain.EventSet{Swap: &domain.SwapEvent{
			InnerSwaps: []domain.SwapEvent{
				{NativeInput: &domain.NativeAmount{Account: wallet, Amount: 300}},
				{NativeInput: &domain.NativeAmount{Account: pool, Amount: 999}},
			},
		}},
	}
	l, ok := extractor().ExtractTradeLeg(ev, wallet, 0)
	if !ok || l.NativeDelta != -300 {
		t.Fatalf("ok=%v leg=%+v", ok, l)
	}
}

func TestExtractStableUsesReferencePrice(t *testing.T) {
	ev := domain.TransactionEvent{
		Signature: "s4",
		TokenTransfers: []domain.TokenTransfer{
			{FromUserAccount: wallet, ToUserAccount: pool, Mint: usdc, TokenAmount: 250},
			{FromUserAccount: pool, ToUserAccount: wallet, Mint: memeA, TokenAmount: 1000},
		},
	}
	l, ok := extractor().ExtractTradeLeg(ev, wallet, 2500)
	if !ok || l.NativeDelta != -100_000_000 {
		t.Fatalf("ok=%v leg=%+v want native=-100000000", ok, l)
	}
	if _, ok := extractor().ExtractTradeLeg(ev, wallet, 0); ok {
		t.Fatal("stable leg without price should not produce a leg")
	}
}

func TestExtractAccountDataNetOfFee(t *testing.T) {
	fee := domain.FlexInt(5000)
	payer := wallet
	ev := domain.TransactionEvent{
		Signature:      "s5",
		Fee:            &fee,
		FeePayer:       &payer,
		TokenTransfers: buyMeme(1),
		AccountData:    []domain.AccountData{{Account: wallet, NativeBalanceChange: -1_005_000}},
	}
	l, ok := extractor().ExtractTradeLeg(ev, wallet, 0)
	if !ok || l.NativeDelta != -1_000_000 {
		t.Fatalf("ok=%v leg=%+v", ok, l)
	}
}

func TestExtractDominantTokenTieBreak(t *testing.T) {
	ev := domain.TransactionEvent{
		Signature: "s6",
		TokenTransfers: []domain.TokenTransfer{
			{FromUserAccount: pool, ToUserAccount: wallet, Mint: memeB, TokenAmount: 5},
			{FromUserAccount: wallet, ToUserAccount: pool, Mint: memeA, TokenAmount: 5},
		},
		NativeTransfers: []domain.NativeTransfer{{FromUserAccount: pool, ToUserAccount: wallet, Amount: 10}},
	}
	l, ok := extractor().ExtractTradeLeg(ev, wallet, 0)
	if !ok || l.TokenID != memeA || l.Side != domain.SideSell {
		t.Fatalf("ok=%v leg=%+v", ok, l)
	}
}

func TestExtractNoLeg(t *testing.T) {
	x := extractor()
	onlyStable := domain.TransactionEvent{
		Signature:       "s7",
		TokenTransfers:  []domain.TokenTransfer{{FromUserAccount: pool, ToUserAccount: wallet, Mint: usdc, TokenAmount: 10}},
		NativeTransfers: []domain.NativeTransfer{{FromUserAccount: wallet, ToUserAccount: pool, Amount: 10}},
	}
	if _, ok := x.ExtractTradeLeg(onlyStable, wallet, 2500); ok {
		t.Fatal("stable-only transfer produced a leg")
	}
	noValue := domain.TransactionEvent{Signature: "s8", TokenTransfers: buyMeme(3)}
	if _, ok := x.ExtractTradeLeg(noValue, wallet, 2500); ok {
		t.Fatal("token move without native value produced a leg")
	}
}
