package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/kolboard/internal/account"
	"github.com/alanyoungcy/kolboard/internal/chain"
	"github.com/alanyoungcy/kolboard/internal/classify"
	"github.com/alanyoungcy/kolboard/internal/config"
	"github.com/alanyoungcy/kolboard/internal/crypto"
	"github.com/alanyoungcy/kolboard/internal/featurecfg"
	"github.com/alanyoungcy/kolboard/internal/ingest"
	"github.com/alanyoungcy/kolboard/internal/ledger"
	"github.com/alanyoungcy/kolboard/internal/payout"
	"github.com/alanyoungcy/kolboard/internal/price"
	"github.com/alanyoungcy/kolboard/internal/rpc"
	"github.com/alanyoungcy/kolboard/internal/settlement"
	"github.com/alanyoungcy/kolboard/internal/snapshot"
)

// Services are the domain services built on top of Dependencies.
type Services struct {
	Prices     *price.Feed
	Features   *featurecfg.Cache
	Builder    *snapshot.Builder
	Verifier   *snapshot.Verifier
	Chain      *chain.Client
	Settlement *settlement.Service
	Ingest     *ingest.Service
	Accounts   *account.Service
	// Payouts is nil when no funder key is configured.
	Payouts *payout.Processor
}

// rpcPolicy builds the shared retry policy and reports every call to metrics.
func rpcPolicy(cfg *config.Config, deps *Dependencies) rpc.Policy {
	p := rpc.DefaultPolicy()
	p.MaxAttempts = cfg.RPC.MaxAttempts
	if cfg.RPC.BaseBackoff.Duration > 0 {
		p.BaseBackoff = cfg.RPC.BaseBackoff.Duration
	}
	if cfg.RPC.MaxBackoff.Duration > 0 {
		p.MaxBackoff = cfg.RPC.MaxBackoff.Duration
	}
	p.Observe = deps.Metrics.ObserveRPC
	return p
}

// BuildServices constructs every service. requireFunders makes a missing or
// unreadable funder key an error instead of disabling payouts.
func BuildServices(ctx context.Context, cfg *config.Config, deps *Dependencies, requireFunders bool, logger *slog.Logger) (*Services, error) {
	policy := rpcPolicy(cfg, deps)
	st := deps.Stores
	svc := &Services{}

	// Reference price.
	var providers []price.Provider
	if len(cfg.Price.CoinGeckoURLs) > 0 {
		providers = append(providers, price.NewCoinGecko(policy.WithEndpoints(cfg.Price.CoinGeckoURLs...), cfg.Price.CoinGeckoID, cfg.Price.Currency))
	}
	if len(cfg.Price.BinanceURLs) > 0 {
		providers = append(providers, price.NewBinance(policy.WithEndpoints(cfg.Price.BinanceURLs...), cfg.Price.BinanceSymbol))
	}
	svc.Prices = price.NewFeed(price.Config{
		AssetID:  cfg.Price.AssetID,
		TTL:      cfg.Price.TTL.Duration,
		Fallback: cfg.FallbackPrice(),
	}, providers, deps.SharedPrices, deps.Metrics, logger)

	svc.Features = featurecfg.New(st.Features, cfg.Price.FeatureTTL.Duration, nil, logger)

	// Ranking.
	tokens := classify.NewTokenSet(cfg.Classifier.WrappedNative, cfg.Classifier.Stables)
	classifierCfg := classify.DefaultConfig()
	if len(cfg.Classifier.SwapTypes) > 0 {
		classifierCfg.SwapTypes = cfg.Classifier.SwapTypes
	}
	if cfg.Classifier.PlainTransferSource != "" {
		classifierCfg.PlainTransferSource = cfg.Classifier.PlainTransferSource
	}
	if len(cfg.Classifier.VenueSources) > 0 {
		classifierCfg.VenueSources = cfg.Classifier.VenueSources
	}
	svc.Verifier = snapshot.NewVerifier(st.Snapshots, deps.Archive, logger)
	svc.Builder = snapshot.NewBuilder(snapshot.Deps{
		Wallets:    st.Wallets,
		Events:     st.Events,
		Snapshots:  st.Snapshots,
		Classifier: classify.New(classifierCfg, tokens),
		Extractor:  ledger.NewExtractor(tokens, cfg.Price.UnitsPerNative),
		Prices:     svc.Prices,
		Thresholds: svc.Features,
		Archive:    deps.Archive,
		Locks:      deps.Locks,
		Bus:        deps.Bus,
		Metrics:    deps.Metrics,
	}, cfg.Snapshot.Concurrency, logger)

	// Settlement.
	svc.Settlement = settlement.NewService(settlement.Deps{
		Markets:   st.Markets,
		Payouts:   st.Payouts,
		Snapshots: svc.Builder,
		Verifier:  svc.Verifier,
		Audit:     st.Audit,
		Notifier:  deps.Notifier,
		Metrics:   deps.Metrics,
	}, logger)

	// Ingestion.
	ingestOpts := []ingest.Option{ingest.WithMetrics(deps.Metrics)}
	if len(cfg.Ingest.IndexerURLs) > 0 {
		indexer := ingest.NewIndexer(policy.WithEndpoints(cfg.Ingest.IndexerURLs...), cfg.Ingest.IndexerAPIKey)
		ingestOpts = append(ingestOpts, ingest.WithHistory(indexer, cfg.Ingest.PageSize, cfg.Ingest.MaxPages, cfg.Ingest.Lookback.Duration))
	}
	svc.Ingest = ingest.NewService(st.Wallets, st.Events, logger, ingestOpts...)

	// Chain and signed accounts.
	svc.Chain = chain.New(chain.Config{
		ChainID:        cfg.Chain.ChainID,
		UnitWei:        cfg.Chain.UnitWei,
		GasLimit:       cfg.Chain.GasLimit,
		ReceiptPoll:    cfg.Chain.ReceiptPoll.Duration,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		Escrow:         cfg.Chain.EscrowAddress,
	}, policy.WithEndpoints(cfg.Chain.Endpoints...), nil)

	var deposits account.DepositVerifier
	if cfg.Chain.EscrowAddress != "" {
		deposits = svc.Chain
	}
	svc.Accounts = account.NewService(st.Accounts, deposits, st.Audit, logger)

	// Payouts.
	funders, err := loadFunders(cfg.Funders)
	switch {
	case err != nil && requireFunders:
		return nil, err
	case err != nil:
		logger.WarnContext(ctx, "payout processing disabled", slog.String("error", err.Error()))
	case len(funders) == 0 && requireFunders:
		return nil, fmt.Errorf("app: no funder keys configured")
	case len(funders) == 0:
		logger.InfoContext(ctx, "payout processing disabled: no funder keys")
	default:
		svc.Payouts = payout.NewProcessor(payout.Deps{
			Payouts:  st.Payouts,
			Chain:    svc.Chain,
			Funders:  funders,
			Locks:    deps.Locks,
			Audit:    st.Audit,
			Notifier: deps.Notifier,
			Metrics:  deps.Metrics,
		}, payout.Config{
			FeeReserve:     cfg.Payout.FeeReserve,
			ReconcileAfter: cfg.Payout.ReconcileAfter.Duration,
			FunderLockTTL:  cfg.Payout.FunderLockTTL.Duration,
		}, logger)
		logger.InfoContext(ctx, "payout processing enabled", slog.Int("funders", len(funders)))
		deps.Checks["chain"] = func(ctx context.Context) error {
			_, err := svc.Chain.LatestBlock(ctx)
			return err
		}
	}

	return svc, nil
}

func loadFunders(cfgs []config.FunderConfig) ([]chain.KeySource, error) {
	keys := make([]crypto.KeyConfig, 0, len(cfgs))
	for _, f := range cfgs {
		keys = append(keys, crypto.KeyConfig{
			RawPrivateKey:    f.PrivateKey,
			EncryptedKeyPath: f.EncryptedKeyPath,
			KeyPassword:      f.KeyPassword,
		})
	}
	signers, err := crypto.LoadSigners(keys)
	if err != nil {
		return nil, fmt.Errorf("app: load funders: %w", err)
	}
	out := make([]chain.KeySource, len(signers))
	for i, s := range signers {
		out[i] = s
	}
	return out, nil
}
