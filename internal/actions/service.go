package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coldbell/dex/bundler/internal/accounts"
	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/serum"
	"github.com/coldbell/dex/bundler/internal/wrapped"
	"github.com/gagliardetto/solana-go"
)

// Refresher brings the margin program caches up to date. It runs before
// every action that reads prices or interest indexes.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	MangoProgramID solana.PublicKey
	MangoGroup     solana.PublicKey
	DexProgramID   solana.PublicKey
}

type Service struct {
	builders  map[MarketKind]Builder
	spot      *spotBuilder
	refresher Refresher
	logger    *slog.Logger
}

// NewService wires one builder per market kind. refresher may be nil.
func NewService(cfg Config, chain Chain, wraps *wrapped.Manager, refresher Refresher, logger *slog.Logger) *Service {
	mangoClient := mango.NewClient(cfg.MangoProgramID, cfg.MangoGroup, chain)
	resolver := accounts.NewResolver(chain)

	spot := &spotBuilder{
		unsupported: unsupported{kind: KindSpot},
		chain:       chain,
		serum:       serum.NewClient(cfg.DexProgramID, chain),
		resolver:    resolver,
		wraps:       wraps,
		logger:      logger,
	}

	return &Service{
		builders: map[MarketKind]Builder{
			KindLending: &lendingBuilder{
				unsupported: unsupported{kind: KindLending},
				mango:       mangoClient,
				resolver:    resolver,
				wraps:       wraps,
			},
			KindSpot: spot,
			KindPerp: &perpBuilder{
				unsupported: unsupported{kind: KindPerp},
				mango:       mangoClient,
				logger:      logger,
			},
		},
		spot:      spot,
		refresher: refresher,
		logger:    logger,
	}
}

func (s *Service) builder(kind MarketKind) (Builder, error) {
	builder, ok := s.builders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: market kind %q", ErrUnsupportedAction, kind)
	}
	return builder, nil
}

// refresh runs one keeper tick. The tick is best effort: a failure is
// logged and the action still runs against whatever the caches hold.
func (s *Service) refresh(ctx context.Context, action string) {
	if s.refresher == nil {
		return
	}
	if err := s.refresher.Refresh(ctx); err != nil {
		s.logger.Warn("cache refresh before action failed", "action", action, "err", err)
	}
}

func (s *Service) Deposit(ctx context.Context, kind MarketKind, p DepositParams) ([]bundle.Bundle, error) {
	builder, err := s.builder(kind)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, "deposit")
	bundles, err := builder.Deposit(ctx, p)
	if err != nil {
		return nil, err
	}
	return finalize(p.Owner, bundles), nil
}

func (s *Service) Withdraw(ctx context.Context, kind MarketKind, p WithdrawParams) ([]bundle.Bundle, error) {
	builder, err := s.builder(kind)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, "withdraw")
	bundles, err := builder.Withdraw(ctx, p)
	if err != nil {
		return nil, err
	}
	return finalize(p.Owner, bundles), nil
}

func (s *Service) PlaceOrder(ctx context.Context, kind MarketKind, p PlaceOrderParams) ([]bundle.Bundle, error) {
	builder, err := s.builder(kind)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, "place_order")
	bundles, err := builder.PlaceOrder(ctx, p)
	if err != nil {
		return nil, err
	}
	return finalize(p.Owner, bundles), nil
}

func (s *Service) CancelOrder(ctx context.Context, kind MarketKind, p CancelOrderParams) ([]bundle.Bundle, error) {
	builder, err := s.builder(kind)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, "cancel_order")
	bundles, err := builder.CancelOrder(ctx, p)
	if err != nil {
		return nil, err
	}
	return finalize(p.Owner, bundles), nil
}

func (s *Service) Settle(ctx context.Context, kind MarketKind, p SettleParams) ([]bundle.Bundle, error) {
	builder, err := s.builder(kind)
	if err != nil {
		return nil, err
	}
	bundles, err := builder.Settle(ctx, p)
	if err != nil {
		return nil, err
	}
	return finalize(p.Owner, bundles), nil
}

func (s *Service) InitMarket(ctx context.Context, p InitMarketParams) ([]bundle.Bundle, error) {
	bundles, err := s.spot.InitMarket(ctx, p)
	if err != nil {
		return nil, err
	}
	return finalize(p.Owner, bundles), nil
}

// finalize puts the owner first in every non-empty bundle and asserts the
// signer set is well formed.
func finalize(owner solana.PublicKey, bundles []bundle.Bundle) []bundle.Bundle {
	out := make([]bundle.Bundle, len(bundles))
	for i, b := range bundles {
		if b.Empty() {
			out[i] = b
			continue
		}
		out[i] = b.WithPrimary(bundle.ExternalSigner(owner))
		out[i].MustValidate()
	}
	return out
}
