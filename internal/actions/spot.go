package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coldbell/dex/bundler/internal/accounts"
	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/dex"
	"github.com/coldbell/dex/bundler/internal/serum"
	"github.com/coldbell/dex/bundler/internal/wrapped"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// buyFeeMargin over-funds a wrapped quote payer so taker fees are covered.
const buyFeeMargin = 1.01

type spotBuilder struct {
	unsupported
	chain    Chain
	serum    *serum.Client
	resolver *accounts.Resolver
	wraps    *wrapped.Manager
	logger   *slog.Logger
}

// PlaceOrder pays from the quote account for a buy and the base account for
// a sell. The owner's first open-orders account for the market is reused;
// a new one is allocated in the same bundle when none exists.
func (b *spotBuilder) PlaceOrder(ctx context.Context, p PlaceOrderParams) ([]bundle.Bundle, error) {
	market, err := b.serum.LoadMarket(ctx, p.Market)
	if err != nil {
		return nil, err
	}

	priceLots, err := market.PriceToLots(p.Price)
	if err != nil {
		return nil, err
	}
	sizeLots, err := market.SizeToLots(p.Size)
	if err != nil {
		return nil, err
	}

	payerMint, payerQuantity := market.BaseMint, p.Size
	if p.Side == dex.SideBuy {
		payerMint, payerQuantity = market.QuoteMint, p.Price*p.Size*buyFeeMargin
	}

	scope := b.resolver.Scope()
	payerFragment, payer, err := scope.Resolve(ctx, p.Owner, p.Owner, payerMint)
	if err != nil {
		return nil, err
	}

	openOrdersFragment, openOrders, err := b.openOrdersFor(ctx, market, p.Owner)
	if err != nil {
		return nil, err
	}

	wrap, err := b.wraps.WrapIfNeeded(p.Owner, payerMint, payer.Address, payerQuantity)
	if err != nil {
		return nil, err
	}

	order := bundle.New([]solana.Instruction{
		serum.NewOrderV3Instruction(market, openOrders, wrap.Account(), p.Owner, serum.NewOrderParams{
			Side:              p.Side,
			LimitPrice:        priceLots,
			MaxBaseQuantity:   sizeLots,
			MaxQuoteQuantity:  market.MaxQuoteQuantity(sizeLots, priceLots),
			SelfTradeBehavior: serum.SelfTradeDecrementTake,
			OrderType:         p.OrderType,
			ClientID:          p.ClientID,
		}),
	})
	return single(bundle.Merge(payerFragment, openOrdersFragment, wrap.Around(order))), nil
}

func (b *spotBuilder) openOrdersFor(ctx context.Context, market *serum.Market, owner solana.PublicKey) (bundle.Bundle, solana.PublicKey, error) {
	existing, err := b.serum.FindOpenOrders(ctx, market.Address, owner)
	if err != nil {
		return bundle.Bundle{}, solana.PublicKey{}, err
	}
	if len(existing) > 0 {
		return bundle.Bundle{}, existing[0].Address, nil
	}

	fragment, handle, err := b.rawAccount(ctx, owner, serum.OpenOrdersSize, market.ProgramID)
	if err != nil {
		return bundle.Bundle{}, solana.PublicKey{}, err
	}
	return fragment, handle.Address, nil
}

// CancelOrder treats a failed open-orders lookup, no resting orders and an
// unknown order id alike: nothing to cancel.
func (b *spotBuilder) CancelOrder(ctx context.Context, p CancelOrderParams) ([]bundle.Bundle, error) {
	market, err := b.serum.LoadMarket(ctx, p.Market)
	if err != nil {
		return nil, err
	}

	openOrders, err := b.serum.FindOpenOrders(ctx, market.Address, p.Owner)
	if err != nil {
		b.logger.Warn("load open orders failed, nothing to cancel",
			"market", market.Address,
			"owner", p.Owner,
			"err", err,
		)
		return noop(), nil
	}

	var cancels []solana.Instruction
	for _, oo := range openOrders {
		for _, order := range oo.Orders() {
			if p.OrderID != nil && order.ID != *p.OrderID {
				continue
			}
			cancels = append(cancels, serum.NewCancelOrderV2Instruction(market, oo.Address, p.Owner, order))
		}
	}
	if p.OrderID != nil && len(cancels) == 0 {
		b.logger.Info("order not found, nothing to cancel", "market", market.Address, "order_id", p.OrderID.String())
	}
	return chunkInstructions(cancels, MaxCancelsPerBundle), nil
}

// Settle moves free balances of every open-orders account back to the
// owner's wallets. An owner who never traded has no open-orders account yet
// and gets an empty bundle, to be retried once one exists.
func (b *spotBuilder) Settle(ctx context.Context, p SettleParams) ([]bundle.Bundle, error) {
	market, err := b.serum.LoadMarket(ctx, p.Market)
	if err != nil {
		return nil, err
	}
	openOrders, err := b.serum.FindOpenOrders(ctx, market.Address, p.Owner)
	if err != nil {
		return nil, err
	}
	if len(openOrders) == 0 {
		return noop(), nil
	}

	scope := b.resolver.Scope()
	baseFragment, base, err := scope.Resolve(ctx, p.Owner, p.Owner, market.BaseMint)
	if err != nil {
		return nil, err
	}
	quoteFragment, quote, err := scope.Resolve(ctx, p.Owner, p.Owner, market.QuoteMint)
	if err != nil {
		return nil, err
	}
	baseWrap, err := b.wraps.WrapIfNeeded(p.Owner, market.BaseMint, base.Address, 0)
	if err != nil {
		return nil, err
	}
	quoteWrap, err := b.wraps.WrapIfNeeded(p.Owner, market.QuoteMint, quote.Address, 0)
	if err != nil {
		return nil, err
	}

	settles := make([]solana.Instruction, 0, len(openOrders))
	for _, oo := range openOrders {
		settles = append(settles, serum.NewSettleFundsInstruction(market, oo.Address, p.Owner, baseWrap.Account(), quoteWrap.Account()))
	}
	main := bundle.New(settles)
	return single(bundle.Merge(baseFragment, quoteFragment, baseWrap.Around(quoteWrap.Around(main)))), nil
}

// InitMarket lists a new market. The first bundle allocates the five market
// state accounts; the second creates both vaults under the vault signer and
// initializes the market. They must be submitted in that order.
func (b *spotBuilder) InitMarket(ctx context.Context, p InitMarketParams) ([]bundle.Bundle, error) {
	baseDecimals, err := b.serum.MintDecimals(ctx, p.BaseMint)
	if err != nil {
		return nil, err
	}
	quoteDecimals, err := b.serum.MintDecimals(ctx, p.QuoteMint)
	if err != nil {
		return nil, err
	}
	baseLot, quoteLot, err := serum.LotSizes(p.LotSize, p.TickSize, baseDecimals, quoteDecimals)
	if err != nil {
		return nil, err
	}

	sizes := []uint64{serum.MarketSize, serum.RequestQueueSize, serum.EventQueueSize, serum.OrderBookSize, serum.OrderBookSize}
	state := make([]bundle.Bundle, len(sizes))
	handles := make([]accounts.Handle, len(sizes))
	for i, size := range sizes {
		if state[i], handles[i], err = b.rawAccount(ctx, p.Owner, size, b.serum.ProgramID); err != nil {
			return nil, err
		}
	}
	marketAddress := handles[0].Address

	vaultSigner, nonce, err := dex.FindVaultSignerNonce(b.serum.ProgramID, marketAddress)
	if err != nil {
		return nil, err
	}

	baseVault, baseVaultHandle, err := b.rawAccount(ctx, p.Owner, wrapped.TokenAccountSize, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	quoteVault, quoteVaultHandle, err := b.rawAccount(ctx, p.Owner, wrapped.TokenAccountSize, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	initBase, err := token.NewInitializeAccountInstruction(baseVaultHandle.Address, p.BaseMint, vaultSigner, solana.SysVarRentPubkey).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build base vault initialize instruction: %w", err)
	}
	initQuote, err := token.NewInitializeAccountInstruction(quoteVaultHandle.Address, p.QuoteMint, vaultSigner, solana.SysVarRentPubkey).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build quote vault initialize instruction: %w", err)
	}

	initMarket := serum.NewInitializeMarketInstruction(b.serum.ProgramID, serum.InitializeMarketParams{
		Market:             marketAddress,
		RequestQueue:       handles[1].Address,
		EventQueue:         handles[2].Address,
		Bids:               handles[3].Address,
		Asks:               handles[4].Address,
		BaseVault:          baseVaultHandle.Address,
		QuoteVault:         quoteVaultHandle.Address,
		BaseMint:           p.BaseMint,
		QuoteMint:          p.QuoteMint,
		BaseLotSize:        baseLot,
		QuoteLotSize:       quoteLot,
		FeeRateBps:         p.FeeRateBps,
		VaultSignerNonce:   nonce,
		QuoteDustThreshold: p.QuoteDustThreshold,
	})

	return []bundle.Bundle{
		bundle.Merge(state...),
		bundle.Merge(baseVault, quoteVault, bundle.New([]solana.Instruction{initBase, initQuote, initMarket})),
	}, nil
}

func (b *spotBuilder) rawAccount(ctx context.Context, payer solana.PublicKey, size uint64, programID solana.PublicKey) (bundle.Bundle, accounts.Handle, error) {
	rent, err := b.chain.RentExemption(ctx, size)
	if err != nil {
		return bundle.Bundle{}, accounts.Handle{}, err
	}
	return accounts.NewRawAccount(payer, size, rent, programID)
}
