package actions

import (
	"context"
	"log/slog"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/gagliardetto/solana-go"
)

// perpBuilder trades against margin collateral, so no payer token account is
// resolved for orders.
type perpBuilder struct {
	unsupported
	mango  *mango.Client
	logger *slog.Logger
}

type perpContext struct {
	group   *mango.Group
	market  *mango.PerpMarket
	account *mango.MarginAccount
}

func (b *perpBuilder) load(ctx context.Context, marketKey, marginAccount, owner solana.PublicKey) (perpContext, error) {
	group, err := b.mango.LoadGroup(ctx)
	if err != nil {
		return perpContext{}, err
	}
	market, err := b.mango.LoadPerpMarket(ctx, group, marketKey)
	if err != nil {
		return perpContext{}, err
	}
	account, err := loadOwnedMarginAccount(ctx, b.mango, marginAccount, owner)
	if err != nil {
		return perpContext{}, err
	}
	return perpContext{group: group, market: market, account: account}, nil
}

func (b *perpBuilder) PlaceOrder(ctx context.Context, p PlaceOrderParams) ([]bundle.Bundle, error) {
	pc, err := b.load(ctx, p.Market, p.MarginAccount, p.Owner)
	if err != nil {
		return nil, err
	}

	lots := pc.group.LotConverter(pc.market)
	priceLots, err := lots.PriceToLots(p.Price)
	if err != nil {
		return nil, err
	}
	sizeLots, err := lots.SizeToLots(p.Size)
	if err != nil {
		return nil, err
	}

	place := mango.NewPlacePerpOrderInstruction(
		b.mango.ProgramID,
		pc.group.Address,
		pc.group.Cache,
		pc.account.Address,
		p.Owner,
		*pc.market,
		pc.account.SpotOpenOrders,
		mango.PerpOrderParams{
			Price:         priceLots,
			Quantity:      sizeLots,
			ClientOrderID: p.ClientID,
			Side:          uint8(p.Side),
			OrderType:     uint8(p.OrderType),
			ReduceOnly:    p.ReduceOnly,
		},
	)
	return single(bundle.New([]solana.Instruction{place})), nil
}

// CancelOrder cancels the resting orders the margin account holds on the
// market. A margin account that cannot be loaded has nothing to cancel.
func (b *perpBuilder) CancelOrder(ctx context.Context, p CancelOrderParams) ([]bundle.Bundle, error) {
	group, err := b.mango.LoadGroup(ctx)
	if err != nil {
		return nil, err
	}
	market, err := b.mango.LoadPerpMarket(ctx, group, p.Market)
	if err != nil {
		return nil, err
	}
	if p.MarginAccount.IsZero() {
		return nil, ErrMissingMarginAccount
	}
	account, err := b.mango.LoadMarginAccount(ctx, p.MarginAccount)
	if err != nil {
		b.logger.Warn("load margin account failed, nothing to cancel",
			"margin_account", p.MarginAccount,
			"err", err,
		)
		return noop(), nil
	}
	if !account.Owner.Equals(p.Owner) {
		return nil, ErrOwnershipMismatch
	}

	var cancels []solana.Instruction
	for _, order := range account.PerpOrders(market.Index) {
		if p.OrderID != nil && order.ID != *p.OrderID {
			continue
		}
		cancels = append(cancels, mango.NewCancelPerpOrderInstruction(
			b.mango.ProgramID, group.Address, account.Address, p.Owner, *market, order.ID, true,
		))
	}
	return chunkInstructions(cancels, MaxCancelsPerBundle), nil
}

// Settle realizes the owner's perp pnl against a counterparty holding the
// opposite pnl on the same market.
func (b *perpBuilder) Settle(ctx context.Context, p SettleParams) ([]bundle.Bundle, error) {
	pc, err := b.load(ctx, p.Market, p.MarginAccount, p.Owner)
	if err != nil {
		return nil, err
	}
	if !pc.account.PerpAccounts[pc.market.Index].HasPosition() {
		return noop(), nil
	}
	if p.Counterparty.IsZero() {
		return nil, ErrMissingCounterparty
	}
	counterparty, err := b.mango.LoadMarginAccount(ctx, p.Counterparty)
	if err != nil {
		return nil, err
	}

	quoteBank, err := b.mango.LoadBank(ctx, pc.group, mango.QuoteIndex)
	if err != nil {
		return nil, err
	}

	settle := mango.NewSettlePnlInstruction(
		b.mango.ProgramID,
		pc.group.Address,
		pc.group.Cache,
		pc.account.Address,
		counterparty.Address,
		quoteBank,
		uint64(pc.market.Index),
	)
	return single(bundle.New([]solana.Instruction{settle})), nil
}
