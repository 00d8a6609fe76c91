// Package actions composes user-level lending and trading actions into
// ordered, signer-complete instruction bundles.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/dex"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrMissingDestination   = errors.New("destination margin account not specified")
	ErrMissingMarginAccount = errors.New("margin account not specified")
	ErrOwnershipMismatch    = errors.New("account is not owned by requester")
	ErrUnsupportedAction    = errors.New("action not supported for market kind")
	ErrMissingCounterparty  = errors.New("settlement counterparty not specified")
	ErrUnknownAsset         = errors.New("unknown asset")
)

// MaxCancelsPerBundle bounds how many cancel instructions share one bundle.
const MaxCancelsPerBundle = 12

type MarketKind string

const (
	KindLending MarketKind = "lending"
	KindSpot    MarketKind = "spot"
	KindPerp    MarketKind = "perp"
)

func ParseMarketKind(raw string) (MarketKind, error) {
	switch kind := MarketKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindLending, KindSpot, KindPerp:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: market kind %q", ErrUnsupportedAction, raw)
	}
}

// Chain is the read side of the ledger connection the builders need.
type Chain interface {
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
	AccountData(ctx context.Context, address solana.PublicKey) ([]byte, error)
	ProgramAccounts(ctx context.Context, programID solana.PublicKey, filters []rpc.RPCFilter) ([]chain.KeyedAccount, error)
	RentExemption(ctx context.Context, size uint64) (uint64, error)
}

type DepositParams struct {
	Owner       solana.PublicKey
	Mint        solana.PublicKey
	Quantity    float64
	Destination solana.PublicKey
}

type WithdrawParams struct {
	Owner         solana.PublicKey
	Mint          solana.PublicKey
	Quantity      float64
	MarginAccount solana.PublicKey
	IsBorrow      bool
}

type PlaceOrderParams struct {
	Owner         solana.PublicKey
	Market        solana.PublicKey
	Side          dex.Side
	Price         float64
	Size          float64
	OrderType     dex.OrderType
	ClientID      uint64
	ReduceOnly    bool
	MarginAccount solana.PublicKey
}

type CancelOrderParams struct {
	Owner         solana.PublicKey
	Market        solana.PublicKey
	OrderID       *dex.OrderID
	MarginAccount solana.PublicKey
}

type SettleParams struct {
	Owner         solana.PublicKey
	Market        solana.PublicKey
	MarginAccount solana.PublicKey
	Counterparty  solana.PublicKey
}

type InitMarketParams struct {
	Owner              solana.PublicKey
	BaseMint           solana.PublicKey
	QuoteMint          solana.PublicKey
	LotSize            float64
	TickSize           float64
	FeeRateBps         uint16
	QuoteDustThreshold uint64
}

// Builder is the capability set of one market kind.
type Builder interface {
	Deposit(ctx context.Context, p DepositParams) ([]bundle.Bundle, error)
	Withdraw(ctx context.Context, p WithdrawParams) ([]bundle.Bundle, error)
	PlaceOrder(ctx context.Context, p PlaceOrderParams) ([]bundle.Bundle, error)
	CancelOrder(ctx context.Context, p CancelOrderParams) ([]bundle.Bundle, error)
	Settle(ctx context.Context, p SettleParams) ([]bundle.Bundle, error)
}

type unsupported struct {
	kind MarketKind
}

func (u unsupported) reject(action string) error {
	return fmt.Errorf("%w: %s %s", ErrUnsupportedAction, u.kind, action)
}

func (u unsupported) Deposit(context.Context, DepositParams) ([]bundle.Bundle, error) {
	return nil, u.reject("deposit")
}

func (u unsupported) Withdraw(context.Context, WithdrawParams) ([]bundle.Bundle, error) {
	return nil, u.reject("withdraw")
}

func (u unsupported) PlaceOrder(context.Context, PlaceOrderParams) ([]bundle.Bundle, error) {
	return nil, u.reject("place order")
}

func (u unsupported) CancelOrder(context.Context, CancelOrderParams) ([]bundle.Bundle, error) {
	return nil, u.reject("cancel order")
}

func (u unsupported) Settle(context.Context, SettleParams) ([]bundle.Bundle, error) {
	return nil, u.reject("settle")
}

func single(b bundle.Bundle) []bundle.Bundle {
	return []bundle.Bundle{b}
}

func noop() []bundle.Bundle {
	return single(bundle.Bundle{})
}

// chunkInstructions splits independent instructions into bundles of at most
// size instructions each. No instructions yield one empty bundle.
func chunkInstructions(instructions []solana.Instruction, size int) []bundle.Bundle {
	if len(instructions) == 0 {
		return noop()
	}
	out := make([]bundle.Bundle, 0, (len(instructions)+size-1)/size)
	for start := 0; start < len(instructions); start += size {
		end := start + size
		if end > len(instructions) {
			end = len(instructions)
		}
		out = append(out, bundle.New(instructions[start:end]))
	}
	return out
}

func unknownAsset(err error) error {
	return fmt.Errorf("%w: %w", ErrUnknownAsset, err)
}
