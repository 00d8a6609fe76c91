// Package serum reads order-book DEX markets and open-orders accounts and
// encodes the DEX instructions used by spot actions.
package serum

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/dex"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrInvalidMarket  = errors.New("invalid dex market account")
	ErrInvalidLotSize = errors.New("invalid lot size")
)

type Reader interface {
	AccountData(ctx context.Context, address solana.PublicKey) ([]byte, error)
	ProgramAccounts(ctx context.Context, programID solana.PublicKey, filters []rpc.RPCFilter) ([]chain.KeyedAccount, error)
}

type Client struct {
	ProgramID solana.PublicKey
	reader    Reader
}

func NewClient(programID solana.PublicKey, reader Reader) *Client {
	return &Client{ProgramID: programID, reader: reader}
}

type Market struct {
	Address       solana.PublicKey
	ProgramID     solana.PublicKey
	VaultSigner   solana.PublicKey
	BaseDecimals  uint8
	QuoteDecimals uint8
	MarketLayout
}

func (c *Client) LoadMarket(ctx context.Context, address solana.PublicKey) (*Market, error) {
	data, err := c.reader.AccountData(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load dex market %s: %w", address, err)
	}
	market := &Market{Address: address, ProgramID: c.ProgramID}
	if err := decodeLayout(data, &market.MarketLayout, "dex market"); err != nil {
		return nil, err
	}
	if market.Head != accountHead || !market.OwnAddress.Equals(address) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMarket, address)
	}
	if market.BaseLotSize == 0 || market.QuoteLotSize == 0 {
		return nil, fmt.Errorf("%w: %s has zero lot size", ErrInvalidMarket, address)
	}

	market.VaultSigner, err = dex.DeriveVaultSigner(c.ProgramID, address, market.VaultSignerNonce)
	if err != nil {
		return nil, fmt.Errorf("derive vault signer for %s: %w", address, err)
	}
	if market.BaseDecimals, err = c.MintDecimals(ctx, market.BaseMint); err != nil {
		return nil, err
	}
	if market.QuoteDecimals, err = c.MintDecimals(ctx, market.QuoteMint); err != nil {
		return nil, err
	}
	return market, nil
}

func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	data, err := c.reader.AccountData(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("load mint %s: %w", mint, err)
	}
	var decoded token.Mint
	if err := bin.NewBinDecoder(data).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	return decoded.Decimals, nil
}

// FindOpenOrders lists the open-orders accounts owner holds on market.
func (c *Client) FindOpenOrders(ctx context.Context, market, owner solana.PublicKey) ([]*OpenOrders, error) {
	filters := []rpc.RPCFilter{
		{DataSize: OpenOrdersSize},
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: openOrdersMarketOffset, Bytes: solana.Base58(market.Bytes())}},
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: openOrdersOwnerOffset, Bytes: solana.Base58(owner.Bytes())}},
	}
	keyed, err := c.reader.ProgramAccounts(ctx, c.ProgramID, filters)
	if err != nil {
		return nil, fmt.Errorf("list open orders of %s on %s: %w", owner, market, err)
	}

	out := make([]*OpenOrders, 0, len(keyed))
	for _, entry := range keyed {
		oo := &OpenOrders{Address: entry.Address}
		if err := decodeLayout(entry.Data, &oo.OpenOrdersLayout, "open orders "+entry.Address.String()); err != nil {
			return nil, err
		}
		out = append(out, oo)
	}
	return out, nil
}

// PriceToLots converts a UI price to quote lots per base lot.
func (m *Market) PriceToLots(price float64) (uint64, error) {
	numerator := price * math.Pow10(int(m.QuoteDecimals)) * float64(m.BaseLotSize)
	denominator := math.Pow10(int(m.BaseDecimals)) * float64(m.QuoteLotSize)
	return roundLots(numerator/denominator, "price", price)
}

// SizeToLots converts a UI base quantity to base lots.
func (m *Market) SizeToLots(size float64) (uint64, error) {
	return roundLots(size*math.Pow10(int(m.BaseDecimals))/float64(m.BaseLotSize), "size", size)
}

// MaxQuoteQuantity is the quote amount locked by an order of baseLots at
// priceLots.
func (m *Market) MaxQuoteQuantity(baseLots, priceLots uint64) uint64 {
	return m.QuoteLotSize * baseLots * priceLots
}

func roundLots(value float64, what string, input float64) (uint64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0, fmt.Errorf("%w: %s %v", ErrInvalidLotSize, what, input)
	}
	lots := math.Round(value)
	if lots < 1 || lots >= math.MaxUint64 {
		return 0, fmt.Errorf("%w: %s %v rounds to %v lots", ErrInvalidLotSize, what, input, lots)
	}
	return uint64(lots), nil
}

// LotSizes derives market lot sizes from a UI lot size and tick size.
func LotSizes(lotSize, tickSize float64, baseDecimals, quoteDecimals uint8) (baseLot, quoteLot uint64, err error) {
	if lotSize <= 0 || tickSize <= 0 {
		return 0, 0, fmt.Errorf("%w: lot size %v tick size %v", ErrInvalidLotSize, lotSize, tickSize)
	}
	base := math.Round(math.Pow10(int(baseDecimals)) * lotSize)
	quote := math.Round(lotSize * math.Pow10(int(quoteDecimals)) * tickSize)
	if base < 1 || quote < 1 {
		return 0, 0, fmt.Errorf("%w: lot size %v tick size %v", ErrInvalidLotSize, lotSize, tickSize)
	}
	return uint64(base), uint64(quote), nil
}
