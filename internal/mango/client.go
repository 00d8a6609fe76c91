// Package mango reads margin-lending program state and encodes its
// instructions.
package mango

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/dex"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrTokenNotListed  = errors.New("token not listed in group")
	ErrMarketNotListed = errors.New("perp market not listed in group")
	ErrNoNodeBank      = errors.New("root bank has no node banks")
)

type Reader interface {
	AccountData(ctx context.Context, address solana.PublicKey) ([]byte, error)
	ProgramAccounts(ctx context.Context, programID solana.PublicKey, filters []rpc.RPCFilter) ([]chain.KeyedAccount, error)
}

type Client struct {
	ProgramID solana.PublicKey
	GroupKey  solana.PublicKey
	reader    Reader
}

func NewClient(programID, groupKey solana.PublicKey, reader Reader) *Client {
	return &Client{ProgramID: programID, GroupKey: groupKey, reader: reader}
}

type Group struct {
	Address solana.PublicKey
	GroupLayout
}

func (g *Group) TokenIndex(mint solana.PublicKey) (int, error) {
	for i, token := range g.Tokens {
		if !token.Mint.IsZero() && token.Mint.Equals(mint) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrTokenNotListed, mint)
}

func (g *Group) PerpMarketIndex(market solana.PublicKey) (int, error) {
	for i, info := range g.PerpMarkets {
		if !info.PerpMarket.IsZero() && info.PerpMarket.Equals(market) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrMarketNotListed, market)
}

// RootBanks lists the non-zero root banks in token order.
func (g *Group) RootBanks() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, MaxTokens)
	for _, token := range g.Tokens {
		if !token.RootBank.IsZero() {
			out = append(out, token.RootBank)
		}
	}
	return out
}

func (g *Group) ActiveOracles() []solana.PublicKey {
	limit := int(g.NumOracles)
	if limit > MaxPairs {
		limit = MaxPairs
	}
	out := make([]solana.PublicKey, 0, limit)
	for _, oracle := range g.Oracles[:limit] {
		if !oracle.IsZero() {
			out = append(out, oracle)
		}
	}
	return out
}

func (g *Group) PerpMarketKeys() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, MaxPairs)
	for _, info := range g.PerpMarkets {
		if !info.PerpMarket.IsZero() {
			out = append(out, info.PerpMarket)
		}
	}
	return out
}

type MarginAccount struct {
	Address solana.PublicKey
	MarginAccountLayout
}

type PerpOrder struct {
	ID       dex.OrderID
	ClientID uint64
	Side     dex.Side
}

// PerpOrders returns the resting orders of marketIndex in slot order.
func (a *MarginAccount) PerpOrders(marketIndex int) []PerpOrder {
	var orders []PerpOrder
	for slot, market := range a.OrderMarket {
		if market == freeOrderSlot || int(market) != marketIndex {
			continue
		}
		side := dex.SideBuy
		if a.OrderSide[slot] == 1 {
			side = dex.SideSell
		}
		orders = append(orders, PerpOrder{
			ID:       dex.OrderID(a.Orders[slot]),
			ClientID: a.ClientOrderIDs[slot],
			Side:     side,
		})
	}
	return orders
}

type PerpMarket struct {
	Address solana.PublicKey
	Index   int
	PerpMarketLayout
}

func (c *Client) LoadGroup(ctx context.Context) (*Group, error) {
	data, err := c.reader.AccountData(ctx, c.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("load margin group %s: %w", c.GroupKey, err)
	}
	group := &Group{Address: c.GroupKey}
	if err := decodeLayout(data, &group.GroupLayout, "margin group"); err != nil {
		return nil, err
	}
	return group, nil
}

// LoadBank resolves the root bank, its first node bank and that node bank's
// vault for a listed token.
func (c *Client) LoadBank(ctx context.Context, group *Group, tokenIndex int) (BankAccounts, error) {
	if tokenIndex < 0 || tokenIndex >= MaxTokens || group.Tokens[tokenIndex].RootBank.IsZero() {
		return BankAccounts{}, fmt.Errorf("%w: index %d", ErrTokenNotListed, tokenIndex)
	}
	rootKey := group.Tokens[tokenIndex].RootBank

	data, err := c.reader.AccountData(ctx, rootKey)
	if err != nil {
		return BankAccounts{}, fmt.Errorf("load root bank %s: %w", rootKey, err)
	}
	var root RootBankLayout
	if err := decodeLayout(data, &root, "root bank"); err != nil {
		return BankAccounts{}, err
	}
	if root.NumNodeBanks == 0 || root.NodeBanks[0].IsZero() {
		return BankAccounts{}, fmt.Errorf("%w: %s", ErrNoNodeBank, rootKey)
	}
	nodeKey := root.NodeBanks[0]

	data, err = c.reader.AccountData(ctx, nodeKey)
	if err != nil {
		return BankAccounts{}, fmt.Errorf("load node bank %s: %w", nodeKey, err)
	}
	var node NodeBankLayout
	if err := decodeLayout(data, &node, "node bank"); err != nil {
		return BankAccounts{}, err
	}

	return BankAccounts{RootBank: rootKey, NodeBank: nodeKey, Vault: node.Vault}, nil
}

func (c *Client) LoadMarginAccount(ctx context.Context, address solana.PublicKey) (*MarginAccount, error) {
	data, err := c.reader.AccountData(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load margin account %s: %w", address, err)
	}
	return decodeMarginAccount(address, data)
}

// LoadMarginAccountsForOwner lists every margin account of owner in the
// configured group.
func (c *Client) LoadMarginAccountsForOwner(ctx context.Context, owner solana.PublicKey) ([]*MarginAccount, error) {
	filters := []rpc.RPCFilter{
		{DataSize: MarginAccountSize},
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: marginGroupOffset, Bytes: solana.Base58(c.GroupKey.Bytes())}},
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: marginOwnerOffset, Bytes: solana.Base58(owner.Bytes())}},
	}
	keyed, err := c.reader.ProgramAccounts(ctx, c.ProgramID, filters)
	if err != nil {
		return nil, fmt.Errorf("list margin accounts of %s: %w", owner, err)
	}

	accounts := make([]*MarginAccount, 0, len(keyed))
	for _, entry := range keyed {
		account, err := decodeMarginAccount(entry.Address, entry.Data)
		if err != nil {
			return nil, err
		}
		if account.Meta.DataType != dataTypeMarginAccount {
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (c *Client) LoadPerpMarket(ctx context.Context, group *Group, address solana.PublicKey) (*PerpMarket, error) {
	index, err := group.PerpMarketIndex(address)
	if err != nil {
		return nil, err
	}
	data, err := c.reader.AccountData(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load perp market %s: %w", address, err)
	}
	market := &PerpMarket{Address: address, Index: index}
	if err := decodeLayout(data, &market.PerpMarketLayout, "perp market"); err != nil {
		return nil, err
	}
	return market, nil
}

func decodeMarginAccount(address solana.PublicKey, data []byte) (*MarginAccount, error) {
	account := &MarginAccount{Address: address}
	if err := decodeLayout(data, &account.MarginAccountLayout, "margin account "+address.String()); err != nil {
		return nil, err
	}
	return account, nil
}
