package serum

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/dex"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	accounts map[solana.PublicKey][]byte
	program  []chain.KeyedAccount
	filters  []rpc.RPCFilter
}

func (r *fakeReader) AccountData(_ context.Context, address solana.PublicKey) ([]byte, error) {
	data, ok := r.accounts[address]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	return data, nil
}

func (r *fakeReader) ProgramAccounts(_ context.Context, _ solana.PublicKey, filters []rpc.RPCFilter) ([]chain.KeyedAccount, error) {
	r.filters = filters
	return r.program, nil
}

func newPubkey(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := bin.MarshalBin(v)
	require.NoError(t, err)
	return data
}

func mintData(t *testing.T, decimals uint8) []byte {
	t.Helper()
	data := make([]byte, 82)
	binary.LittleEndian.PutUint32(data[0:4], 1)
	copy(data[4:36], newPubkey(t).Bytes())
	data[44] = decimals
	data[45] = 1
	return data
}

func TestLayoutSizes(t *testing.T) {
	assert.Len(t, marshal(t, &MarketLayout{}), MarketSize)
	assert.Len(t, marshal(t, &OpenOrdersLayout{}), OpenOrdersSize)
}

func TestOpenOrdersOffsets(t *testing.T) {
	market, owner := newPubkey(t), newPubkey(t)

	data := marshal(t, &OpenOrdersLayout{Market: market, Owner: owner})

	assert.Equal(t, market.Bytes(), data[openOrdersMarketOffset:openOrdersMarketOffset+32])
	assert.Equal(t, owner.Bytes(), data[openOrdersOwnerOffset:openOrdersOwnerOffset+32])
}

func TestOpenOrdersListsUsedSlots(t *testing.T) {
	var oo OpenOrders
	for i := range oo.FreeSlotBits {
		oo.FreeSlotBits[i] = 0xff
	}
	oo.FreeSlotBits[0] &^= 1 << 3
	oo.IsBidBits[0] |= 1 << 3
	oo.OpenOrdersLayout.Orders[3][0] = 5
	oo.ClientIDs[3] = 11
	oo.FreeSlotBits[12] &^= 1 << 1
	oo.OpenOrdersLayout.Orders[97][0] = 6

	orders := oo.Orders()

	require.Len(t, orders, 2)
	assert.Equal(t, Order{ID: dex.OrderID{5}, ClientID: 11, Side: dex.SideBuy}, orders[0])
	assert.Equal(t, dex.SideSell, orders[1].Side)
	assert.Equal(t, "6", orders[1].ID.String())
}

func TestLoadMarketDerivesVaultSignerAndDecimals(t *testing.T) {
	program, address := newPubkey(t), newPubkey(t)
	baseMint, quoteMint := newPubkey(t), newPubkey(t)
	vaultSigner, nonce, err := dex.FindVaultSignerNonce(program, address)
	require.NoError(t, err)

	layout := MarketLayout{
		Head:             accountHead,
		OwnAddress:       address,
		VaultSignerNonce: nonce,
		BaseMint:         baseMint,
		QuoteMint:        quoteMint,
		BaseLotSize:      100_000,
		QuoteLotSize:     100,
	}
	reader := &fakeReader{accounts: map[solana.PublicKey][]byte{
		address:   marshal(t, &layout),
		baseMint:  mintData(t, 9),
		quoteMint: mintData(t, 6),
	}}

	market, err := NewClient(program, reader).LoadMarket(context.Background(), address)

	require.NoError(t, err)
	assert.Equal(t, vaultSigner, market.VaultSigner)
	assert.Equal(t, uint8(9), market.BaseDecimals)
	assert.Equal(t, uint8(6), market.QuoteDecimals)
	assert.Equal(t, program, market.ProgramID)
}

func TestLoadMarketRejectsForeignAccount(t *testing.T) {
	address := newPubkey(t)
	reader := &fakeReader{accounts: map[solana.PublicKey][]byte{
		address: marshal(t, &MarketLayout{OwnAddress: address}),
	}}

	_, err := NewClient(newPubkey(t), reader).LoadMarket(context.Background(), address)

	assert.ErrorIs(t, err, ErrInvalidMarket)
}

func TestFindOpenOrdersFiltersMarketAndOwner(t *testing.T) {
	market, owner, ooKey := newPubkey(t), newPubkey(t), newPubkey(t)
	reader := &fakeReader{program: []chain.KeyedAccount{{
		Address: ooKey,
		Data:    marshal(t, &OpenOrdersLayout{Market: market, Owner: owner}),
	}}}

	found, err := NewClient(newPubkey(t), reader).FindOpenOrders(context.Background(), market, owner)

	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ooKey, found[0].Address)
	require.Len(t, reader.filters, 3)
	assert.Equal(t, uint64(OpenOrdersSize), reader.filters[0].DataSize)
	assert.Equal(t, uint64(openOrdersMarketOffset), reader.filters[1].Memcmp.Offset)
	assert.Equal(t, uint64(openOrdersOwnerOffset), reader.filters[2].Memcmp.Offset)
}

func TestLotConversions(t *testing.T) {
	market := &Market{BaseDecimals: 9, QuoteDecimals: 6}
	market.BaseLotSize = 100_000_000
	market.QuoteLotSize = 100

	priceLots, err := market.PriceToLots(25.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(25_500), priceLots)

	sizeLots, err := market.SizeToLots(1.2)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), sizeLots)

	assert.Equal(t, uint64(100*12*25_500), market.MaxQuoteQuantity(sizeLots, priceLots))

	_, err = market.SizeToLots(0.01)
	assert.ErrorIs(t, err, ErrInvalidLotSize)
}

func TestLotSizes(t *testing.T) {
	baseLot, quoteLot, err := LotSizes(0.1, 0.01, 9, 6)

	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), baseLot)
	assert.Equal(t, uint64(1_000), quoteLot)

	_, _, err = LotSizes(0, 0.01, 9, 6)
	assert.ErrorIs(t, err, ErrInvalidLotSize)
}

func TestInstructionPayloads(t *testing.T) {
	market := &Market{Address: newPubkey(t), ProgramID: newPubkey(t)}
	owner, oo := newPubkey(t), newPubkey(t)

	newOrder := NewOrderV3Instruction(market, oo, newPubkey(t), owner, NewOrderParams{Side: dex.SideSell, LimitPrice: 7, MaxBaseQuantity: 3})
	data, err := newOrder.Data()
	require.NoError(t, err)
	require.Len(t, data, 51)
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, tagNewOrderV3, binary.LittleEndian.Uint32(data[1:5]))
	assert.Equal(t, uint32(dex.SideSell), binary.LittleEndian.Uint32(data[5:9]))
	assert.Equal(t, DefaultOrderLimit, binary.LittleEndian.Uint16(data[49:]))
	assert.True(t, newOrder.Accounts()[7].IsSigner)

	cancel := NewCancelOrderV2Instruction(market, oo, owner, Order{ID: dex.OrderID{9}, Side: dex.SideBuy})
	data, err = cancel.Data()
	require.NoError(t, err)
	require.Len(t, data, 25)
	assert.Equal(t, tagCancelOrderV2, binary.LittleEndian.Uint32(data[1:5]))
	assert.Equal(t, byte(9), data[9])

	settle := NewSettleFundsInstruction(market, oo, owner, newPubkey(t), newPubkey(t))
	data, err = settle.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 5, 0, 0, 0}, data)
}
