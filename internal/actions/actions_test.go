package actions

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/dex"
	"github.com/coldbell/dex/bundler/internal/logging"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/serum"
	"github.com/coldbell/dex/bundler/internal/wrapped"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	accounts   map[solana.PublicKey][]byte
	program    map[solana.PublicKey][]chain.KeyedAccount
	programErr error
	rent       uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		accounts: make(map[solana.PublicKey][]byte),
		program:  make(map[solana.PublicKey][]chain.KeyedAccount),
		rent:     2_039_280,
	}
}

func (c *fakeChain) AccountExists(_ context.Context, address solana.PublicKey) (bool, error) {
	_, ok := c.accounts[address]
	return ok, nil
}

func (c *fakeChain) AccountData(_ context.Context, address solana.PublicKey) ([]byte, error) {
	data, ok := c.accounts[address]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	return data, nil
}

// ProgramAccounts applies data size and memcmp filters the way the RPC node does.
func (c *fakeChain) ProgramAccounts(_ context.Context, programID solana.PublicKey, filters []rpc.RPCFilter) ([]chain.KeyedAccount, error) {
	if c.programErr != nil {
		return nil, c.programErr
	}
	var out []chain.KeyedAccount
	for _, entry := range c.program[programID] {
		if matchesFilters(entry.Data, filters) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func matchesFilters(data []byte, filters []rpc.RPCFilter) bool {
	for _, f := range filters {
		if f.DataSize != 0 && uint64(len(data)) != f.DataSize {
			return false
		}
		if f.Memcmp != nil {
			end := int(f.Memcmp.Offset) + len(f.Memcmp.Bytes)
			if end > len(data) || !bytes.Equal(data[f.Memcmp.Offset:end], f.Memcmp.Bytes) {
				return false
			}
		}
	}
	return true
}

func (c *fakeChain) RentExemption(context.Context, uint64) (uint64, error) {
	return c.rent, nil
}

type countingRefresher struct {
	calls int
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls++
	return r.err
}

type fixture struct {
	chain     *fakeChain
	refresher *countingRefresher
	service   *Service

	owner        solana.PublicKey
	mangoProgram solana.PublicKey
	dexProgram   solana.PublicKey
	group        solana.PublicKey
	cache        solana.PublicKey

	tokenMint solana.PublicKey
	quoteMint solana.PublicKey
	bank      mango.BankAccounts

	spotMarket solana.PublicKey
	perpMarket solana.PublicKey
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

// newFixture lists a 6-decimal token at index 0, wrapped SOL at index 1 and
// a 6-decimal quote token, one SOL/quote spot market and one perp market.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		chain:        newFakeChain(),
		refresher:    &countingRefresher{},
		owner:        newPubkey(t),
		mangoProgram: newPubkey(t),
		dexProgram:   newPubkey(t),
		group:        newPubkey(t),
		cache:        newPubkey(t),
		tokenMint:    newPubkey(t),
		quoteMint:    newPubkey(t),
		spotMarket:   newPubkey(t),
		perpMarket:   newPubkey(t),
	}
	f.bank = mango.BankAccounts{RootBank: newPubkey(t), NodeBank: newPubkey(t), Vault: newPubkey(t)}

	var group mango.GroupLayout
	group.Cache = f.cache
	group.SignerKey = newPubkey(t)
	group.Tokens[0] = mango.TokenInfo{Mint: f.tokenMint, RootBank: f.bank.RootBank, Decimals: 6}
	group.Tokens[1] = mango.TokenInfo{Mint: solana.WrappedSol, RootBank: f.bank.RootBank, Decimals: 9}
	group.Tokens[mango.QuoteIndex] = mango.TokenInfo{Mint: f.quoteMint, RootBank: f.bank.RootBank, Decimals: 6}
	group.PerpMarkets[0].PerpMarket = f.perpMarket
	f.chain.accounts[f.group] = marshal(t, &group)

	root := mango.RootBankLayout{NumNodeBanks: 1}
	root.NodeBanks[0] = f.bank.NodeBank
	f.chain.accounts[f.bank.RootBank] = marshal(t, &root)
	f.chain.accounts[f.bank.NodeBank] = marshal(t, &mango.NodeBankLayout{Vault: f.bank.Vault})

	f.chain.accounts[f.perpMarket] = marshal(t, &mango.PerpMarketLayout{
		Group:        f.group,
		Bids:         newPubkey(t),
		Asks:         newPubkey(t),
		EventQueue:   newPubkey(t),
		BaseLotSize:  100,
		QuoteLotSize: 10,
	})

	_, nonce, err := dex.FindVaultSignerNonce(f.dexProgram, f.spotMarket)
	require.NoError(t, err)
	f.chain.accounts[f.spotMarket] = marshal(t, &serum.MarketLayout{
		Head:             [5]byte{'s', 'e', 'r', 'u', 'm'},
		OwnAddress:       f.spotMarket,
		VaultSignerNonce: nonce,
		BaseMint:         solana.WrappedSol,
		QuoteMint:        f.quoteMint,
		BaseVault:        newPubkey(t),
		QuoteVault:       newPubkey(t),
		RequestQueue:     newPubkey(t),
		EventQueue:       newPubkey(t),
		Bids:             newPubkey(t),
		Asks:             newPubkey(t),
		BaseLotSize:      100_000_000,
		QuoteLotSize:     100,
	})
	f.chain.accounts[solana.WrappedSol] = mintData(t, 9)
	f.chain.accounts[f.quoteMint] = mintData(t, 6)
	f.chain.accounts[f.tokenMint] = mintData(t, 6)

	f.service = NewService(Config{
		MangoProgramID: f.mangoProgram,
		MangoGroup:     f.group,
		DexProgramID:   f.dexProgram,
	}, f.chain, wrapped.NewManager(), f.refresher, logging.Discard())
	return f
}

func (f *fixture) associated(t *testing.T, mint solana.PublicKey) solana.PublicKey {
	t.Helper()
	address, _, err := solana.FindAssociatedTokenAddress(f.owner, mint)
	require.NoError(t, err)
	return address
}

// fundWallet marks the owner's associated account for mint as existing.
func (f *fixture) fundWallet(t *testing.T, mint solana.PublicKey) solana.PublicKey {
	address := f.associated(t, mint)
	f.chain.accounts[address] = make([]byte, wrapped.TokenAccountSize)
	return address
}

func (f *fixture) addMarginAccount(t *testing.T, owner solana.PublicKey, edit func(*mango.MarginAccountLayout)) solana.PublicKey {
	t.Helper()
	layout := mango.MarginAccountLayout{
		Meta:  mango.MetaData{DataType: 1, IsInitialized: true},
		Group: f.group,
		Owner: owner,
	}
	if edit != nil {
		edit(&layout)
	}
	address := newPubkey(t)
	data := marshal(t, &layout)
	f.chain.accounts[address] = data
	f.chain.program[f.mangoProgram] = append(f.chain.program[f.mangoProgram], chain.KeyedAccount{Address: address, Data: data})
	return address
}

func (f *fixture) addOpenOrders(t *testing.T, edit func(*serum.OpenOrdersLayout)) solana.PublicKey {
	t.Helper()
	layout := serum.OpenOrdersLayout{Market: f.spotMarket, Owner: f.owner}
	for i := range layout.FreeSlotBits {
		layout.FreeSlotBits[i] = 0xff
	}
	if edit != nil {
		edit(&layout)
	}
	address := newPubkey(t)
	f.chain.program[f.dexProgram] = append(f.chain.program[f.dexProgram], chain.KeyedAccount{Address: address, Data: marshal(t, &layout)})
	return address
}

func programs(b bundle.Bundle) []solana.PublicKey {
	out := make([]solana.PublicKey, len(b.Instructions))
	for i, ix := range b.Instructions {
		out[i] = ix.ProgramID()
	}
	return out
}

func instructionData(t *testing.T, ix solana.Instruction) []byte {
	t.Helper()
	data, err := ix.Data()
	require.NoError(t, err)
	return data
}

func assertOwnerIsPrimary(t *testing.T, b bundle.Bundle, owner solana.PublicKey) {
	t.Helper()
	primary, ok := b.Primary()
	require.True(t, ok)
	assert.Equal(t, owner, primary.PublicKey)
	assert.False(t, primary.HasKey())
}

func TestDepositWithoutMarginAccountCreatesOne(t *testing.T) {
	f := newFixture(t)
	source := f.fundWallet(t, f.tokenMint)

	bundles, err := f.service.Deposit(context.Background(), KindLending, DepositParams{
		Owner:    f.owner,
		Mint:     f.tokenMint,
		Quantity: 2.5,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	b := bundles[0]
	assert.Equal(t, []solana.PublicKey{f.mangoProgram, f.mangoProgram}, programs(b))
	require.Len(t, b.Signers, 1)
	assertOwnerIsPrimary(t, b, f.owner)

	pda, _, err := dex.DeriveMarginAccountPDA(f.mangoProgram, f.group, f.owner, 0)
	require.NoError(t, err)
	assert.Equal(t, pda, b.Instructions[0].Accounts()[1].PublicKey)
	assert.Equal(t, pda, b.Instructions[1].Accounts()[1].PublicKey)
	assert.Equal(t, source, b.Instructions[1].Accounts()[8].PublicKey)

	data := instructionData(t, b.Instructions[1])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[0:4]))
	assert.Equal(t, uint64(2_500_000), binary.LittleEndian.Uint64(data[4:12]))
	assert.Equal(t, 1, f.refresher.calls)
}

func TestDepositCreatesMissingSourceAccountFirst(t *testing.T) {
	f := newFixture(t)
	destination := f.addMarginAccount(t, f.owner, nil)

	bundles, err := f.service.Deposit(context.Background(), KindLending, DepositParams{
		Owner:       f.owner,
		Mint:        f.tokenMint,
		Quantity:    1,
		Destination: destination,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, []solana.PublicKey{solana.SPLAssociatedTokenAccountProgramID, f.mangoProgram}, programs(bundles[0]))
}

func TestDepositRequiresDestinationWhenOwnerHasAccounts(t *testing.T) {
	f := newFixture(t)
	f.fundWallet(t, f.tokenMint)
	f.addMarginAccount(t, f.owner, nil)

	_, err := f.service.Deposit(context.Background(), KindLending, DepositParams{Owner: f.owner, Mint: f.tokenMint, Quantity: 1})

	assert.ErrorIs(t, err, ErrMissingDestination)
}

func TestDepositRejectsForeignDestination(t *testing.T) {
	f := newFixture(t)
	f.fundWallet(t, f.tokenMint)
	f.addMarginAccount(t, f.owner, nil)
	foreign := f.addMarginAccount(t, newPubkey(t), nil)

	_, err := f.service.Deposit(context.Background(), KindLending, DepositParams{
		Owner:       f.owner,
		Mint:        f.tokenMint,
		Quantity:    1,
		Destination: foreign,
	})

	assert.ErrorIs(t, err, ErrOwnershipMismatch)
}

func TestDepositUnknownMint(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Deposit(context.Background(), KindLending, DepositParams{Owner: f.owner, Mint: newPubkey(t), Quantity: 1})

	assert.ErrorIs(t, err, ErrUnknownAsset)
	assert.ErrorIs(t, err, mango.ErrTokenNotListed)
}

func TestDepositNativeWrapsAroundDeposit(t *testing.T) {
	f := newFixture(t)
	destination := f.addMarginAccount(t, f.owner, nil)

	bundles, err := f.service.Deposit(context.Background(), KindLending, DepositParams{
		Owner:       f.owner,
		Mint:        solana.WrappedSol,
		Quantity:    1,
		Destination: destination,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	b := bundles[0]
	assert.Equal(t, []solana.PublicKey{
		solana.SystemProgramID,
		solana.TokenProgramID,
		f.mangoProgram,
		solana.TokenProgramID,
	}, programs(b))

	require.Len(t, b.Signers, 2)
	assertOwnerIsPrimary(t, b, f.owner)
	ephemeral := b.Signers[1]
	assert.True(t, ephemeral.HasKey())
	assert.Equal(t, ephemeral.PublicKey, b.Instructions[2].Accounts()[8].PublicKey)
	assert.Equal(t, ephemeral.PublicKey, b.Instructions[3].Accounts()[0].PublicKey)
}

func TestWithdrawRejectsForeignMarginAccount(t *testing.T) {
	f := newFixture(t)
	foreign := f.addMarginAccount(t, newPubkey(t), nil)

	_, err := f.service.Withdraw(context.Background(), KindLending, WithdrawParams{
		Owner:         f.owner,
		Mint:          f.tokenMint,
		Quantity:      1,
		MarginAccount: foreign,
	})

	assert.ErrorIs(t, err, ErrOwnershipMismatch)
}

func TestWithdrawRequiresMarginAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Withdraw(context.Background(), KindLending, WithdrawParams{Owner: f.owner, Mint: f.tokenMint, Quantity: 1})

	assert.ErrorIs(t, err, ErrMissingMarginAccount)
}

func TestWithdrawCreatesDestinationAndPassesBorrowFlag(t *testing.T) {
	f := newFixture(t)
	account := f.addMarginAccount(t, f.owner, nil)

	bundles, err := f.service.Withdraw(context.Background(), KindLending, WithdrawParams{
		Owner:         f.owner,
		Mint:          f.tokenMint,
		Quantity:      3,
		MarginAccount: account,
		IsBorrow:      true,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	b := bundles[0]
	assert.Equal(t, []solana.PublicKey{solana.SPLAssociatedTokenAccountProgramID, f.mangoProgram}, programs(b))
	assert.Equal(t, f.associated(t, f.tokenMint), b.Instructions[1].Accounts()[7].PublicKey)

	data := instructionData(t, b.Instructions[1])
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[0:4]))
	assert.Equal(t, uint64(3_000_000), binary.LittleEndian.Uint64(data[4:12]))
	assert.Equal(t, byte(1), data[12])
}

func TestSpotBuyPaysFromQuoteAndAllocatesOpenOrders(t *testing.T) {
	f := newFixture(t)
	quoteWallet := f.fundWallet(t, f.quoteMint)

	bundles, err := f.service.PlaceOrder(context.Background(), KindSpot, PlaceOrderParams{
		Owner:     f.owner,
		Market:    f.spotMarket,
		Side:      dex.SideBuy,
		Price:     20,
		Size:      1,
		OrderType: dex.OrderTypeLimit,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	b := bundles[0]
	assert.Equal(t, []solana.PublicKey{solana.SystemProgramID, f.dexProgram}, programs(b))
	require.Len(t, b.Signers, 2)
	assertOwnerIsPrimary(t, b, f.owner)

	openOrders := b.Signers[1].PublicKey
	order := b.Instructions[1].Accounts()
	assert.Equal(t, openOrders, order[1].PublicKey)
	assert.Equal(t, quoteWallet, order[6].PublicKey)
	assert.Equal(t, f.owner, order[7].PublicKey)
}

func TestSpotSellOfNativeBaseWrapsPayer(t *testing.T) {
	f := newFixture(t)
	existing := f.addOpenOrders(t, nil)

	bundles, err := f.service.PlaceOrder(context.Background(), KindSpot, PlaceOrderParams{
		Owner:     f.owner,
		Market:    f.spotMarket,
		Side:      dex.SideSell,
		Price:     20,
		Size:      1,
		OrderType: dex.OrderTypeLimit,
	})

	require.NoError(t, err)
	b := bundles[0]
	assert.Equal(t, []solana.PublicKey{
		solana.SystemProgramID,
		solana.TokenProgramID,
		f.dexProgram,
		solana.TokenProgramID,
	}, programs(b))
	order := b.Instructions[2].Accounts()
	assert.Equal(t, existing, order[1].PublicKey)
	assert.Equal(t, b.Signers[1].PublicKey, order[6].PublicKey)
}

func TestSpotCancelWithoutOrdersIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addOpenOrders(t, nil)

	bundles, err := f.service.CancelOrder(context.Background(), KindSpot, CancelOrderParams{Owner: f.owner, Market: f.spotMarket})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.True(t, bundles[0].Empty())
	assert.Empty(t, bundles[0].Signers)
}

func TestSpotCancelLookupFailureIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.chain.programErr = errors.New("rpc unavailable")

	bundles, err := f.service.CancelOrder(context.Background(), KindSpot, CancelOrderParams{Owner: f.owner, Market: f.spotMarket})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.True(t, bundles[0].Empty())
}

func TestSpotCancelByIDAndCancelAll(t *testing.T) {
	f := newFixture(t)
	var target dex.OrderID
	target[0] = 7
	f.addOpenOrders(t, func(l *serum.OpenOrdersLayout) {
		l.FreeSlotBits[0] = 0xfc // slots 0 and 1 used
		l.Orders[0] = target
		l.Orders[1] = [16]byte{9}
	})

	byID, err := f.service.CancelOrder(context.Background(), KindSpot, CancelOrderParams{Owner: f.owner, Market: f.spotMarket, OrderID: &target})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	require.Len(t, byID[0].Instructions, 1)

	var unknown dex.OrderID
	unknown[0] = 1
	missing, err := f.service.CancelOrder(context.Background(), KindSpot, CancelOrderParams{Owner: f.owner, Market: f.spotMarket, OrderID: &unknown})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.True(t, missing[0].Empty())

	all, err := f.service.CancelOrder(context.Background(), KindSpot, CancelOrderParams{Owner: f.owner, Market: f.spotMarket})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Instructions, 2)
	assertOwnerIsPrimary(t, all[0], f.owner)
}

func TestSpotSettleWithoutOpenOrdersIsEmpty(t *testing.T) {
	f := newFixture(t)

	bundles, err := f.service.Settle(context.Background(), KindSpot, SettleParams{Owner: f.owner, Market: f.spotMarket})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.True(t, bundles[0].Empty())
	assert.Zero(t, f.refresher.calls)
}

func TestSpotSettleWrapsNativeSide(t *testing.T) {
	f := newFixture(t)
	f.fundWallet(t, f.quoteMint)
	f.addOpenOrders(t, nil)

	bundles, err := f.service.Settle(context.Background(), KindSpot, SettleParams{Owner: f.owner, Market: f.spotMarket})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, []solana.PublicKey{
		solana.SystemProgramID,
		solana.TokenProgramID,
		f.dexProgram,
		solana.TokenProgramID,
	}, programs(bundles[0]))
}

func TestInitMarketReturnsStateThenVaults(t *testing.T) {
	f := newFixture(t)

	bundles, err := f.service.InitMarket(context.Background(), InitMarketParams{
		Owner:              f.owner,
		BaseMint:           f.tokenMint,
		QuoteMint:          f.quoteMint,
		LotSize:            0.1,
		TickSize:           0.01,
		QuoteDustThreshold: 100,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 2)

	state := bundles[0]
	require.Len(t, state.Instructions, 5)
	require.Len(t, state.Signers, 6)
	assertOwnerIsPrimary(t, state, f.owner)
	market := state.Signers[1].PublicKey

	vaults := bundles[1]
	assert.Equal(t, []solana.PublicKey{
		solana.SystemProgramID,
		solana.SystemProgramID,
		solana.TokenProgramID,
		solana.TokenProgramID,
		f.dexProgram,
	}, programs(vaults))
	require.Len(t, vaults.Signers, 3)
	assert.Equal(t, market, vaults.Instructions[4].Accounts()[0].PublicKey)

	vaultSigner, _, err := dex.FindVaultSignerNonce(f.dexProgram, market)
	require.NoError(t, err)
	initBase := vaults.Instructions[2].Accounts()
	assert.Equal(t, f.tokenMint, initBase[1].PublicKey)
	assert.Equal(t, vaultSigner, initBase[2].PublicKey)
}

func TestPerpPlaceOrderUsesMarginBasket(t *testing.T) {
	f := newFixture(t)
	spotOO := newPubkey(t)
	account := f.addMarginAccount(t, f.owner, func(l *mango.MarginAccountLayout) {
		l.SpotOpenOrders[0] = spotOO
	})

	bundles, err := f.service.PlaceOrder(context.Background(), KindPerp, PlaceOrderParams{
		Owner:         f.owner,
		Market:        f.perpMarket,
		Side:          dex.SideSell,
		Price:         30,
		Size:          0.5,
		OrderType:     dex.OrderTypeLimit,
		MarginAccount: account,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	b := bundles[0]
	assert.Equal(t, []solana.PublicKey{f.mangoProgram}, programs(b))
	require.Len(t, b.Signers, 1)
	assertOwnerIsPrimary(t, b, f.owner)
	metas := b.Instructions[0].Accounts()
	assert.Equal(t, account, metas[1].PublicKey)
	assert.Equal(t, spotOO, metas[8].PublicKey)
}

func TestPerpCancelAllIsChunked(t *testing.T) {
	f := newFixture(t)
	account := f.addMarginAccount(t, f.owner, func(l *mango.MarginAccountLayout) {
		for i := range l.OrderMarket {
			l.OrderMarket[i] = 255
		}
		for i := 0; i < MaxCancelsPerBundle+2; i++ {
			l.OrderMarket[i] = 0
			l.Orders[i] = [16]byte{byte(i + 1)}
		}
	})

	bundles, err := f.service.CancelOrder(context.Background(), KindPerp, CancelOrderParams{
		Owner:         f.owner,
		Market:        f.perpMarket,
		MarginAccount: account,
	})

	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Len(t, bundles[0].Instructions, MaxCancelsPerBundle)
	assert.Len(t, bundles[1].Instructions, 2)
	for _, b := range bundles {
		assertOwnerIsPrimary(t, b, f.owner)
	}
}

func TestPerpCancelUnknownAccountIsEmpty(t *testing.T) {
	f := newFixture(t)

	bundles, err := f.service.CancelOrder(context.Background(), KindPerp, CancelOrderParams{
		Owner:         f.owner,
		Market:        f.perpMarket,
		MarginAccount: newPubkey(t),
	})

	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.True(t, bundles[0].Empty())
}

func TestPerpSettle(t *testing.T) {
	t.Run("no position", func(t *testing.T) {
		f := newFixture(t)
		account := f.addMarginAccount(t, f.owner, nil)

		bundles, err := f.service.Settle(context.Background(), KindPerp, SettleParams{Owner: f.owner, Market: f.perpMarket, MarginAccount: account})

		require.NoError(t, err)
		require.Len(t, bundles, 1)
		assert.True(t, bundles[0].Empty())
	})

	withPosition := func(l *mango.MarginAccountLayout) { l.PerpAccounts[0].BasePosition = 3 }

	t.Run("missing counterparty", func(t *testing.T) {
		f := newFixture(t)
		account := f.addMarginAccount(t, f.owner, withPosition)

		_, err := f.service.Settle(context.Background(), KindPerp, SettleParams{Owner: f.owner, Market: f.perpMarket, MarginAccount: account})

		assert.ErrorIs(t, err, ErrMissingCounterparty)
	})

	t.Run("against counterparty", func(t *testing.T) {
		f := newFixture(t)
		account := f.addMarginAccount(t, f.owner, withPosition)
		counterparty := f.addMarginAccount(t, newPubkey(t), nil)

		bundles, err := f.service.Settle(context.Background(), KindPerp, SettleParams{
			Owner:         f.owner,
			Market:        f.perpMarket,
			MarginAccount: account,
			Counterparty:  counterparty,
		})

		require.NoError(t, err)
		require.Len(t, bundles, 1)
		metas := bundles[0].Instructions[0].Accounts()
		assert.Equal(t, account, metas[1].PublicKey)
		assert.Equal(t, counterparty, metas[2].PublicKey)
		assertOwnerIsPrimary(t, bundles[0], f.owner)
	})
}

func TestUnsupportedActions(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.PlaceOrder(context.Background(), KindLending, PlaceOrderParams{Owner: f.owner})
	assert.ErrorIs(t, err, ErrUnsupportedAction)

	_, err = f.service.Deposit(context.Background(), KindSpot, DepositParams{Owner: f.owner})
	assert.ErrorIs(t, err, ErrUnsupportedAction)

	_, err = f.service.Withdraw(context.Background(), MarketKind("options"), WithdrawParams{Owner: f.owner})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestRefreshFailureDoesNotBlockAction(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = errors.New("keeper unavailable")
	f.fundWallet(t, f.tokenMint)

	bundles, err := f.service.Deposit(context.Background(), KindLending, DepositParams{Owner: f.owner, Mint: f.tokenMint, Quantity: 1})

	require.NoError(t, err)
	assert.Len(t, bundles, 1)
	assert.Equal(t, 1, f.refresher.calls)
}

func TestParseMarketKind(t *testing.T) {
	kind, err := ParseMarketKind(" Spot ")
	require.NoError(t, err)
	assert.Equal(t, KindSpot, kind)

	_, err = ParseMarketKind("futures")
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestChunkInstructions(t *testing.T) {
	ix := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{}, []byte{1})
	instructions := make([]solana.Instruction, 25)
	for i := range instructions {
		instructions[i] = ix
	}

	chunks := chunkInstructions(instructions, MaxCancelsPerBundle)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Instructions, 12)
	assert.Len(t, chunks[2].Instructions, 1)
	assert.Len(t, chunkInstructions(nil, MaxCancelsPerBundle), 1)
}
