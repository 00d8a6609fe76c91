package mango

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction tags of the margin program.
const (
	tagDeposit            uint32 = 2
	tagWithdraw           uint32 = 3
	tagCachePrices        uint32 = 7
	tagCacheRootBanks     uint32 = 8
	tagPlacePerpOrder     uint32 = 12
	tagCancelPerpOrder    uint32 = 14
	tagCachePerpMarkets   uint32 = 16
	tagSettlePnl          uint32 = 22
	tagCreateMangoAccount uint32 = 55
)

type createMangoAccountArgs struct {
	Tag        uint32
	AccountNum uint64
}

type quantityArgs struct {
	Tag      uint32
	Quantity uint64
}

type withdrawArgs struct {
	Tag         uint32
	Quantity    uint64
	AllowBorrow bool
}

type tagOnly struct {
	Tag uint32
}

type placePerpOrderArgs struct {
	Tag           uint32
	Price         int64
	Quantity      int64
	ClientOrderID uint64
	Side          uint8
	OrderType     uint8
	ReduceOnly    bool
}

type cancelPerpOrderArgs struct {
	Tag         uint32
	OrderID     [16]byte
	InvalidIDOk bool
}

type settlePnlArgs struct {
	Tag         uint32
	MarketIndex uint64
}

func encode(args interface{}) []byte {
	data, err := bin.MarshalBin(args)
	if err != nil {
		// Fixed-size argument structs always encode.
		panic(fmt.Sprintf("mango: encode %T: %v", args, err))
	}
	return data
}

func NewCreateMangoAccountInstruction(programID, group, marginAccount, owner, payer solana.PublicKey, accountNum uint64) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(group, true, false),
		solana.NewAccountMeta(marginAccount, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(payer, true, true),
	}, encode(&createMangoAccountArgs{Tag: tagCreateMangoAccount, AccountNum: accountNum}))
}

type BankAccounts struct {
	RootBank solana.PublicKey
	NodeBank solana.PublicKey
	Vault    solana.PublicKey
}

func NewDepositInstruction(programID, group, cache, marginAccount, owner solana.PublicKey, bank BankAccounts, tokenAccount solana.PublicKey, quantity uint64) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(group, false, false),
		solana.NewAccountMeta(marginAccount, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(cache, false, false),
		solana.NewAccountMeta(bank.RootBank, false, false),
		solana.NewAccountMeta(bank.NodeBank, true, false),
		solana.NewAccountMeta(bank.Vault, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(tokenAccount, true, false),
	}, encode(&quantityArgs{Tag: tagDeposit, Quantity: quantity}))
}

// NewWithdrawInstruction lists every open-orders slot of the margin basket
// after the fixed accounts, as the program expects.
func NewWithdrawInstruction(programID, group, cache, signerKey, marginAccount, owner solana.PublicKey, bank BankAccounts, tokenAccount solana.PublicKey, openOrders [MaxPairs]solana.PublicKey, quantity uint64, allowBorrow bool) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(group, false, false),
		solana.NewAccountMeta(marginAccount, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(cache, false, false),
		solana.NewAccountMeta(bank.RootBank, false, false),
		solana.NewAccountMeta(bank.NodeBank, true, false),
		solana.NewAccountMeta(bank.Vault, true, false),
		solana.NewAccountMeta(tokenAccount, true, false),
		solana.NewAccountMeta(signerKey, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	for _, oo := range openOrders {
		metas = append(metas, solana.NewAccountMeta(oo, false, false))
	}
	return solana.NewInstruction(programID, metas, encode(&withdrawArgs{
		Tag:         tagWithdraw,
		Quantity:    quantity,
		AllowBorrow: allowBorrow,
	}))
}

func NewCachePricesInstruction(programID, group, cache solana.PublicKey, oracles []solana.PublicKey) solana.Instruction {
	return newCacheInstruction(programID, group, cache, oracles, tagCachePrices)
}

func NewCacheRootBanksInstruction(programID, group, cache solana.PublicKey, rootBanks []solana.PublicKey) solana.Instruction {
	return newCacheInstruction(programID, group, cache, rootBanks, tagCacheRootBanks)
}

func NewCachePerpMarketsInstruction(programID, group, cache solana.PublicKey, perpMarkets []solana.PublicKey) solana.Instruction {
	return newCacheInstruction(programID, group, cache, perpMarkets, tagCachePerpMarkets)
}

func newCacheInstruction(programID, group, cache solana.PublicKey, targets []solana.PublicKey, tag uint32) solana.Instruction {
	metas := make(solana.AccountMetaSlice, 0, len(targets)+2)
	metas = append(metas,
		solana.NewAccountMeta(group, false, false),
		solana.NewAccountMeta(cache, true, false),
	)
	for _, target := range targets {
		metas = append(metas, solana.NewAccountMeta(target, false, false))
	}
	return solana.NewInstruction(programID, metas, encode(&tagOnly{Tag: tag}))
}

type PerpOrderParams struct {
	Price         int64
	Quantity      int64
	ClientOrderID uint64
	Side          uint8
	OrderType     uint8
	ReduceOnly    bool
}

func NewPlacePerpOrderInstruction(programID, group, cache, marginAccount, owner solana.PublicKey, market PerpMarket, openOrders [MaxPairs]solana.PublicKey, params PerpOrderParams) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(group, false, false),
		solana.NewAccountMeta(marginAccount, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(cache, false, false),
		solana.NewAccountMeta(market.Address, true, false),
		solana.NewAccountMeta(market.Bids, true, false),
		solana.NewAccountMeta(market.Asks, true, false),
		solana.NewAccountMeta(market.EventQueue, true, false),
	}
	for _, oo := range openOrders {
		metas = append(metas, solana.NewAccountMeta(oo, false, false))
	}
	return solana.NewInstruction(programID, metas, encode(&placePerpOrderArgs{
		Tag:           tagPlacePerpOrder,
		Price:         params.Price,
		Quantity:      params.Quantity,
		ClientOrderID: params.ClientOrderID,
		Side:          params.Side,
		OrderType:     params.OrderType,
		ReduceOnly:    params.ReduceOnly,
	}))
}

func NewCancelPerpOrderInstruction(programID, group, marginAccount, owner solana.PublicKey, market PerpMarket, orderID [16]byte, invalidIDOk bool) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(group, false, false),
		solana.NewAccountMeta(marginAccount, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(market.Address, true, false),
		solana.NewAccountMeta(market.Bids, true, false),
		solana.NewAccountMeta(market.Asks, true, false),
	}, encode(&cancelPerpOrderArgs{Tag: tagCancelPerpOrder, OrderID: orderID, InvalidIDOk: invalidIDOk}))
}

// NewSettlePnlInstruction settles the unrealized pnl of two margin accounts
// on opposite sides of a perp market through the quote bank.
func NewSettlePnlInstruction(programID, group, cache, accountA, accountB solana.PublicKey, quoteBank BankAccounts, marketIndex uint64) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(group, false, false),
		solana.NewAccountMeta(accountA, true, false),
		solana.NewAccountMeta(accountB, true, false),
		solana.NewAccountMeta(cache, false, false),
		solana.NewAccountMeta(quoteBank.RootBank, false, false),
		solana.NewAccountMeta(quoteBank.NodeBank, true, false),
	}, encode(&settlePnlArgs{Tag: tagSettlePnl, MarketIndex: marketIndex}))
}
