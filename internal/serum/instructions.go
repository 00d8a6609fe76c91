package serum

import (
	"fmt"

	"github.com/coldbell/dex/bundler/internal/dex"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	tagInitializeMarket uint32 = 0
	tagSettleFunds      uint32 = 5
	tagNewOrderV3       uint32 = 10
	tagCancelOrderV2    uint32 = 11

	DefaultOrderLimit = uint16(65535)
)

// SelfTradeBehavior values of the order-book program.
const (
	SelfTradeDecrementTake uint32 = iota
	SelfTradeCancelProvide
	SelfTradeAbortTransaction
)

// Every instruction starts with a zero version byte and a u32 tag.
type header struct {
	Version uint8
	Tag     uint32
}

type initializeMarketArgs struct {
	Version            uint8
	Tag                uint32
	BaseLotSize        uint64
	QuoteLotSize       uint64
	FeeRateBps         uint16
	VaultSignerNonce   uint64
	QuoteDustThreshold uint64
}

type newOrderV3Args struct {
	Version           uint8
	Tag               uint32
	Side              uint32
	LimitPrice        uint64
	MaxBaseQuantity   uint64
	MaxQuoteQuantity  uint64
	SelfTradeBehavior uint32
	OrderType         uint32
	ClientID          uint64
	Limit             uint16
}

type cancelOrderV2Args struct {
	Version uint8
	Tag     uint32
	Side    uint32
	OrderID [16]byte
}

func encode(args interface{}) []byte {
	data, err := bin.MarshalBin(args)
	if err != nil {
		panic(fmt.Sprintf("serum: encode %T: %v", args, err))
	}
	return data
}

type InitializeMarketParams struct {
	Market             solana.PublicKey
	RequestQueue       solana.PublicKey
	EventQueue         solana.PublicKey
	Bids               solana.PublicKey
	Asks               solana.PublicKey
	BaseVault          solana.PublicKey
	QuoteVault         solana.PublicKey
	BaseMint           solana.PublicKey
	QuoteMint          solana.PublicKey
	BaseLotSize        uint64
	QuoteLotSize       uint64
	FeeRateBps         uint16
	VaultSignerNonce   uint64
	QuoteDustThreshold uint64
}

func NewInitializeMarketInstruction(programID solana.PublicKey, p InitializeMarketParams) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(p.Market, true, false),
		solana.NewAccountMeta(p.RequestQueue, true, false),
		solana.NewAccountMeta(p.EventQueue, true, false),
		solana.NewAccountMeta(p.Bids, true, false),
		solana.NewAccountMeta(p.Asks, true, false),
		solana.NewAccountMeta(p.BaseVault, true, false),
		solana.NewAccountMeta(p.QuoteVault, true, false),
		solana.NewAccountMeta(p.BaseMint, false, false),
		solana.NewAccountMeta(p.QuoteMint, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, encode(&initializeMarketArgs{
		Tag:                tagInitializeMarket,
		BaseLotSize:        p.BaseLotSize,
		QuoteLotSize:       p.QuoteLotSize,
		FeeRateBps:         p.FeeRateBps,
		VaultSignerNonce:   p.VaultSignerNonce,
		QuoteDustThreshold: p.QuoteDustThreshold,
	}))
}

type NewOrderParams struct {
	Side              dex.Side
	LimitPrice        uint64
	MaxBaseQuantity   uint64
	MaxQuoteQuantity  uint64
	SelfTradeBehavior uint32
	OrderType         dex.OrderType
	ClientID          uint64
	Limit             uint16
}

// NewOrderV3Instruction debits payer, which must hold the quote mint for a
// buy and the base mint for a sell.
func NewOrderV3Instruction(market *Market, openOrders, payer, owner solana.PublicKey, p NewOrderParams) solana.Instruction {
	limit := p.Limit
	if limit == 0 {
		limit = DefaultOrderLimit
	}
	return solana.NewInstruction(market.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(market.Address, true, false),
		solana.NewAccountMeta(openOrders, true, false),
		solana.NewAccountMeta(market.RequestQueue, true, false),
		solana.NewAccountMeta(market.EventQueue, true, false),
		solana.NewAccountMeta(market.Bids, true, false),
		solana.NewAccountMeta(market.Asks, true, false),
		solana.NewAccountMeta(payer, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(market.BaseVault, true, false),
		solana.NewAccountMeta(market.QuoteVault, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, encode(&newOrderV3Args{
		Tag:               tagNewOrderV3,
		Side:              uint32(p.Side),
		LimitPrice:        p.LimitPrice,
		MaxBaseQuantity:   p.MaxBaseQuantity,
		MaxQuoteQuantity:  p.MaxQuoteQuantity,
		SelfTradeBehavior: p.SelfTradeBehavior,
		OrderType:         uint32(p.OrderType),
		ClientID:          p.ClientID,
		Limit:             limit,
	}))
}

func NewCancelOrderV2Instruction(market *Market, openOrders, owner solana.PublicKey, order Order) solana.Instruction {
	return solana.NewInstruction(market.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(market.Address, false, false),
		solana.NewAccountMeta(market.Bids, true, false),
		solana.NewAccountMeta(market.Asks, true, false),
		solana.NewAccountMeta(openOrders, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(market.EventQueue, true, false),
	}, encode(&cancelOrderV2Args{
		Tag:     tagCancelOrderV2,
		Side:    uint32(order.Side),
		OrderID: order.ID,
	}))
}

func NewSettleFundsInstruction(market *Market, openOrders, owner, baseWallet, quoteWallet solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(market.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(market.Address, true, false),
		solana.NewAccountMeta(openOrders, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(market.BaseVault, true, false),
		solana.NewAccountMeta(market.QuoteVault, true, false),
		solana.NewAccountMeta(baseWallet, true, false),
		solana.NewAccountMeta(quoteWallet, true, false),
		solana.NewAccountMeta(market.VaultSigner, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, encode(&header{Tag: tagSettleFunds}))
}
