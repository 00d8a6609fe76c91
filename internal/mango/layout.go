package mango

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	MaxTokens     = 16
	MaxPairs      = 15
	QuoteIndex    = MaxTokens - 1
	MaxNodeBanks  = 8
	MaxPerpOrders = 64

	freeOrderSlot = 255

	MarginAccountSize     = 4296
	marginGroupOffset     = 8
	marginOwnerOffset     = 40
	dataTypeMarginAccount = 1
)

// I80F48 is a signed fixed-point value with 48 fractional bits.
type I80F48 [16]byte

func (v I80F48) IsZero() bool {
	return v == I80F48{}
}

type MetaData struct {
	DataType      uint8
	Version       uint8
	IsInitialized bool
	Padding       [5]byte
}

type TokenInfo struct {
	Mint     solana.PublicKey
	RootBank solana.PublicKey
	Decimals uint8
	Padding  [7]byte
}

type SpotMarketInfo struct {
	SpotMarket       solana.PublicKey
	MaintAssetWeight I80F48
	InitAssetWeight  I80F48
	MaintLiabWeight  I80F48
	InitLiabWeight   I80F48
	LiquidationFee   I80F48
}

type PerpMarketInfo struct {
	PerpMarket       solana.PublicKey
	MaintAssetWeight I80F48
	InitAssetWeight  I80F48
	MaintLiabWeight  I80F48
	InitLiabWeight   I80F48
	LiquidationFee   I80F48
	MakerFee         I80F48
	TakerFee         I80F48
	BaseLotSize      int64
	QuoteLotSize     int64
}

type GroupLayout struct {
	Meta           MetaData
	NumOracles     uint64
	Tokens         [MaxTokens]TokenInfo
	SpotMarkets    [MaxPairs]SpotMarketInfo
	PerpMarkets    [MaxPairs]PerpMarketInfo
	Oracles        [MaxPairs]solana.PublicKey
	SignerNonce    uint64
	SignerKey      solana.PublicKey
	Admin          solana.PublicKey
	DexProgramID   solana.PublicKey
	Cache          solana.PublicKey
	ValidInterval  uint64
	InsuranceVault solana.PublicKey
	SrmVault       solana.PublicKey
	MsrmVault      solana.PublicKey
	FeesVault      solana.PublicKey
}

type RootBankLayout struct {
	Meta         MetaData
	OptimalUtil  I80F48
	OptimalRate  I80F48
	MaxRate      I80F48
	NumNodeBanks uint64
	NodeBanks    [MaxNodeBanks]solana.PublicKey
	DepositIndex I80F48
	BorrowIndex  I80F48
	LastUpdated  uint64
}

type NodeBankLayout struct {
	Meta     MetaData
	Deposits I80F48
	Borrows  I80F48
	Vault    solana.PublicKey
}

type PerpAccount struct {
	BasePosition        int64
	QuotePosition       I80F48
	LongSettledFunding  I80F48
	ShortSettledFunding I80F48
	BidsQuantity        int64
	AsksQuantity        int64
	TakerBase           int64
	TakerQuote          int64
	MngoAccrued         uint64
}

// HasPosition reports whether there is anything to settle for the market.
func (p PerpAccount) HasPosition() bool {
	return p.BasePosition != 0 || !p.QuotePosition.IsZero() || p.TakerBase != 0 || p.TakerQuote != 0
}

type MarginAccountLayout struct {
	Meta              MetaData
	Group             solana.PublicKey
	Owner             solana.PublicKey
	InMarginBasket    [MaxPairs]bool
	NumInMarginBasket uint8
	Deposits          [MaxTokens]I80F48
	Borrows           [MaxTokens]I80F48
	SpotOpenOrders    [MaxPairs]solana.PublicKey
	PerpAccounts      [MaxPairs]PerpAccount
	OrderMarket       [MaxPerpOrders]uint8
	OrderSide         [MaxPerpOrders]uint8
	Orders            [MaxPerpOrders][16]byte
	ClientOrderIDs    [MaxPerpOrders]uint64
	MsrmAmount        uint64
	BeingLiquidated   bool
	IsBankrupt        bool
	Info              [32]byte
	AdvancedOrdersKey solana.PublicKey
	NotUpgradable     bool
	Delegate          solana.PublicKey
	Padding           [5]byte
}

type PerpMarketLayout struct {
	Meta         MetaData
	Group        solana.PublicKey
	Bids         solana.PublicKey
	Asks         solana.PublicKey
	EventQueue   solana.PublicKey
	QuoteLotSize int64
	BaseLotSize  int64
	LongFunding  I80F48
	ShortFunding I80F48
	OpenInterest int64
	LastUpdated  uint64
	SeqNum       uint64
	FeesAccrued  I80F48
}

func decodeLayout(data []byte, out interface{}, what string) error {
	if err := bin.NewBinDecoder(data).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}
