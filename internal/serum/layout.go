package serum

import (
	"fmt"

	"github.com/coldbell/dex/bundler/internal/dex"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	MarketSize     = 388
	OpenOrdersSize = 3228

	RequestQueueSize = 640 + 12
	EventQueueSize   = 1048576 + 12
	OrderBookSize    = 65536 + 12

	openOrdersMarketOffset = 13
	openOrdersOwnerOffset  = 45
	maxOpenOrderSlots      = 128
)

var accountHead = [5]byte{'s', 'e', 'r', 'u', 'm'}

type MarketLayout struct {
	Head                   [5]byte
	AccountFlags           uint64
	OwnAddress             solana.PublicKey
	VaultSignerNonce       uint64
	BaseMint               solana.PublicKey
	QuoteMint              solana.PublicKey
	BaseVault              solana.PublicKey
	BaseDepositsTotal      uint64
	BaseFeesAccrued        uint64
	QuoteVault             solana.PublicKey
	QuoteDepositsTotal     uint64
	QuoteFeesAccrued       uint64
	QuoteDustThreshold     uint64
	RequestQueue           solana.PublicKey
	EventQueue             solana.PublicKey
	Bids                   solana.PublicKey
	Asks                   solana.PublicKey
	BaseLotSize            uint64
	QuoteLotSize           uint64
	FeeRateBps             uint64
	ReferrerRebatesAccrued uint64
	Tail                   [7]byte
}

type OpenOrdersLayout struct {
	Head                   [5]byte
	AccountFlags           uint64
	Market                 solana.PublicKey
	Owner                  solana.PublicKey
	BaseTokenFree          uint64
	BaseTokenTotal         uint64
	QuoteTokenFree         uint64
	QuoteTokenTotal        uint64
	FreeSlotBits           [16]byte
	IsBidBits              [16]byte
	Orders                 [maxOpenOrderSlots][16]byte
	ClientIDs              [maxOpenOrderSlots]uint64
	ReferrerRebatesAccrued uint64
	Tail                   [7]byte
}

type Order struct {
	ID       dex.OrderID
	ClientID uint64
	Side     dex.Side
}

type OpenOrders struct {
	Address solana.PublicKey
	OpenOrdersLayout
}

// Orders lists the resting orders held in used slots.
func (o *OpenOrders) Orders() []Order {
	var orders []Order
	for slot := 0; slot < maxOpenOrderSlots; slot++ {
		if bitSet(o.FreeSlotBits, slot) {
			continue
		}
		side := dex.SideSell
		if bitSet(o.IsBidBits, slot) {
			side = dex.SideBuy
		}
		orders = append(orders, Order{
			ID:       dex.OrderID(o.OpenOrdersLayout.Orders[slot]),
			ClientID: o.ClientIDs[slot],
			Side:     side,
		})
	}
	return orders
}

func bitSet(bits [16]byte, index int) bool {
	return bits[index/8]&(1<<(uint(index)%8)) != 0
}

func decodeLayout(data []byte, out interface{}, what string) error {
	if err := bin.NewBinDecoder(data).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}
