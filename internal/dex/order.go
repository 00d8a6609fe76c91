package dex

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "bid":
		return SideBuy, nil
	case "sell", "ask":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("invalid side %q (expected buy|sell)", raw)
	}
}

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
	OrderTypeIOC
	OrderTypePostOnly
)

func ParseOrderType(raw string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "limit":
		return OrderTypeLimit, nil
	case "ioc":
		return OrderTypeIOC, nil
	case "postonly", "post_only":
		return OrderTypePostOnly, nil
	default:
		return 0, fmt.Errorf("invalid order type %q (expected limit|ioc|postOnly)", raw)
	}
}

// OrderID is a 128-bit order identifier stored little-endian, as both
// order-book programs keep it on chain.
type OrderID [16]byte

var errInvalidOrderID = errors.New("invalid order id")

func ParseOrderID(raw string) (OrderID, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 || value.BitLen() > 128 {
		return OrderID{}, fmt.Errorf("%w: %q", errInvalidOrderID, raw)
	}
	var be [16]byte
	value.FillBytes(be[:])

	var id OrderID
	for i := range be {
		id[i] = be[15-i]
	}
	return id, nil
}

func (id OrderID) String() string {
	var be [16]byte
	for i := range id {
		be[i] = id[15-i]
	}
	return new(big.Int).SetBytes(be[:]).String()
}

func (id OrderID) IsZero() bool {
	return id == OrderID{}
}

// UIToNative converts a UI amount to base units: round(amount × 10^decimals).
func UIToNative(amount float64, decimals uint8) (uint64, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("invalid amount %v", amount)
	}
	native := math.Round(amount * math.Pow10(int(decimals)))
	if native >= math.MaxUint64 {
		return 0, fmt.Errorf("amount %v overflows %d decimals", amount, decimals)
	}
	return uint64(native), nil
}
