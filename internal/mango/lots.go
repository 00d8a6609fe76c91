package mango

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidLots = errors.New("invalid perp order lots")

// LotConverter turns UI prices and sizes into the lot units of one perp
// market.
type LotConverter struct {
	BaseDecimals  uint8
	QuoteDecimals uint8
	BaseLotSize   int64
	QuoteLotSize  int64
}

func (g *Group) LotConverter(market *PerpMarket) LotConverter {
	return LotConverter{
		BaseDecimals:  g.Tokens[market.Index].Decimals,
		QuoteDecimals: g.Tokens[QuoteIndex].Decimals,
		BaseLotSize:   market.BaseLotSize,
		QuoteLotSize:  market.QuoteLotSize,
	}
}

func (c LotConverter) PriceToLots(price float64) (int64, error) {
	if c.BaseLotSize <= 0 || c.QuoteLotSize <= 0 {
		return 0, fmt.Errorf("%w: market lot sizes %d/%d", ErrInvalidLots, c.BaseLotSize, c.QuoteLotSize)
	}
	numerator := price * math.Pow10(int(c.QuoteDecimals)) * float64(c.BaseLotSize)
	denominator := math.Pow10(int(c.BaseDecimals)) * float64(c.QuoteLotSize)
	return roundLots(numerator/denominator, "price", price)
}

func (c LotConverter) SizeToLots(size float64) (int64, error) {
	if c.BaseLotSize <= 0 {
		return 0, fmt.Errorf("%w: base lot size %d", ErrInvalidLots, c.BaseLotSize)
	}
	return roundLots(size*math.Pow10(int(c.BaseDecimals))/float64(c.BaseLotSize), "size", size)
}

func roundLots(value float64, what string, input float64) (int64, error) {
	lots := math.Round(value)
	if math.IsNaN(lots) || lots < 1 || lots >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s %v", ErrInvalidLots, what, input)
	}
	return int64(lots), nil
}
