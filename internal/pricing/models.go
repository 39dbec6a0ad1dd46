package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"bfx-impact/internal/book"
)

// Request validation failures. They are never retried internally.
var (
	ErrUnsupportedOrderType  = errors.New("unsupported order type")
	ErrUnsupportedOperation  = errors.New("unsupported operation")
	ErrLimitPriceUnreachable = errors.New("limit price does not reach top of book")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

const (
	OrderTypeMarket = "MARKET"
	OpBuy           = "BUY"
	OpSell          = "SELL"
)

// TopOfBook holds the best level of each side; a nil side is empty.
type TopOfBook struct {
	Bid *book.Entry `json:"bidTip"`
	Ask *book.Entry `json:"askTip"`
}

type Request struct {
	Type       string
	Operation  string
	Amount     decimal.Decimal
	LimitPrice decimal.NullDecimal
}

// Fill is the portion of one price level a simulated order would take.
type Fill struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Result is the outcome of a simulated market order. An under-filled order is
// only visible as FilledAmount < Amount. EffectivePrice is invalid (null in
// JSON) when nothing was filled.
type Result struct {
	Operation       string              `json:"operation"`
	Amount          decimal.Decimal     `json:"amount"`
	FilledAmount    decimal.Decimal     `json:"filledAmount"`
	TotalBookVolume decimal.Decimal     `json:"totalBookVolume"`
	EffectivePrice  decimal.NullDecimal `json:"effectivePrice"`
	Fills           []Fill              `json:"fills"`
}

// Unfilled is the requested amount the book could not absorb.
func (r Result) Unfilled() decimal.Decimal {
	return r.Amount.Sub(r.FilledAmount)
}
