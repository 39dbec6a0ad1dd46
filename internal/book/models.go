package book

import (
	"github.com/shopspring/decimal"
)

// Level is one aggregated price level as the venue reports it.
// Amount is signed: positive is resting bid liquidity, negative is resting ask liquidity.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// IsBid reports whether the level rests on the bid side.
func (l Level) IsBid() bool { return l.Amount.IsPositive() }

// IsAsk reports whether the level rests on the ask side.
func (l Level) IsAsk() bool { return l.Amount.IsNegative() }

// Entry is a level projected onto one side of the book, with an unsigned size.
type Entry struct {
	Price decimal.Decimal `json:"price"`
	Count int64           `json:"count"`
	Size  decimal.Decimal `json:"size"`
}

// FrameKind tells the caller what Apply did with a payload.
type FrameKind int

const (
	FrameControl FrameKind = iota // heartbeat / checksum, not applied
	FrameSnapshot
	FrameDelta
)

func (k FrameKind) String() string {
	switch k {
	case FrameSnapshot:
		return "snapshot"
	case FrameDelta:
		return "delta"
	default:
		return "control"
	}
}
