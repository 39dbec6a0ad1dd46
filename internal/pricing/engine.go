package pricing

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"bfx-impact/internal/book"
)

// Tips returns the best bid and best ask of r. Either side may be nil.
func Tips(r *book.Replica) TopOfBook {
	var t TopOfBook
	if bids := r.Bids(); len(bids) > 0 {
		t.Bid = &bids[0]
	}
	if asks := r.Asks(); len(asks) > 0 {
		t.Ask = &asks[0]
	}
	return t
}

// EffectivePrice simulates req against the resting liquidity of r.
//
// BUY walks the asks from the lowest price, SELL walks the bids from the
// highest. Each level is taken whole until the remaining amount fits inside a
// level, which is then taken partially and the walk stops. With a limit price
// the walk also stops before the first level past the limit; if the top of the
// book is already past it the request fails with ErrLimitPriceUnreachable.
func EffectivePrice(r *book.Replica, req Request) (Result, error) {
	if req.Type != OrderTypeMarket {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedOrderType, req.Type)
	}

	var (
		levels  []book.Entry
		crossed func(price decimal.Decimal) bool
	)
	limit := req.LimitPrice.Decimal
	switch req.Operation {
	case OpBuy:
		levels = r.Asks()
		crossed = func(p decimal.Decimal) bool { return p.GreaterThan(limit) }
	case OpSell:
		levels = r.Bids()
		crossed = func(p decimal.Decimal) bool { return p.LessThan(limit) }
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedOperation, req.Operation)
	}
	if !req.Amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	hasLimit := req.LimitPrice.Valid
	if hasLimit && len(levels) > 0 && crossed(levels[0].Price) {
		return Result{}, fmt.Errorf("%w: %s %s vs top %s", ErrLimitPriceUnreachable, req.Operation, limit, levels[0].Price)
	}

	res := Result{
		Operation:       req.Operation,
		Amount:          req.Amount,
		TotalBookVolume: totalVolume(levels),
		Fills:           []Fill{},
	}

	remaining := req.Amount
	filled := decimal.Zero
	for _, lvl := range levels {
		if hasLimit && crossed(lvl.Price) {
			break
		}
		if remaining.GreaterThan(lvl.Size) {
			res.Fills = append(res.Fills, Fill{Price: lvl.Price, Amount: lvl.Size})
			remaining = remaining.Sub(lvl.Size)
			filled = filled.Add(lvl.Size)
			continue
		}
		res.Fills = append(res.Fills, Fill{Price: lvl.Price, Amount: remaining})
		filled = filled.Add(remaining)
		break
	}

	res.FilledAmount = filled
	res.EffectivePrice = WeightedAverage(res.Fills)
	return res, nil
}

// WeightedAverage is sum(price*amount)/sum(amount) over fills. It is invalid
// when the fills carry no volume.
func WeightedAverage(fills []Fill) decimal.NullDecimal {
	notional := lo.Reduce(fills, func(acc decimal.Decimal, f Fill, _ int) decimal.Decimal {
		return acc.Add(f.Price.Mul(f.Amount))
	}, decimal.Zero)
	volume := lo.Reduce(fills, func(acc decimal.Decimal, f Fill, _ int) decimal.Decimal {
		return acc.Add(f.Amount)
	}, decimal.Zero)
	if volume.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: notional.Div(volume), Valid: true}
}

func totalVolume(levels []book.Entry) decimal.Decimal {
	return lo.Reduce(levels, func(acc decimal.Decimal, e book.Entry, _ int) decimal.Decimal {
		return acc.Add(e.Size)
	}, decimal.Zero)
}
