package book

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"
)

// ErrMalformedPayload is returned when a frame payload does not have the shape
// the replica expects for its current state.
var ErrMalformedPayload = errors.New("malformed book payload")

// Replica is the in-memory copy of one channel's order book.
//
// The first applied payload is the snapshot (a list of [price, count, amount]
// triples); every later payload is a single triple that overwrites the level at
// its price. A Replica is not safe for concurrent use; the feed session that
// owns it serializes access.
type Replica struct {
	levels       map[string]Level
	messageCount uint64
	ready        bool
}

func NewReplica() *Replica {
	return &Replica{levels: make(map[string]Level)}
}

// Apply consumes one frame payload. Control sentinels ("hb", "cs") are
// recognized and ignored. A payload that fails to parse leaves the replica
// untouched.
func (r *Replica) Apply(payload json.RawMessage) (FrameKind, error) {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 {
		return FrameControl, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if p[0] == '"' {
		return FrameControl, nil
	}

	if r.messageCount == 0 {
		var rows []json.RawMessage
		if err := json.Unmarshal(p, &rows); err != nil {
			return FrameSnapshot, fmt.Errorf("%w: snapshot: %v", ErrMalformedPayload, err)
		}
		parsed := make([]Level, 0, len(rows))
		for i, row := range rows {
			lvl, err := ParseLevel(row)
			if err != nil {
				return FrameSnapshot, fmt.Errorf("snapshot row %d: %w", i, err)
			}
			parsed = append(parsed, lvl)
		}
		for _, lvl := range parsed {
			r.upsert(lvl)
		}
		r.messageCount = 1
		r.markReady()
		return FrameSnapshot, nil
	}

	lvl, err := ParseLevel(p)
	if err != nil {
		return FrameDelta, fmt.Errorf("delta: %w", err)
	}
	r.upsert(lvl)
	r.messageCount++
	r.markReady()
	return FrameDelta, nil
}

// markReady latches readiness once a snapshot is in and the book holds at
// least one level. An empty snapshot leaves the replica waiting for a delta.
func (r *Replica) markReady() {
	if r.messageCount >= 1 && len(r.levels) > 0 {
		r.ready = true
	}
}

// ParseLevel decodes a [price, count, amount] triple. Price and amount may be
// JSON numbers or strings; both are read as exact decimals.
func ParseLevel(raw json.RawMessage) (Level, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Level{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(parts) != 3 {
		return Level{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedPayload, len(parts))
	}
	var lvl Level
	if err := lvl.Price.UnmarshalJSON(parts[0]); err != nil {
		return Level{}, fmt.Errorf("%w: price: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(parts[1], &lvl.Count); err != nil {
		return Level{}, fmt.Errorf("%w: count: %v", ErrMalformedPayload, err)
	}
	if err := lvl.Amount.UnmarshalJSON(parts[2]); err != nil {
		return Level{}, fmt.Errorf("%w: amount: %v", ErrMalformedPayload, err)
	}
	return lvl, nil
}

// upsert overwrites the level at lvl.Price. A zero amount or a zero count
// removes the level.
func (r *Replica) upsert(lvl Level) {
	k := priceKey(lvl.Price)
	if lvl.Amount.IsZero() || lvl.Count == 0 {
		delete(r.levels, k)
		return
	}
	r.levels[k] = lvl
}

// IsReady reports whether a snapshot has been applied and the book has held at
// least one level since. It stays true once set.
func (r *Replica) IsReady() bool { return r.ready }

func (r *Replica) MessageCount() uint64 { return r.messageCount }

// Len is the number of price levels on both sides.
func (r *Replica) Len() int { return len(r.levels) }

// Level returns the stored level at price, if any.
func (r *Replica) Level(price decimal.Decimal) (Level, bool) {
	lvl, ok := r.levels[priceKey(price)]
	return lvl, ok
}

// Bids returns bid levels, best (highest) price first.
func (r *Replica) Bids() []Entry {
	return r.side(BidComparator, Level.IsBid)
}

// Asks returns ask levels, best (lowest) price first, sizes as absolute values.
func (r *Replica) Asks() []Entry {
	return r.side(AskComparator, Level.IsAsk)
}

// side builds the ordered projection fresh on every call.
func (r *Replica) side(cmp func(a, b interface{}) int, keep func(Level) bool) []Entry {
	tree := rbt.NewWith(cmp)
	for _, lvl := range r.levels {
		if keep(lvl) {
			tree.Put(lvl.Price, lvl)
		}
	}
	out := make([]Entry, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		lvl := it.Value().(Level)
		out = append(out, Entry{Price: lvl.Price, Count: lvl.Count, Size: lvl.Amount.Abs()})
	}
	return out
}

// Clone returns an independent copy, suitable for reading outside the owner.
func (r *Replica) Clone() *Replica {
	c := &Replica{
		levels:       make(map[string]Level, len(r.levels)),
		messageCount: r.messageCount,
		ready:        r.ready,
	}
	for k, v := range r.levels {
		c.levels[k] = v
	}
	return c
}

// priceKey normalizes a Decimal so numerically equal prices ("100" and
// "100.00") address the same level.
func priceKey(p decimal.Decimal) string {
	return p.String()
}

func AskComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

func BidComparator(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}
