package bitfinex

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

const (
	ChannelBook = "book"

	eventSubscribe  = "subscribe"
	eventSubscribed = "subscribed"
	eventInfo       = "info"
	eventError      = "error"
)

// SubscriptionSpec is the book subscription sent verbatim to the venue.
type SubscriptionSpec struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Freq    string `json:"freq"`
	Len     string `json:"len"`
	Prec    string `json:"prec"`
}

// BookSpec builds a book-channel subscription.
func BookSpec(symbol, prec, freq, length string) SubscriptionSpec {
	return SubscriptionSpec{Channel: ChannelBook, Symbol: symbol, Prec: prec, Freq: freq, Len: length}
}

// Aggregated book settings. Raw books (R0) carry order ids instead of counts
// and are not supported.
var (
	bookPrecisions  = []string{"P0", "P1", "P2", "P3", "P4"}
	bookFrequencies = []string{"F0", "F1"}
	bookLengths     = []string{"1", "25", "100", "250"}
)

// Validate checks that spec asks for an aggregated book the replica can read.
func (s SubscriptionSpec) Validate() error {
	switch {
	case s.Channel != ChannelBook:
		return fmt.Errorf("unsupported channel %q", s.Channel)
	case !slices.Contains(bookPrecisions, s.Prec):
		return fmt.Errorf("prec must be one of %v, got %q", bookPrecisions, s.Prec)
	case !slices.Contains(bookFrequencies, s.Freq):
		return fmt.Errorf("freq must be one of %v, got %q", bookFrequencies, s.Freq)
	case !slices.Contains(bookLengths, s.Len):
		return fmt.Errorf("len must be one of %v, got %q", bookLengths, s.Len)
	}
	return nil
}

type subscribeRequest struct {
	Event string `json:"event"`
	SubscriptionSpec
}

// MarshalSubscription encodes spec as a subscribe request.
func MarshalSubscription(spec SubscriptionSpec) ([]byte, error) {
	return json.Marshal(subscribeRequest{Event: eventSubscribe, SubscriptionSpec: spec})
}

// ParseSubscription decodes a subscribe request produced by MarshalSubscription.
func ParseSubscription(b []byte) (SubscriptionSpec, error) {
	var req subscribeRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return SubscriptionSpec{}, err
	}
	if req.Event != eventSubscribe {
		return SubscriptionSpec{}, fmt.Errorf("not a subscribe request: event %q", req.Event)
	}
	return req.SubscriptionSpec, nil
}

// event is any object frame: info, subscribed, error.
type event struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Msg     string `json:"msg"`
	Code    int    `json:"code"`
	Version int    `json:"version"`
}

// dataFrame is [chanId, payload, ...]. Checksum frames carry a third element.
type dataFrame struct {
	ChanID  int64
	Payload json.RawMessage
}

var errShortFrame = errors.New("data frame needs channel id and payload")

func parseDataFrame(b []byte) (dataFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return dataFrame{}, err
	}
	if len(parts) < 2 {
		return dataFrame{}, errShortFrame
	}
	var f dataFrame
	if err := json.Unmarshal(parts[0], &f.ChanID); err != nil {
		return dataFrame{}, fmt.Errorf("channel id: %w", err)
	}
	f.Payload = parts[1]
	return f, nil
}
