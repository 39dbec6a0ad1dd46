// Package bfxtest runs an in-process stand-in for the venue's public
// websocket, for tests and local demos.
package bfxtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Venue answers one subscribe request per connection with an ack, a
// heartbeat, Snapshot and then Deltas, all on ChanID. Frames passed to Push
// are forwarded to connected clients afterwards.
type Venue struct {
	ChanID   int64
	Snapshot string   // JSON payload, e.g. `[[100,1,-5]]`
	Deltas   []string // JSON payloads, e.g. `[100,2,-6]`
	Reject   string   // when set, reply to subscribe with an error event
	Silent   bool     // ack but never send book data

	srv  *httptest.Server
	push chan string

	mu       sync.Mutex
	requests []json.RawMessage
	active   int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start listens on a loopback port.
func (v *Venue) Start() {
	v.push = make(chan string, 64)
	v.srv = httptest.NewServer(http.HandlerFunc(v.serve))
}

func (v *Venue) Close() { v.srv.Close() }

// URL is the ws:// address of the venue.
func (v *Venue) URL() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http") + "/ws/2"
}

// Push queues a payload to send on ChanID to a connected client.
func (v *Venue) Push(payload string) { v.push <- payload }

// Requests returns the raw subscribe requests received so far.
func (v *Venue) Requests() []json.RawMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]json.RawMessage(nil), v.requests...)
}

// Active is the number of client connections still open.
func (v *Venue) Active() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// WaitIdle waits until every client connection has gone away.
func (v *Venue) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v.Active() == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return v.Active() == 0
}

func (v *Venue) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	v.mu.Lock()
	v.active++
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.active--
		v.mu.Unlock()
	}()

	write := func(s string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(s))
	}
	_ = write(`{"event":"info","version":2,"platform":{"status":1}}`)

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	v.mu.Lock()
	v.requests = append(v.requests, json.RawMessage(msg))
	v.mu.Unlock()

	var req struct {
		Channel string `json:"channel"`
		Symbol  string `json:"symbol"`
	}
	_ = json.Unmarshal(msg, &req)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if v.Reject != "" {
		_ = write(fmt.Sprintf(`{"event":"error","msg":%q,"code":10300}`, v.Reject))
		<-gone
		return
	}

	_ = write(fmt.Sprintf(`{"event":"subscribed","channel":%q,"chanId":%d,"symbol":%q}`, req.Channel, v.ChanID, req.Symbol))
	// foreign channel traffic the client must ignore
	_ = write(fmt.Sprintf(`[%d,[[1,1,1]]]`, v.ChanID+1))
	_ = write(fmt.Sprintf(`[%d,"hb"]`, v.ChanID))
	if !v.Silent {
		_ = write(fmt.Sprintf(`[%d,%s]`, v.ChanID, v.Snapshot))
		for _, d := range v.Deltas {
			_ = write(fmt.Sprintf(`[%d,%s]`, v.ChanID, d))
		}
		_ = write(fmt.Sprintf(`[%d,"cs",-1234567]`, v.ChanID))
	}

	for {
		select {
		case p := <-v.push:
			if err := write(fmt.Sprintf(`[%d,%s]`, v.ChanID, p)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
