package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bfx-impact/internal/bitfinex"
	"bfx-impact/internal/metrics"
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout:  10 * time.Second,
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

// serveTipsWS streams the tips of one book. Each client gets its own feed
// session, which lives exactly as long as the client connection.
//
//	GET /ws/tips?symbol=tBTCUSD[&prec=P0&freq=F0&len=25]
func (s *HTTPServer) serveTipsWS(w http.ResponseWriter, r *http.Request) {
	spec, err := s.specFromQuery(r)
	if err != nil {
		s.fail(w, "tips_stream", err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws upgrade", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	// r.Context is not canceled for hijacked connections; readPump does that.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	err = s.feed.WithSession(ctx, spec, func(sess *bitfinex.Session) error {
		return pushTips(ctx, conn, spec.Symbol, sess)
	})
	if err != nil && ctx.Err() == nil {
		metrics.QueriesTotal.WithLabelValues("tips_stream", "error").Inc()
		s.log.Warn("tips stream ended", slog.String("symbol", spec.Symbol), slog.String("err", err.Error()))
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, marshalWS("error", map[string]any{
			"status":  statusFor(err),
			"message": err.Error(),
		}))
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// pushTips writes the current tips, then again after every coalesced book
// update, until the client or the feed goes away.
func pushTips(ctx context.Context, conn *websocket.Conn, symbol string, sess *bitfinex.Session) error {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	send := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, marshalWS("tips", tipsResponse{Symbol: symbol, TopOfBook: sess.Tips()}))
	}
	if err := send(); err != nil {
		return nil
	}
	metrics.QueriesTotal.WithLabelValues("tips_stream", "ok").Inc()
	for {
		select {
		case <-sess.Updates():
			if err := send(); err != nil {
				return nil
			}
		case <-sess.Done():
			return sess.Err()
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// readPump drains client frames and cancels once the client is gone.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func marshalWS(t string, v any) []byte {
	b, _ := json.Marshal(wsMessage{Type: t, Data: v})
	return b
}
