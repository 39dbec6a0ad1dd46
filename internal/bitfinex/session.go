package bitfinex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bfx-impact/internal/book"
	"bfx-impact/internal/metrics"
	"bfx-impact/internal/pricing"
)

var (
	ErrConnection    = errors.New("feed connection failed")
	ErrSend          = errors.New("feed send failed")
	ErrFeedTimeout   = errors.New("no book snapshot before timeout")
	ErrSubscribe     = errors.New("venue rejected subscription")
	ErrSessionClosed = errors.New("feed session closed")
)

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	SnapshotTimeout  time.Duration
	// ReadTimeout bounds the silence between two inbound frames. The venue
	// heartbeats every channel, so a quiet socket is a dead one.
	ReadTimeout time.Duration
}

// Client opens feed sessions against one venue endpoint. It holds no
// per-session state and is safe to share.
type Client struct {
	opts Options
	log  *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	return &Client{opts: opts, log: logger}
}

// Open dials the venue and starts dispatching inbound frames. The caller owns
// the returned Session and must Close it.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	conn, _, err := d.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		metrics.SessionErrors.WithLabelValues("connection").Inc()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	s := &Session{
		conn:        conn,
		log:         c.log.With(slog.String("session", uuid.NewString())),
		readTimeout: c.opts.ReadTimeout,
		replica:     book.NewReplica(),
		ready:       make(chan struct{}),
		updates:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Inc()
	s.log.Debug("feed connection open", slog.String("url", c.opts.URL))
	go s.readLoop()
	return s, nil
}

// WithSession runs fn against a subscribed session whose book holds a
// snapshot. The session is closed on every return path.
func (c *Client) WithSession(ctx context.Context, spec SubscriptionSpec, fn func(*Session) error) error {
	s, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Subscribe(spec); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.SnapshotTimeout)
	defer cancel()
	if err := s.WaitReady(waitCtx); err != nil {
		return err
	}
	return fn(s)
}

// Fetch returns a point-in-time copy of the book. The session is released as
// soon as the snapshot is in.
func (c *Client) Fetch(ctx context.Context, spec SubscriptionSpec) (*book.Replica, error) {
	var r *book.Replica
	err := c.WithSession(ctx, spec, func(s *Session) error {
		r = s.Book()
		return nil
	})
	return r, err
}

// Session is one websocket connection carrying one book channel. Frames are
// applied to the replica in arrival order by a single read goroutine.
type Session struct {
	conn        *websocket.Conn
	log         *slog.Logger
	readTimeout time.Duration

	writeMu sync.Mutex

	mu           sync.Mutex
	replica      *book.Replica
	spec         SubscriptionSpec
	subscribed   bool
	subscribedAt time.Time
	channel      string
	chanID       int64
	acked        bool
	err          error
	readyFired   bool

	ready   chan struct{} // closed once the replica first reports ready
	updates chan struct{}
	done    chan struct{} // closed when the read loop exits

	closing   atomic.Bool
	closeOnce sync.Once
}

// Subscribe sends spec to the venue. The session counts as subscribed as soon
// as the request is written; the acknowledgement arrives as a frame.
func (s *Session) Subscribe(spec SubscriptionSpec) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %w", ErrSend, ErrSessionClosed)
	default:
	}
	s.mu.Lock()
	already := s.subscribed
	s.mu.Unlock()
	if already {
		return fmt.Errorf("%w: session already subscribed", ErrSend)
	}

	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	msg, err := MarshalSubscription(spec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, msg)
	s.writeMu.Unlock()
	if err != nil {
		metrics.SessionErrors.WithLabelValues("send").Inc()
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	s.mu.Lock()
	s.spec = spec
	s.subscribed = true
	s.subscribedAt = time.Now()
	s.mu.Unlock()
	s.log.Debug("subscribe sent", slog.String("channel", spec.Channel), slog.String("symbol", spec.Symbol))
	return nil
}

// WaitReady blocks until the replica is ready (a snapshot is in and at least
// one level is present), the session fails, or ctx ends. A ctx deadline surfaces as ErrFeedTimeout.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		select {
		case <-s.ready:
			return nil
		default:
		}
		return s.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.SessionErrors.WithLabelValues("timeout").Inc()
			return fmt.Errorf("%w: %w", ErrFeedTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// Ready is closed once the replica first reports ready.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session stops receiving frames.
func (s *Session) Done() <-chan struct{} { return s.done }

// Updates signals, coalesced, that at least one frame was applied since the
// last receive.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Err reports why the session stopped. It is nil while frames still flow.
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrSessionClosed
	}
	return s.err
}

// Channel returns the acknowledged channel name and id.
func (s *Session) Channel() (string, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, s.chanID, s.acked
}

// Book returns a copy of the replica that the caller may read freely.
func (s *Session) Book() *book.Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Clone()
}

func (s *Session) Tips() pricing.TopOfBook {
	return pricing.Tips(s.Book())
}

func (s *Session) EffectivePrice(req pricing.Request) (pricing.Result, error) {
	return pricing.EffectivePrice(s.Book(), req)
}

// Close releases the connection and waits for the read loop to exit. It is
// safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-s.done
		metrics.SessionsActive.Dec()
		s.log.Debug("feed session closed")
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.stop(err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) stop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if s.closing.Load() {
		s.err = ErrSessionClosed
		return
	}
	s.err = fmt.Errorf("%w: %w", ErrConnection, err)
	s.log.Warn("feed read failed", slog.String("err", err.Error()))
}

// handleFrame dispatches one inbound frame: object frames are events, array
// frames carry channel data.
func (s *Session) handleFrame(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	switch raw[0] {
	case '{':
		s.handleEvent(raw)
	case '[':
		s.handleData(raw)
	default:
		metrics.FramesTotal.WithLabelValues("ignored").Inc()
	}
}

func (s *Session) handleEvent(raw []byte) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.log.Warn("undecodable event", slog.String("err", err.Error()))
		return
	}
	metrics.FramesTotal.WithLabelValues("event").Inc()

	switch ev.Event {
	case eventSubscribed:
		s.mu.Lock()
		s.channel = ev.Channel
		s.chanID = ev.ChanID
		s.acked = true
		s.mu.Unlock()
		s.log.Info("subscribed",
			slog.String("channel", ev.Channel),
			slog.Int64("chan_id", ev.ChanID),
			slog.String("symbol", ev.Symbol),
		)
	case eventError:
		metrics.SessionErrors.WithLabelValues("subscribe").Inc()
		s.mu.Lock()
		if s.err == nil {
			s.err = fmt.Errorf("%w: %s (code %d)", ErrSubscribe, ev.Msg, ev.Code)
		}
		s.mu.Unlock()
		s.log.Warn("venue error event", slog.String("msg", ev.Msg), slog.Int("code", ev.Code))
		_ = s.conn.Close()
	case eventInfo:
		s.log.Debug("venue info", slog.Int("version", ev.Version))
	default:
		s.log.Debug("unhandled event", slog.String("event", ev.Event))
	}
}

func (s *Session) handleData(raw []byte) {
	f, err := parseDataFrame(raw)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		s.log.Warn("undecodable data frame", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	if !s.acked || f.ChanID != s.chanID {
		s.mu.Unlock()
		metrics.FramesTotal.WithLabelValues("ignored").Inc()
		return
	}
	kind, err := s.replica.Apply(f.Payload)
	since := s.subscribedAt
	becameReady := err == nil && !s.readyFired && s.replica.IsReady()
	if becameReady {
		s.readyFired = true
	}
	s.mu.Unlock()

	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		s.log.Warn("book frame rejected", slog.String("kind", kind.String()), slog.String("err", err.Error()))
		return
	}
	metrics.FramesTotal.WithLabelValues(kind.String()).Inc()

	if kind == book.FrameControl {
		return
	}
	if kind == book.FrameSnapshot {
		s.log.Debug("book snapshot applied", slog.Int("levels", s.Book().Len()))
	}
	if becameReady {
		metrics.SnapshotWait.Observe(time.Since(since).Seconds())
		close(s.ready)
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
