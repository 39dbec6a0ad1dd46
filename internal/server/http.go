package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"bfx-impact/internal/bitfinex"
	"bfx-impact/internal/book"
	"bfx-impact/internal/config"
	"bfx-impact/internal/metrics"
	"bfx-impact/internal/pricing"
)

// BookFeed opens per-request feed sessions. *bitfinex.Client implements it.
type BookFeed interface {
	Fetch(ctx context.Context, spec bitfinex.SubscriptionSpec) (*book.Replica, error)
	WithSession(ctx context.Context, spec bitfinex.SubscriptionSpec, fn func(*bitfinex.Session) error) error
}

type HTTPServer struct {
	cfg  config.Config
	feed BookFeed
	reg  *prometheus.Registry
	log  *slog.Logger
	mux  *http.ServeMux
}

func NewHTTPServer(cfg config.Config, feed BookFeed, reg *prometheus.Registry, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:  cfg,
		feed: feed,
		reg:  reg,
		log:  logger,
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router is the mux wrapped in the request middleware chain.
func (s *HTTPServer) Router() http.Handler {
	var h http.Handler = s.mux
	h = limitBody(s.cfg.MaxBodyBytes, h)
	h = cors(s.cfg.CORSAllowedOrigins, h)
	h = logRequests(s.log, h)
	return requestID(h)
}

func (s *HTTPServer) routes() {
	s.mux.HandleFunc("/", s.notFound)

	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/tips", s.apiTips)
	s.mux.HandleFunc("/api/book", s.apiBook)
	s.mux.HandleFunc("/api/effective-price", s.apiEffectivePrice)

	// WS
	s.mux.HandleFunc("/ws/tips", s.serveTipsWS)

	s.mux.HandleFunc("/version", versionHandler)
	if s.reg != nil {
		s.mux.Handle("/metrics", metrics.Handler(s.reg))
	}
}

func (s *HTTPServer) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Service not found")
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type tipsResponse struct {
	Symbol string `json:"symbol"`
	pricing.TopOfBook
}

func (s *HTTPServer) apiTips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	spec, err := s.specFromQuery(r)
	if err != nil {
		s.fail(w, "tips", err)
		return
	}
	rep, err := s.feed.Fetch(r.Context(), spec)
	if err != nil {
		s.fail(w, "tips", err)
		return
	}
	metrics.QueriesTotal.WithLabelValues("tips", "ok").Inc()
	writeJSON(w, http.StatusOK, tipsResponse{Symbol: spec.Symbol, TopOfBook: pricing.Tips(rep)})
}

type bookRow struct {
	Rank int `json:"rank"`
	book.Entry
}

func (s *HTTPServer) apiBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	spec, err := s.specFromQuery(r)
	if err != nil {
		s.fail(w, "book", err)
		return
	}
	rep, err := s.feed.Fetch(r.Context(), spec)
	if err != nil {
		s.fail(w, "book", err)
		return
	}
	ranked := func(e book.Entry, i int) bookRow { return bookRow{Rank: i, Entry: e} }
	metrics.QueriesTotal.WithLabelValues("book", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":       spec.Symbol,
		"messageCount": rep.MessageCount(),
		"bids":         lo.Map(rep.Bids(), ranked),
		"asks":         lo.Map(rep.Asks(), ranked),
	})
}

type effectivePriceRequest struct {
	Symbol     string           `json:"symbol"`
	Prec       string           `json:"prec,omitempty"`
	Freq       string           `json:"freq,omitempty"`
	Len        string           `json:"len,omitempty"`
	Type       string           `json:"type"`
	Operation  string           `json:"operation"`
	Amount     *decimal.Decimal `json:"amount"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
}

type effectivePriceResponse struct {
	Symbol string `json:"symbol"`
	pricing.Result
}

// GET /api/effective-price?symbol=tBTCUSD&type=MARKET&operation=BUY&amount=1.5[&limitPrice=...]
// POST /api/effective-price with the same fields as JSON
func (s *HTTPServer) apiEffectivePrice(w http.ResponseWriter, r *http.Request) {
	var req effectivePriceRequest
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		req = effectivePriceRequest{
			Symbol:    q.Get("symbol"),
			Prec:      q.Get("prec"),
			Freq:      q.Get("freq"),
			Len:       q.Get("len"),
			Type:      q.Get("type"),
			Operation: q.Get("operation"),
		}
		var err error
		if req.Amount, err = optionalDecimal(q.Get("amount"), "amount"); err != nil {
			s.fail(w, "effective_price", err)
			return
		}
		if req.LimitPrice, err = optionalDecimal(q.Get("limitPrice"), "limitPrice"); err != nil {
			s.fail(w, "effective_price", err)
			return
		}
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.fail(w, "effective_price", badRequest("bad json: %v", err))
			return
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
		return
	}

	spec, err := s.spec(req.Symbol, req.Prec, req.Freq, req.Len)
	if err != nil {
		s.fail(w, "effective_price", err)
		return
	}
	preq, err := toPricingRequest(req)
	if err != nil {
		s.fail(w, "effective_price", err)
		return
	}

	var res pricing.Result
	err = s.feed.WithSession(r.Context(), spec, func(sess *bitfinex.Session) error {
		var err error
		res, err = sess.EffectivePrice(preq)
		return err
	})
	if err != nil {
		s.fail(w, "effective_price", err)
		return
	}
	outcome := lo.Ternary(res.Unfilled().IsPositive(), "partial", "filled")
	metrics.QueriesTotal.WithLabelValues("effective_price", outcome).Inc()
	writeJSON(w, http.StatusOK, effectivePriceResponse{Symbol: spec.Symbol, Result: res})
}

func toPricingRequest(req effectivePriceRequest) (pricing.Request, error) {
	if strings.TrimSpace(req.Type) == "" {
		return pricing.Request{}, badRequest("type required")
	}
	if strings.TrimSpace(req.Operation) == "" {
		return pricing.Request{}, badRequest("operation required")
	}
	if req.Amount == nil {
		return pricing.Request{}, badRequest("amount required")
	}
	out := pricing.Request{
		Type:      strings.ToUpper(strings.TrimSpace(req.Type)),
		Operation: strings.ToUpper(strings.TrimSpace(req.Operation)),
		Amount:    *req.Amount,
	}
	if req.LimitPrice != nil {
		out.LimitPrice = decimal.NullDecimal{Decimal: *req.LimitPrice, Valid: true}
	}
	return out, nil
}

func optionalDecimal(v, name string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, badRequest("%s must be a decimal number", name)
	}
	return &d, nil
}

var symbolPattern = regexp.MustCompile(`^[tf][A-Z0-9:]{3,}$`)

func (s *HTTPServer) specFromQuery(r *http.Request) (bitfinex.SubscriptionSpec, error) {
	q := r.URL.Query()
	return s.spec(q.Get("symbol"), q.Get("prec"), q.Get("freq"), q.Get("len"))
}

// spec validates the symbol, fills unset subscription fields from config and
// rejects book settings the replica cannot read.
func (s *HTTPServer) spec(symbol, prec, freq, length string) (bitfinex.SubscriptionSpec, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return bitfinex.SubscriptionSpec{}, badRequest("symbol required")
	}
	if !symbolPattern.MatchString(symbol) {
		return bitfinex.SubscriptionSpec{}, badRequest("symbol must look like tBTCUSD")
	}
	def := s.cfg.Subscription
	spec := bitfinex.BookSpec(symbol, lo.Ternary(prec == "", def.Prec, prec), lo.Ternary(freq == "", def.Freq, freq), lo.Ternary(length == "", def.Len, length))
	if err := spec.Validate(); err != nil {
		return bitfinex.SubscriptionSpec{}, badRequest("%v", err)
	}
	return spec, nil
}

// --------- Errors ----------

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, pricing.ErrUnsupportedOrderType),
		errors.Is(err, pricing.ErrUnsupportedOperation),
		errors.Is(err, pricing.ErrLimitPriceUnreachable),
		errors.Is(err, pricing.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, bitfinex.ErrFeedTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bitfinex.ErrConnection),
		errors.Is(err, bitfinex.ErrSend),
		errors.Is(err, bitfinex.ErrSubscribe):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, query string, err error) {
	status := statusFor(err)
	metrics.QueriesTotal.WithLabelValues(query, "error").Inc()
	if status >= http.StatusInternalServerError {
		s.log.Error("query failed", slog.String("query", query), slog.Int("status", status), slog.String("err", err.Error()))
	} else {
		s.log.Debug("query rejected", slog.String("query", query), slog.String("err", err.Error()))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": status, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
