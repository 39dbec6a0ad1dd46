// Command bookprobe opens one feed session, prints the tips of the book and,
// when -amount is set, the effective price of a simulated market order.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"bfx-impact/internal/bitfinex"
	"bfx-impact/internal/config"
	"bfx-impact/internal/pricing"
)

func main() {
	_ = godotenv.Load()

	def := config.Defaults()
	if v := os.Getenv("BFX_IMPACT_FEED_URL"); v != "" {
		def.FeedURL = v
	}
	url := flag.String("url", def.FeedURL, "venue websocket URL")
	symbol := flag.String("symbol", "tBTCUSD", "trading pair")
	prec := flag.String("prec", def.Subscription.Prec, "book precision")
	freq := flag.String("freq", def.Subscription.Freq, "update frequency")
	length := flag.String("len", def.Subscription.Len, "levels per side")
	op := flag.String("op", pricing.OpBuy, "BUY or SELL")
	amount := flag.String("amount", "", "order amount; empty prints tips only")
	limit := flag.String("limit", "", "optional limit price")
	timeout := flag.Duration("timeout", 15*time.Second, "overall deadline")
	flag.Parse()

	req := pricing.Request{Type: pricing.OrderTypeMarket, Operation: *op}
	if *amount != "" {
		a, err := decimal.NewFromString(*amount)
		if err != nil {
			log.Fatalf("-amount: %v", err)
		}
		req.Amount = a
	}
	if *limit != "" {
		l, err := decimal.NewFromString(*limit)
		if err != nil {
			log.Fatalf("-limit: %v", err)
		}
		req.LimitPrice = decimal.NewNullDecimal(l)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := config.NewLogger("warn")
	client := bitfinex.NewClient(bitfinex.Options{URL: *url}, logger)
	spec := bitfinex.BookSpec(*symbol, *prec, *freq, *length)

	out := map[string]any{"symbol": *symbol}
	err := client.WithSession(ctx, spec, func(s *bitfinex.Session) error {
		out["tips"] = s.Tips()
		if *amount == "" {
			return nil
		}
		res, err := s.EffectivePrice(req)
		if err != nil {
			return err
		}
		out["order"] = res
		return nil
	})
	if err != nil {
		log.Fatalf("probe %s: %v", *symbol, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal(err)
	}
}
