package metrics

import (
	"io"
	"log/slog"
	"testing"
)

func TestInitRegistersCollectors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for i := 0; i < 2; i++ {
		reg := Init(logger)
		SessionsOpened.Inc()
		QueriesTotal.WithLabelValues("tips", "ok").Inc()
		families, err := reg.Gather()
		if err != nil {
			t.Fatal(err)
		}
		names := map[string]bool{}
		for _, f := range families {
			names[f.GetName()] = true
		}
		for _, want := range []string{"feed_sessions_opened_total", "book_queries_total", "go_goroutines"} {
			if !names[want] {
				t.Fatalf("registry %d missing %s", i, want)
			}
		}
	}
}
