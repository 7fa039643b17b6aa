package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "005930", want: "005930"},
		{in: "005930.KS", want: "005930"},
		{in: "035420.kq", want: "035420"},
		{in: "A005930", want: "005930"},
		{in: " 000660 ", want: "000660"},
		{in: "5930", wantErr: true},
		{in: "00593A", wantErr: true},
		{in: "", wantErr: true},
		{in: "0059301", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Canonicalize(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Canonicalize(%q): want error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Canonicalize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTick(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 14, 0, 3, 0, 0, time.UTC)
	raw := rawTick{
		Code:   "005930.KS",
		TSMs:   ts.UnixMilli(),
		Open:   "74900",
		High:   "75100",
		Low:    "74850",
		Close:  "75050",
		Volume: 12345,
	}

	tick, err := normalizeTick(raw, "stream")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if tick.Symbol != "005930" {
		t.Errorf("symbol = %q, want 005930", tick.Symbol)
	}
	if !tick.TS.Equal(ts) {
		t.Errorf("ts = %v, want %v", tick.TS, ts)
	}
	if !tick.Close.Equal(decimal.NewFromInt(75050)) {
		t.Errorf("close = %s, want 75050", tick.Close)
	}
	if tick.Source != "stream" {
		t.Errorf("source = %q, want stream", tick.Source)
	}
}

func TestNormalizeTickRejectsIncomplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  rawTick
	}{
		{name: "missing close", raw: rawTick{Code: "005930", TSMs: 1700000000000}},
		{name: "missing ts", raw: rawTick{Code: "005930", Close: "75000"}},
		{name: "bad symbol", raw: rawTick{Code: "SAMSUNG", TSMs: 1700000000000, Close: "75000"}},
		{name: "unparseable price", raw: rawTick{Code: "005930", TSMs: 1700000000000, Close: "seventy"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := normalizeTick(tt.raw, "test"); err == nil {
				t.Error("want rejection, got none")
			}
		})
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	var b backoff
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("step %d = %v, want %v", i, got, w)
		}
	}
	b.reset()
	if got := b.next(); got != time.Second {
		t.Errorf("after reset = %v, want 1s", got)
	}
}

func TestFailureBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f := newFailures()
	f.now = func() time.Time { return now }

	// Four failures stay inside the budget; the fifth exhausts it.
	for i := 0; i < failureBudget-1; i++ {
		if f.record() {
			t.Fatalf("budget exhausted after %d failures", i+1)
		}
		now = now.Add(time.Minute)
	}
	if !f.record() {
		t.Fatal("fifth failure within the window must exhaust the budget")
	}

	// Old failures age out of the 10-minute window.
	f.reset()
	for i := 0; i < failureBudget-1; i++ {
		f.record()
		now = now.Add(time.Minute)
	}
	now = now.Add(failureWindow) // everything recorded is now stale
	if f.record() {
		t.Error("stale failures must not count against the budget")
	}
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	base := 10 * time.Second
	lo, hi := 9*time.Second, 11*time.Second
	for i := 0; i < 200; i++ {
		if d := jitter(base); d < lo || d > hi {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", base, d, lo, hi)
		}
	}
}

func TestMockReplaysSubscribedSymbolsOnly(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 14, 0, 3, 0, 0, time.UTC)
	script := []types.MarketTick{
		{Symbol: "005930", TS: ts, Close: decimal.NewFromInt(75000), Source: "mock"},
		{Symbol: "000660", TS: ts, Close: decimal.NewFromInt(180000), Source: "mock"},
		{Symbol: "005930", TS: ts.Add(time.Second), Close: decimal.NewFromInt(75100), Source: "mock"},
	}
	m := NewMock(script)
	if err := m.Subscribe("005930"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var got []types.MarketTick
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case tick := <-m.Ticks():
			got = append(got, tick)
		case <-deadline:
			t.Fatalf("timed out: got %d ticks", len(got))
		}
	}

	for _, tick := range got {
		if tick.Symbol != "005930" {
			t.Errorf("unsubscribed symbol delivered: %s", tick.Symbol)
		}
	}

	select {
	case ev := <-m.Health():
		if ev.State != HealthHeartbeat {
			t.Errorf("health = %s, want heartbeat", ev.State)
		}
	case <-time.After(time.Second):
		t.Error("no health event")
	}
}
