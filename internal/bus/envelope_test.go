package bus

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 14, 0, 3, 0, 0, time.UTC)
	env := NewEnvelope(TopicCandleClosed, "pipeline", types.Candle{
		Symbol:   "005930",
		Interval: types.Interval1m,
		TS:       ts,
		Open:     decimal.RequireFromString("74900"),
		High:     decimal.RequireFromString("75100"),
		Low:      decimal.RequireFromString("74850"),
		Close:    decimal.RequireFromString("75050"),
		Volume:   12345,
	})
	env.CorrelationID = "corr-1"

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Topic != env.Topic || got.SourceID != env.SourceID || got.CorrelationID != env.CorrelationID {
		t.Errorf("header mismatch: %+v vs %+v", got, env)
	}
	if !got.TS.Equal(env.TS) {
		t.Errorf("ts = %v, want %v", got.TS, env.TS)
	}

	candle, ok := got.Payload.(types.Candle)
	if !ok {
		t.Fatalf("payload type = %T, want types.Candle", got.Payload)
	}
	want := env.Payload.(types.Candle)
	if candle.Symbol != want.Symbol || candle.Interval != want.Interval ||
		!candle.Close.Equal(want.Close) || !candle.Open.Equal(want.Open) ||
		!candle.High.Equal(want.High) || !candle.Low.Equal(want.Low) ||
		candle.Volume != want.Volume || !candle.TS.Equal(want.TS) {
		t.Errorf("candle round-trip mismatch:\n got %+v\nwant %+v", candle, want)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	env := NewEnvelope(TopicHeartbeat, "x", Heartbeat{SourceID: "x", TS: time.Now().UTC()})
	env.Version = 9
	data, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); err == nil {
		t.Error("unknown version must be rejected")
	}
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"topic":"bogus","version":1,"payload":{}}`)); err == nil {
		t.Error("unknown topic must be rejected")
	}
}

func TestEveryTopicHasACodec(t *testing.T) {
	t.Parallel()

	required := []Topic{
		TopicMarketData, TopicCandleClosed, TopicIndicatorsUpdated,
		TopicTradingSignal, TopicOrderPlaced, TopicOrderPartial,
		TopicOrderFilled, TopicOrderFailed, TopicOrderCancelled,
		TopicPositionUpdated, TopicRiskAlert, TopicEmergencyStop,
		TopicHeartbeat, TopicSystemStatus, TopicStrategyActivated,
		TopicStrategyDeactivate, TopicRiskCheck,
	}
	for _, topic := range required {
		if _, ok := payloadCodecs[topic]; !ok {
			t.Errorf("topic %q has no payload codec", topic)
		}
	}
}
