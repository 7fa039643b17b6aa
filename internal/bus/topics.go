package bus

import (
	"encoding/json"
	"fmt"

	"qb-trader/pkg/types"
)

// Topic is a named channel on the event bus. The set is closed: every topic
// carries exactly one envelope payload type, registered in payloadCodecs.
type Topic string

const (
	TopicMarketData         Topic = "market_data_received"
	TopicCandleClosed       Topic = "candle_closed"
	TopicIndicatorsUpdated  Topic = "indicators_updated"
	TopicTradingSignal      Topic = "trading_signal"
	TopicOrderPlaced        Topic = "order_placed"
	TopicOrderPartial       Topic = "order_partially_executed"
	TopicOrderFilled        Topic = "order_fully_executed"
	TopicOrderFailed        Topic = "order_failed"
	TopicOrderCancelled     Topic = "order_cancelled"
	TopicPositionUpdated    Topic = "position_updated"
	TopicRiskAlert          Topic = "risk_alert"
	TopicEmergencyStop      Topic = "emergency_stop"
	TopicHeartbeat          Topic = "heartbeat"
	TopicSystemStatus       Topic = "system_status"
	TopicStrategyActivated  Topic = "strategy_activated"
	TopicStrategyDeactivate Topic = "strategy_deactivated"
	TopicQualityIssue       Topic = "quality_issue"
	TopicPartialFillStalled Topic = "partial_fill_stalled"

	// TopicRiskCheck is the request/response topic for synchronous risk
	// decisions. It is never fan-out published; use Request.
	TopicRiskCheck Topic = "risk_check"
)

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// payloadCodecs maps each topic to the decoder for its payload type. Broker
// transports use this to rebuild typed payloads from wire envelopes.
var payloadCodecs = map[Topic]func(json.RawMessage) (any, error){
	TopicMarketData:         decodeAs[types.MarketTick],
	TopicCandleClosed:       decodeAs[types.Candle],
	TopicIndicatorsUpdated:  decodeAs[types.IndicatorSnapshot],
	TopicTradingSignal:      decodeAs[types.TradingSignal],
	TopicOrderPlaced:        decodeAs[OrderEvent],
	TopicOrderPartial:       decodeAs[OrderEvent],
	TopicOrderFilled:        decodeAs[OrderEvent],
	TopicOrderFailed:        decodeAs[OrderEvent],
	TopicOrderCancelled:     decodeAs[OrderEvent],
	TopicPositionUpdated:    decodeAs[types.Position],
	TopicRiskAlert:          decodeAs[RiskAlert],
	TopicEmergencyStop:      decodeAs[EmergencyStopEvent],
	TopicHeartbeat:          decodeAs[Heartbeat],
	TopicSystemStatus:       decodeAs[SystemStatus],
	TopicStrategyActivated:  decodeAs[StrategyEvent],
	TopicStrategyDeactivate: decodeAs[StrategyEvent],
	TopicQualityIssue:       decodeAs[QualityIssue],
	TopicPartialFillStalled: decodeAs[PartialFillStall],
	TopicRiskCheck:          decodeAs[types.RiskCheckRequest],
}

// decodePayload rebuilds the typed payload for a topic from raw JSON.
func decodePayload(topic Topic, raw json.RawMessage) (any, error) {
	dec, ok := payloadCodecs[topic]
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	return dec(raw)
}
