package bus

import (
	"time"

	"qb-trader/pkg/types"
)

// OrderEvent is the payload for all order lifecycle topics. Fill is present
// on execution events and nil on placement, failure, and cancellation.
type OrderEvent struct {
	Order types.Order `json:"order"`
	Fill  *types.Fill `json:"fill,omitempty"`
}

// RiskAlert is published by the portfolio monitor when a metric crosses a
// warning or critical threshold.
type RiskAlert struct {
	Metric    string    `json:"metric"`
	Severity  string    `json:"severity"` // "warning" or "critical"
	Value     string    `json:"value"`    // decimal string
	Threshold string    `json:"threshold"`
	Message   string    `json:"message"`
	TS        time.Time `json:"ts"`
}

// EmergencyStopEvent is published when the emergency stop arms or disarms.
type EmergencyStopEvent struct {
	Armed  bool      `json:"armed"`
	Reason string    `json:"reason"`
	TS     time.Time `json:"ts"`
}

// Heartbeat is self-published by each component every 30 s.
type Heartbeat struct {
	SourceID string    `json:"source_id"`
	TS       time.Time `json:"ts"`
}

// SystemStatus reports component health transitions. Status is one of
// "ok", "degraded", "error".
type SystemStatus struct {
	Component string    `json:"component"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	TS        time.Time `json:"ts"`
}

// StrategyEvent is published on strategy activation and deactivation.
type StrategyEvent struct {
	Name   string    `json:"name"`
	Reason string    `json:"reason,omitempty"`
	TS     time.Time `json:"ts"`
}

// QualityIssue reports a tick dropped or flagged by the pipeline's gates.
type QualityIssue struct {
	Symbol   string    `json:"symbol"`
	Gate     string    `json:"gate"`
	Severity string    `json:"severity"` // "critical" drops, "high" warns
	Detail   string    `json:"detail"`
	TS       time.Time `json:"ts"`
}

// PartialFillStall reports a partially filled order with no fills for longer
// than the configured threshold.
type PartialFillStall struct {
	OrderID      string    `json:"order_id"`
	Symbol       string    `json:"symbol"`
	FilledQty    int64     `json:"filled_qty"`
	RemainingQty int64     `json:"remaining_qty"`
	SinceLast    string    `json:"since_last_fill"`
	TS           time.Time `json:"ts"`
}
