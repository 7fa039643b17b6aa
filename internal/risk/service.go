// service.go binds the checker to the bus: it answers risk_check requests
// and is the single responder for that topic.
package risk

import (
	"context"
	"log/slog"
	"time"

	"qb-trader/internal/bus"
	"qb-trader/pkg/types"
)

// Service exposes the rule chain over the bus request/response channel.
type Service struct {
	bus     bus.Bus
	checker *Checker
	logger  *slog.Logger
}

// NewService creates the risk-check responder.
func NewService(b bus.Bus, checker *Checker, logger *slog.Logger) *Service {
	return &Service{
		bus:     b,
		checker: checker,
		logger:  logger.With("component", "risk_service"),
	}
}

// Start registers the responder.
func (s *Service) Start() error {
	s.bus.Respond(bus.TopicRiskCheck, func(ctx context.Context, env bus.Envelope) (any, error) {
		req, ok := env.Payload.(types.RiskCheckRequest)
		if !ok {
			return reject(ReasonContextUnavailable), nil
		}
		start := time.Now()
		decision := s.checker.Check(req)
		s.logger.Info("risk check",
			"symbol", req.Order.Symbol,
			"side", req.Order.Side,
			"qty", req.Order.Quantity,
			"decision", decision.Decision,
			"reasons", decision.Reasons,
			"elapsed", time.Since(start),
		)
		return decision, nil
	})
	return nil
}
