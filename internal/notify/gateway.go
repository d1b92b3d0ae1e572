package notify

import (
	"context"

	"go.uber.org/zap"
)

// Gateway is the outbound messaging collaborator. Sends are fire-and-forget
// from the switch's point of view; failures are logged, never surfaced to
// the routing path.
type Gateway interface {
	Send(ctx context.Context, destination, body string) error
}

// LogGateway is the default Gateway: it records outbound notifications in
// the service log instead of delivering them. Useful for development and as
// a stand-in until an SMS provider is wired in.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway constructs a LogGateway.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

// Send logs the would-be message.
func (g *LogGateway) Send(_ context.Context, destination, body string) error {
	g.logger.Info("outbound notification",
		zap.String("destination", destination),
		zap.String("body", body))
	return nil
}
