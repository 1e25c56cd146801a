package telemetry

import (
	"fmt"

	"github.com/granulate/gprofiler-go/internal/common/config"
	"github.com/granulate/gprofiler-go/internal/common/logger"
)

// New constructs the configured EventBus backend: "memory" for a
// single-agent deployment, "nats" when several agents share one bus.
func New(cfg config.TelemetryConfig, log *logger.Logger) (EventBus, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryEventBus(log), nil
	case "nats":
		return NewNATSEventBus(cfg, log)
	default:
		return nil, fmt.Errorf("unknown telemetry backend %q", cfg.Backend)
	}
}
