package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/config"
	"github.com/granulate/gprofiler-go/internal/common/logger"
)

// NATSEventBus implements EventBus over a NATS connection, for deployments
// that run several gprofiler-go agents publishing cycle telemetry onto a
// shared subject space.
type NATSEventBus struct {
	conn *nats.Conn
	log  *logger.Logger
	cfg  config.TelemetryConfig
}

// NewNATSEventBus connects to the configured NATS server with bounded
// reconnect attempts and a buffered reconnect queue, logging connection
// state transitions as they happen.
func NewNATSEventBus(cfg config.TelemetryConfig, log *logger.Logger) (*NATSEventBus, error) {
	bus := &NATSEventBus{log: log, cfg: cfg}

	opts := []nats.Option{
		nats.Name(cfg.NATSClientID),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS telemetry bus disconnected", zap.Error(err))
			} else {
				log.Info("NATS telemetry bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS telemetry bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS telemetry connection closed", zap.Error(err))
			} else {
				log.Info("NATS telemetry connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS telemetry bus error", fields...)
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	bus.conn = conn
	log.Info("connected to NATS telemetry bus", zap.String("url", cfg.NATSURL))
	return bus, nil
}

func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Error("failed to publish telemetry event", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish telemetry event: %w", err)
	}
	return nil
}

func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) msgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("failed to unmarshal telemetry event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Error("telemetry handler failed", zap.String("subject", msg.Subject), zap.String("event_id", event.ID), zap.Error(err))
		}
	}
}

func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("error draining NATS telemetry connection", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) IsValid() bool      { return s.sub.IsValid() }
