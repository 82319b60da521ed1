package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(cfg config.NATSSinkConfig, logger *slog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("corrwatch-incidents"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("nats sink disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats sink: %w", err)
	}
	return &NATSSink{nc: nc, subject: cfg.Subject}, nil
}

func (n *NATSSink) Name() string { return "nats" }

func (n *NATSSink) Publish(ctx context.Context, inc *model.SecurityIncident) error {
	data, err := encode(inc)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set("Incident-Id", inc.IncidentID)
	msg.Header.Set("Severity", string(inc.Severity))
	msg.Header.Set("Rule", inc.Rule)
	if err := n.nc.PublishMsg(msg); err != nil {
		return err
	}
	return n.nc.FlushWithContext(ctx)
}

func (n *NATSSink) Close() error {
	return n.nc.Drain()
}
