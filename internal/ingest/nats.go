package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"corrwatch/internal/config"
	"corrwatch/internal/logging"
)

// StartNATS joins a queue group on <prefix>.* so several correlators can
// share a stream. The last subject token names the source kind.
func StartNATS(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.NATS
	if !current.Enabled {
		logger.Info("nats ingest disabled")
		return nil, nil
	}
	nc, err := nats.Connect(current.URL,
		nats.Name("corrwatch-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats ingest disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats ingest reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	subject := current.SubjectPrefix + ".*"
	_, err = nc.QueueSubscribe(subject, current.Queue, func(msg *nats.Msg) {
		rec, err := natsRecord(msg)
		if err != nil {
			logger.Warn("nats record rejected", "subject", msg.Subject, "err", err)
			return
		}
		pipeline.Submit(rec)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	logger.Info("nats ingest enabled", "url", current.URL, "subject", subject, "queue", current.Queue)
	go func() {
		<-ctx.Done()
		_ = nc.Drain()
	}()
	return nc, nil
}

func natsRecord(msg *nats.Msg) (RawRecord, error) {
	obj, err := ParseJSONBytes(msg.Data)
	if err != nil {
		return RawRecord{}, err
	}
	kind := msg.Subject
	if i := strings.LastIndexByte(kind, '.'); i >= 0 {
		kind = kind[i+1:]
	}
	return RecordFromMap(obj, kind, "nats")
}
