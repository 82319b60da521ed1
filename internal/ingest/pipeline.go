package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"corrwatch/internal/config"
	"corrwatch/internal/logging"
	"corrwatch/internal/metrics"
	"corrwatch/internal/model"
	"corrwatch/internal/normalize"
)

// Processor is the correlation engine as seen from ingestion.
type Processor interface {
	ProcessEvent(ctx context.Context, ev model.SecurityEvent) (*model.SecurityIncident, error)
	RecordRejected(reason string)
}

// Pipeline moves raw records from every source through the normalizer into
// the engine. Sources never block on it: Submit drops when the queue is full.
type Pipeline struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	proc       Processor
	normalizer atomic.Pointer[normalize.Normalizer]
	queue      chan RawRecord
	workers    int

	submitted atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	incidents atomic.Uint64
}

func NewPipeline(cfg config.IngestConfig, n *normalize.Normalizer, proc Processor, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = logging.Discard()
	}
	p := &Pipeline{
		logger:  logger,
		metrics: m,
		proc:    proc,
		queue:   make(chan RawRecord, cfg.ChannelBuffer),
		workers: cfg.Workers,
	}
	p.normalizer.Store(n)
	return p
}

// SetNormalizer swaps the normalizer after a config reload.
func (p *Pipeline) SetNormalizer(n *normalize.Normalizer) {
	if n != nil {
		p.normalizer.Store(n)
	}
}

func (p *Pipeline) Submit(rec RawRecord) bool {
	select {
	case p.queue <- rec:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		p.metrics.IngestDrop(rec.Source)
		p.logger.Warn("ingest queue full, dropping record", "source", rec.Source, "kind", rec.Kind)
		return false
	}
}

// Run processes queued records until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case rec := <-p.queue:
					_, _ = p.Handle(ctx, rec)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Handle normalizes and correlates one record synchronously. Failures are
// counted and logged; they never stop the pipeline.
func (p *Pipeline) Handle(ctx context.Context, rec RawRecord) (*model.SecurityIncident, error) {
	ev, err := p.normalizer.Load().Normalize(rec.Fields, rec.Kind)
	if err != nil {
		p.rejected.Add(1)
		p.proc.RecordRejected("normalization")
		p.logger.Warn("record rejected", "source", rec.Source, "kind", rec.Kind, "err", err)
		return nil, err
	}
	inc, err := p.proc.ProcessEvent(ctx, ev)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.rejected.Add(1)
			p.logger.Warn("event rejected", "source", rec.Source, "identity", ev.Identity, "event_id", ev.EventID, "err", err)
		}
		return nil, err
	}
	if inc != nil {
		p.incidents.Add(1)
	}
	return inc, nil
}

type Stats struct {
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
	Incidents uint64 `json:"incidents"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
		Rejected:  p.rejected.Load(),
		Incidents: p.incidents.Load(),
	}
}

// BackoffSleep waits d or until ctx is done; false means ctx ended.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
