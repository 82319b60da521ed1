package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"corrwatch/internal/config"
	"corrwatch/internal/logging"
	"corrwatch/internal/metrics"
	"corrwatch/internal/model"
)

type Options struct {
	QueueSize      int
	Workers        int
	AttemptTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func OptionsFromConfig(cfg config.SinksConfig) Options {
	return Options{
		QueueSize:      cfg.QueueSize,
		Workers:        cfg.Workers,
		AttemptTimeout: cfg.AttemptTimeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

// Dispatcher fans incidents out to every sink. Each sink has its own bounded
// queue and workers, so a slow or hung sink only backs up its own lane.
// Enqueue never blocks: when a lane is full that delivery is dropped and
// counted.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	lanes   []*lane
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type lane struct {
	sink  Sink
	queue chan *model.SecurityIncident
}

func NewDispatcher(opts Options, sinks []Sink, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	lanes := make([]*lane, len(sinks))
	for i, s := range sinks {
		lanes[i] = &lane{sink: s, queue: make(chan *model.SecurityIncident, opts.QueueSize)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:  logger,
		metrics: m,
		lanes:   lanes,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (d *Dispatcher) Start() {
	for _, l := range d.lanes {
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker(l)
		}
	}
}

// Enqueue hands the incident to every sink's lane. It reports false if any
// lane dropped it.
func (d *Dispatcher) Enqueue(inc *model.SecurityIncident) bool {
	if inc == nil || len(d.lanes) == 0 {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	accepted := true
	for _, l := range d.lanes {
		if d.closed {
			d.drop(l, inc)
			accepted = false
			continue
		}
		select {
		case l.queue <- inc:
		default:
			d.drop(l, inc)
			accepted = false
		}
	}
	return accepted
}

func (d *Dispatcher) drop(l *lane, inc *model.SecurityIncident) {
	d.dropped.Add(1)
	d.metrics.SinkDrop()
	d.logger.Warn("sink queue full, delivery dropped", "sink", l.sink.Name(), "incident_id", inc.IncidentID)
}

func (d *Dispatcher) worker(l *lane) {
	defer d.wg.Done()
	for inc := range l.queue {
		err := d.deliver(l.sink, inc)
		d.metrics.SinkDelivery(l.sink.Name(), err)
		if err != nil {
			d.failed.Add(1)
			d.logger.Error("sink delivery abandoned", "sink", l.sink.Name(), "incident_id", inc.IncidentID, "err", err)
			continue
		}
		d.delivered.Add(1)
	}
}

// deliver retries one sink with exponential backoff. Each attempt has its
// own deadline so a hung sink cannot stall its lane forever.
func (d *Dispatcher) deliver(s Sink, inc *model.SecurityIncident) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxRetries)), d.ctx)

	op := func() error {
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.AttemptTimeout)
		defer cancel()
		if err := s.Publish(ctx, inc); err != nil {
			return &SinkUnavailableError{Sink: s.Name(), Err: err}
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("sink delivery failed, retrying", "sink", s.Name(), "incident_id", inc.IncidentID, "wait", wait.String(), "err", err)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// Close stops accepting incidents and waits for queued deliveries. If ctx
// expires first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-done
	}
	d.cancel()
	for _, l := range d.lanes {
		if cerr := l.sink.Close(); cerr != nil {
			d.logger.Warn("sink close failed", "sink", l.sink.Name(), "err", cerr)
		}
	}
	return err
}

type Stats struct {
	Sinks     []string `json:"sinks"`
	Queued    int      `json:"queued"`
	Delivered uint64   `json:"delivered"`
	Failed    uint64   `json:"failed"`
	Dropped   uint64   `json:"dropped"`
}

func (d *Dispatcher) Stats() Stats {
	names := make([]string, len(d.lanes))
	queued := 0
	for i, l := range d.lanes {
		names[i] = l.sink.Name()
		queued += len(l.queue)
	}
	return Stats{
		Sinks:     names,
		Queued:    queued,
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
