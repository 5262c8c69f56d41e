// Package pipeline routes parsed scale messages to one worker per device.
// Each worker exclusively owns the device's reading state, vehicle session and
// transaction matcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"palletsync/go-mqtt-server/internal/fanout"
	"palletsync/go-mqtt-server/internal/model"
	"palletsync/go-mqtt-server/internal/reading"
)

// ErrStopped is returned by Ingest once the pipeline is not running.
var ErrStopped = errors.New("pipeline stopped")

// TransactionStore persists completed transactions.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx model.Transaction) error
}

// Publisher broadcasts pipeline output to live subscribers.
type Publisher interface {
	PublishReading(r model.SensorReading)
	PublishTransaction(tx model.Transaction)
	PublishSession(deviceID string, ev fanout.SessionEvent)
}

// StockApplier moves reconciled transactions into product stock.
type StockApplier interface {
	ApplyTransaction(ctx context.Context, productID int64, tx model.Transaction) (model.StockQuantity, error)
}

// Config holds the per-device tuning shared by all workers.
type Config struct {
	UnitGrams           int
	NoiseThresholdGrams int
	Debounce            time.Duration
	SessionTimeout      time.Duration
	CloseSessionOnIdle  bool
	SweepInterval       time.Duration
	QueueSize           int
	DeviceProducts      map[string]int64
}

type event struct {
	raw        reading.RawMessage
	topic      string
	receivedAt time.Time
	seq        uint64
}

// Pipeline dispatches messages to device workers supervised by an errgroup.
type Pipeline struct {
	cfg       Config
	logger    *slog.Logger
	store     TransactionStore
	publisher Publisher
	stock     StockApplier
	now       func() time.Time

	seq atomic.Uint64

	started chan struct{}

	mu      sync.Mutex
	group   *errgroup.Group
	runCtx  context.Context
	stopped bool
	workers map[string]*worker
}

// New constructs a pipeline. stock may be nil when no device is mapped to a product.
func New(cfg Config, logger *slog.Logger, store TransactionStore, publisher Publisher, stock StockApplier) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Pipeline{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: publisher,
		stock:     stock,
		now:       time.Now,
		started:   make(chan struct{}),
		workers:   make(map[string]*worker),
	}
}

// Run supervises device workers until ctx is cancelled or a worker fails.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	if p.group != nil {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.group = g
	p.runCtx = gctx
	p.mu.Unlock()
	close(p.started)

	<-gctx.Done()

	// No worker may join the group once Wait has begun.
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Started is closed once Run accepts messages.
func (p *Pipeline) Started() <-chan struct{} {
	return p.started
}

// Ingest parses a raw publish and queues it for its device's worker. The
// server receive time and sequence are assigned here, in queue order.
func (p *Pipeline) Ingest(ctx context.Context, topic string, payload []byte) error {
	msg, err := reading.Parse(topic, payload)
	if err != nil {
		return err
	}

	w, err := p.worker(msg.DeviceID)
	if err != nil {
		return err
	}

	w.enqueueMu.Lock()
	defer w.enqueueMu.Unlock()

	ev := event{
		raw:        msg.Raw,
		topic:      topic,
		receivedAt: p.now().UTC(),
		seq:        p.seq.Add(1),
	}

	select {
	case w.in <- ev:
		return nil
	case <-w.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Devices returns the identifiers of devices with a running worker.
func (p *Pipeline) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pipeline) worker(deviceID string) (*worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group == nil || p.stopped {
		return nil, ErrStopped
	}

	if w, ok := p.workers[deviceID]; ok {
		return w, nil
	}

	w := newWorker(p, deviceID)
	p.workers[deviceID] = w
	p.group.Go(func() error {
		return w.run()
	})

	p.logger.Info("device worker started", "device", deviceID)
	return w, nil
}
