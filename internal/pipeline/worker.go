package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"palletsync/go-mqtt-server/internal/fanout"
	"palletsync/go-mqtt-server/internal/matcher"
	"palletsync/go-mqtt-server/internal/model"
	"palletsync/go-mqtt-server/internal/reading"
	"palletsync/go-mqtt-server/internal/session"
)

type worker struct {
	p        *Pipeline
	deviceID string
	logger   *slog.Logger
	ctx      context.Context

	enqueueMu sync.Mutex
	in        chan event

	normalizer *reading.Normalizer
	tracker    *session.Tracker
	matcher    *matcher.Matcher
}

func newWorker(p *Pipeline, deviceID string) *worker {
	return &worker{
		p:          p,
		deviceID:   deviceID,
		logger:     p.logger.With("device", deviceID),
		ctx:        p.runCtx,
		in:         make(chan event, p.cfg.QueueSize),
		normalizer: reading.NewNormalizer(deviceID, p.cfg.UnitGrams),
		tracker:    session.NewTracker(p.cfg.SessionTimeout),
		matcher: matcher.New(deviceID, matcher.Config{
			UnitGrams:           p.cfg.UnitGrams,
			NoiseThresholdGrams: p.cfg.NoiseThresholdGrams,
			Debounce:            p.cfg.Debounce,
		}),
	}
}

func (w *worker) run() error {
	interval := w.p.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug("device worker stopped")
			return nil
		case ev := <-w.in:
			w.handle(ev)
		case <-ticker.C:
			w.sweep(w.p.now().UTC())
		}
	}
}

func (w *worker) handle(ev event) {
	res := w.normalizer.Apply(ev.raw, ev.receivedAt, ev.seq)
	if len(res.Rejected) > 0 {
		w.logger.Warn("reading fields rejected, prior values kept", "topic", ev.topic, "fields", res.Rejected, "seq", ev.seq)
	}

	if res.Tap != "" {
		w.publishSession(w.tracker.Tap(res.Tap, ev.receivedAt))
	}
	if res.WeightChanged {
		w.tracker.Touch(ev.receivedAt)
	}

	vehicleID := w.tracker.VehicleID()
	w.normalizer.SetVehicle(vehicleID)
	r := res.Reading
	r.VehicleID = vehicleID

	tx, ok := w.matcher.Observe(r, vehicleID)
	w.p.publisher.PublishReading(r)

	if !ok {
		return
	}
	w.record(tx)

	if r.Status == model.StatusIdle && w.p.cfg.CloseSessionOnIdle {
		if change, closed := w.tracker.Close(ev.receivedAt); closed {
			w.publishSession(change)
			w.republishLatest()
		}
	}
}

// sweep runs the time-driven transitions: debounce finalization and session expiry.
func (w *worker) sweep(now time.Time) {
	if tx, ok := w.matcher.Tick(now, w.tracker.VehicleID()); ok {
		w.record(tx)
	}

	if change, expired := w.tracker.Expire(now); expired {
		w.publishSession(change)
		w.republishLatest()
	}
}

func (w *worker) record(tx model.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := w.p.store.InsertTransaction(ctx, tx); err != nil {
		w.logger.Error("failed to persist transaction", "transaction", tx.ID, "error", err)
	}

	if tx.Unattributed() {
		w.logger.Warn("unattributed transaction recorded", "transaction", tx.ID, "type", tx.Type, "bottles", tx.BottleCount)
	} else {
		w.logger.Info("transaction recorded", "transaction", tx.ID, "vehicle", *tx.VehicleID, "type", tx.Type, "bottles", tx.BottleCount, "total_after", tx.TotalBottlesAfter)
	}

	w.p.publisher.PublishTransaction(tx)

	productID, mapped := w.p.cfg.DeviceProducts[w.deviceID]
	if !mapped || w.p.stock == nil {
		return
	}
	if _, err := w.p.stock.ApplyTransaction(ctx, productID, tx); err != nil {
		w.logger.Warn("transaction not applied to stock", "transaction", tx.ID, "product", productID, "error", err)
	}
}

func (w *worker) publishSession(change session.Change) {
	w.logger.Info("vehicle session changed", "kind", change.Kind, "vehicle", vehicleOf(change))
	w.p.publisher.PublishSession(w.deviceID, fanout.SessionEvent{
		Kind:      string(change.Kind),
		Previous:  change.Previous,
		Current:   change.Current,
		Timestamp: change.At,
	})
}

// republishLatest refreshes the latest reading after the active vehicle changed
// outside of a reading.
func (w *worker) republishLatest() {
	w.normalizer.SetVehicle(w.tracker.VehicleID())
	if last, ok := w.normalizer.Last(); ok {
		w.p.publisher.PublishReading(last)
	}
}

func vehicleOf(change session.Change) string {
	if change.Current != nil {
		return change.Current.VehicleID
	}
	if change.Previous != nil {
		return change.Previous.VehicleID
	}
	return ""
}
