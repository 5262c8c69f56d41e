// Package matcher infers discrete load and unload transactions from the
// continuous weight readings of a scale.
package matcher

import (
	"math"
	"time"

	"github.com/google/uuid"

	"palletsync/go-mqtt-server/internal/model"
)

// Config holds the thresholds used to finalize a transaction.
type Config struct {
	UnitGrams           int
	NoiseThresholdGrams int
	Debounce            time.Duration
}

// Matcher tracks the baseline weight of one device. It is owned by the
// device worker and is not safe for concurrent use.
type Matcher struct {
	cfg      Config
	deviceID string
	newID    func() string

	baseline    int
	hasBaseline bool

	accumulating bool
	entryVehicle string
	lastWeight   int
	lastChange   time.Time
	lastSeq      uint64
	lastDeviceTS *int64
}

// New returns a matcher for deviceID.
func New(deviceID string, cfg Config) *Matcher {
	return &Matcher{cfg: cfg, deviceID: deviceID, newID: uuid.NewString}
}

// Baseline returns the weight transactions are measured against.
func (m *Matcher) Baseline() (int, bool) {
	return m.baseline, m.hasBaseline
}

// Accumulating reports whether a load or unload is in progress.
func (m *Matcher) Accumulating() bool {
	return m.accumulating
}

// Observe consumes a reading together with the vehicle active when it was
// received and returns a transaction when the reading completes one.
func (m *Matcher) Observe(r model.SensorReading, vehicleID string) (model.Transaction, bool) {
	prevWeight := r.WeightGrams
	if m.hasBaseline {
		prevWeight = m.lastWeight
	}
	m.hasBaseline = true
	m.lastSeq = r.Sequence
	m.lastDeviceTS = r.DeviceTimestamp

	if !m.accumulating {
		m.lastWeight = r.WeightGrams
		if !r.Status.Active() {
			m.baseline = r.WeightGrams
			return model.Transaction{}, false
		}
		m.accumulating = true
		m.baseline = prevWeight
		m.entryVehicle = vehicleID
		m.lastChange = r.ObservedAt
		return model.Transaction{}, false
	}

	if r.WeightGrams != m.lastWeight {
		m.lastChange = r.ObservedAt
	}
	m.lastWeight = r.WeightGrams
	if vehicleID != "" && m.entryVehicle == "" {
		m.entryVehicle = vehicleID
	}

	if r.Status.Active() {
		return model.Transaction{}, false
	}

	m.accumulating = false
	tx, ok := m.finalize(r.ObservedAt, vehicleID)
	m.baseline = m.lastWeight
	m.entryVehicle = ""
	return tx, ok
}

// Tick finalizes an in-progress load or unload whose weight has not changed
// for the debounce window. Accumulation continues from the new baseline. A
// settled change below the noise threshold keeps the old baseline so that
// slow movements still add up.
func (m *Matcher) Tick(now time.Time, vehicleID string) (model.Transaction, bool) {
	if !m.accumulating || m.lastWeight == m.baseline {
		return model.Transaction{}, false
	}
	if now.Sub(m.lastChange) < m.cfg.Debounce {
		return model.Transaction{}, false
	}
	tx, ok := m.finalize(now, vehicleID)
	if ok {
		m.baseline = m.lastWeight
	}
	return tx, ok
}

func (m *Matcher) finalize(at time.Time, vehicleID string) (model.Transaction, bool) {
	delta := m.lastWeight - m.baseline

	magnitude := delta
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude == 0 || magnitude < m.cfg.NoiseThresholdGrams || m.cfg.UnitGrams <= 0 {
		return model.Transaction{}, false
	}

	bottles := int(math.Round(float64(magnitude) / float64(m.cfg.UnitGrams)))
	if bottles == 0 {
		return model.Transaction{}, false
	}

	txType := model.TransactionUnload
	if delta < 0 {
		txType = model.TransactionLoad
	}

	total := 0
	if m.lastWeight > 0 {
		total = m.lastWeight / m.cfg.UnitGrams
	}

	tx := model.Transaction{
		ID:                      m.newID(),
		DeviceID:                m.deviceID,
		Type:                    txType,
		BottleCount:             bottles,
		TotalBottlesAfter:       total,
		WeightDeltaGrams:        delta,
		OccurredAt:              at.UTC(),
		Sequence:                m.lastSeq,
		OriginalDeviceTimestamp: m.lastDeviceTS,
	}

	attributed := vehicleID
	if attributed == "" {
		attributed = m.entryVehicle
	}
	if attributed != "" {
		tx.VehicleID = &attributed
	}
	return tx, true
}
