package reading

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"palletsync/go-mqtt-server/internal/model"
)

const gramsPerOunce = 28.349523125

// maxAbsGrams bounds accepted weights; anything beyond is a sensor fault.
const maxAbsGrams = 100_000_000

// Result is the outcome of merging one raw message into a device's state.
type Result struct {
	Reading model.SensorReading
	// Tap holds the vehicle identifier when the message carried one.
	Tap string
	// WeightChanged is set when the merged weight differs from the previous reading.
	WeightChanged bool
	// Rejected lists fields whose values could not be parsed and kept their prior value.
	Rejected []Field
}

// Normalizer holds the latest known state of a single device. It is not safe
// for concurrent use; each device worker owns its own instance.
type Normalizer struct {
	deviceID   string
	unitGrams  int
	last       model.SensorReading
	hasReading bool
}

// NewNormalizer returns a normalizer for deviceID using unitGrams per bottle.
func NewNormalizer(deviceID string, unitGrams int) *Normalizer {
	return &Normalizer{
		deviceID:  deviceID,
		unitGrams: unitGrams,
		last:      model.SensorReading{DeviceID: deviceID, Status: model.StatusIdle},
	}
}

// Last returns the most recent merged reading and whether one exists.
func (n *Normalizer) Last() (model.SensorReading, bool) {
	return n.last, n.hasReading
}

// Apply merges raw into the previous reading, last value wins per field, and
// stamps it with the server receive time and sequence.
func (n *Normalizer) Apply(raw RawMessage, receivedAt time.Time, seq uint64) Result {
	prev := n.last
	next := prev
	next.DeviceID = n.deviceID
	next.ObservedAt = receivedAt.UTC()
	next.Sequence = seq
	next.DeviceTimestamp = nil

	var res Result
	values := raw.Values()

	weightSet := false
	if v, ok := values[FieldWeight]; ok {
		if grams, ok := parseGrams(v); ok {
			next.WeightGrams = grams
			weightSet = true
		} else {
			res.Rejected = append(res.Rejected, FieldWeight)
		}
	}

	// An explicit bottle count wins over the weight-derived estimate, even
	// when it fails to parse.
	if v, ok := values[FieldBottles]; ok {
		if bottles, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && bottles >= 0 {
			next.BottleEstimate = bottles
		} else {
			res.Rejected = append(res.Rejected, FieldBottles)
		}
	} else if weightSet {
		next.BottleEstimate = n.estimate(next.WeightGrams)
	}

	if v, ok := values[FieldStatus]; ok {
		if status, ok := parseStatus(v); ok {
			next.Status = status
		} else {
			res.Rejected = append(res.Rejected, FieldStatus)
		}
	}

	if v, ok := values[FieldTimestamp]; ok {
		if ts, ok := parseDeviceTimestamp(v); ok {
			next.DeviceTimestamp = &ts
		} else {
			res.Rejected = append(res.Rejected, FieldTimestamp)
		}
	}

	if v, ok := values[FieldVehicle]; ok {
		if id := strings.TrimSpace(v); id != "" {
			res.Tap = id
		} else {
			res.Rejected = append(res.Rejected, FieldVehicle)
		}
	}

	next.WeightOunces = math.Round(float64(next.WeightGrams)/gramsPerOunce*100) / 100

	res.WeightChanged = n.hasReading && next.WeightGrams != prev.WeightGrams
	sort.Slice(res.Rejected, func(i, j int) bool { return res.Rejected[i] < res.Rejected[j] })

	n.last = next
	n.hasReading = true
	res.Reading = next
	return res
}

// SetVehicle records the active vehicle on the latest reading.
func (n *Normalizer) SetVehicle(vehicleID string) {
	n.last.VehicleID = vehicleID
}

func (n *Normalizer) estimate(grams int) int {
	if n.unitGrams <= 0 || grams <= 0 {
		return 0
	}
	return grams / n.unitGrams
}

func parseGrams(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return n, n >= -maxAbsGrams && n <= maxAbsGrams
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxAbsGrams {
		return 0, false
	}
	return int(math.Round(f)), true
}

func parseStatus(v string) (model.Status, bool) {
	switch model.Status(strings.ToLower(strings.TrimSpace(v))) {
	case model.StatusIdle:
		return model.StatusIdle, true
	case model.StatusLoading:
		return model.StatusLoading, true
	case model.StatusUnloading:
		return model.StatusUnloading, true
	}
	return "", false
}

func parseDeviceTimestamp(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}
