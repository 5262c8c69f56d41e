package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the operating state reported by a pallet scale.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusUnloading Status = "unloading"
)

// Active reports whether the scale is in the middle of a load or unload.
func (s Status) Active() bool {
	return s == StatusLoading || s == StatusUnloading
}

// SensorReading is one normalized snapshot of a scale's fields.
type SensorReading struct {
	DeviceID        string    `json:"device_id"`
	WeightGrams     int       `json:"weight_grams"`
	WeightOunces    float64   `json:"weight_ounces"`
	BottleEstimate  int       `json:"bottle_estimate"`
	Status          Status    `json:"status"`
	VehicleID       string    `json:"vehicle_id,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
	Sequence        uint64    `json:"sequence"`
	DeviceTimestamp *int64    `json:"device_timestamp,omitempty"`
}

// VehicleSession ties an identified vehicle to a device for a bounded time.
type VehicleSession struct {
	VehicleID   string    `json:"vehicle_id"`
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TransactionType distinguishes bottles leaving the scale from bottles arriving.
type TransactionType string

const (
	TransactionLoad   TransactionType = "LOAD"
	TransactionUnload TransactionType = "UNLOAD"
)

// Transaction is a discrete load or unload inferred from weight changes.
type Transaction struct {
	ID                      string          `json:"id"`
	DeviceID                string          `json:"device_id"`
	VehicleID               *string         `json:"vehicle_id"`
	Type                    TransactionType `json:"type"`
	BottleCount             int             `json:"bottle_count"`
	TotalBottlesAfter       int             `json:"total_bottles_after"`
	WeightDeltaGrams        int             `json:"weight_delta_grams"`
	OccurredAt              time.Time       `json:"occurred_at"`
	Sequence                uint64          `json:"sequence"`
	OriginalDeviceTimestamp *int64          `json:"original_device_timestamp,omitempty"`
}

// Unattributed reports whether no vehicle was identified for the transaction.
func (t Transaction) Unattributed() bool {
	return t.VehicleID == nil || *t.VehicleID == ""
}

// Product carries the packing factor used to normalize stock.
type Product struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	BottlesPerCase int             `json:"bottles_per_case"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
}

// StockQuantity is the canonical stock level of a product.
type StockQuantity struct {
	ProductID    int64           `json:"product_id"`
	CasesQty     int             `json:"cases_qty"`
	BottlesQty   int             `json:"bottles_qty"`
	TotalBottles int             `json:"total_bottles"`
	TotalValue   decimal.Decimal `json:"total_value"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StockMovement records one accepted stock mutation.
type StockMovement struct {
	ProductID     int64     `json:"product_id"`
	DeltaCases    int       `json:"delta_cases"`
	DeltaBottles  int       `json:"delta_bottles"`
	Reason        string    `json:"reason"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CasesAfter    int       `json:"cases_after"`
	BottlesAfter  int       `json:"bottles_after"`
	TotalAfter    int       `json:"total_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	DeviceID  string    `json:"device_id"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
