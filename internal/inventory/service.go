package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"palletsync/go-mqtt-server/internal/model"
)

// StockUpdater applies stock changes atomically. The callbacks receive the
// product and its current stock and return the new stock; an error leaves the
// stored rows untouched.
type StockUpdater interface {
	UpdateStock(ctx context.Context, mv model.StockMovement, apply func(model.Product, model.StockQuantity) (model.StockQuantity, error)) (model.StockQuantity, error)
	UpsertProduct(ctx context.Context, p model.Product, restate func(model.Product, model.StockQuantity) (model.StockQuantity, error)) error
}

// Mutation is a requested change to a product's stock.
type Mutation struct {
	ProductID     int64  `json:"product_id"`
	DeltaCases    int    `json:"delta_cases"`
	DeltaBottles  int    `json:"delta_bottles"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Service is the only writer of stock quantities.
type Service struct {
	store  StockUpdater
	logger *slog.Logger
}

// NewService returns a Service persisting through store.
func NewService(store StockUpdater, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Mutate applies m to the product's stock and persists the canonical result.
func (s *Service) Mutate(ctx context.Context, m Mutation) (model.StockQuantity, error) {
	if m.DeltaCases == 0 && m.DeltaBottles == 0 {
		return model.StockQuantity{}, ErrEmptyMutation
	}

	mv := model.StockMovement{
		ProductID:     m.ProductID,
		DeltaCases:    m.DeltaCases,
		DeltaBottles:  m.DeltaBottles,
		Reason:        strings.TrimSpace(m.Reason),
		TransactionID: m.TransactionID,
	}

	stock, err := s.store.UpdateStock(ctx, mv, func(p model.Product, current model.StockQuantity) (model.StockQuantity, error) {
		return apply(p, current, m.DeltaCases, m.DeltaBottles)
	})
	if err != nil {
		return model.StockQuantity{}, fmt.Errorf("mutate stock of product %d: %w", m.ProductID, err)
	}

	s.logger.Info("stock updated",
		"product", m.ProductID,
		"delta_cases", m.DeltaCases,
		"delta_bottles", m.DeltaBottles,
		"cases", stock.CasesQty,
		"bottles", stock.BottlesQty,
		"reason", mv.Reason,
	)
	return stock, nil
}

// ApplyTransaction moves a reconciled transaction's bottles in or out of stock.
func (s *Service) ApplyTransaction(ctx context.Context, productID int64, tx model.Transaction) (model.StockQuantity, error) {
	delta := tx.BottleCount
	reason := "unload"
	if tx.Type == model.TransactionLoad {
		delta = -delta
		reason = "load"
	}
	if tx.VehicleID != nil {
		reason += " " + *tx.VehicleID
	}

	return s.Mutate(ctx, Mutation{
		ProductID:     productID,
		DeltaBottles:  delta,
		Reason:        reason,
		TransactionID: tx.ID,
	})
}

// SaveProduct creates or updates a product. Existing stock keeps its bottle
// total and is re-expressed under the new packing factor and price.
func (s *Service) SaveProduct(ctx context.Context, p model.Product) error {
	if p.BottlesPerCase <= 0 {
		return fmt.Errorf("%w: %d bottles per case", ErrInvalidPackingFactor, p.BottlesPerCase)
	}
	if p.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, p.UnitPrice)
	}

	err := s.store.UpsertProduct(ctx, p, func(p model.Product, current model.StockQuantity) (model.StockQuantity, error) {
		return apply(p, current, 0, 0)
	})
	if err != nil {
		return fmt.Errorf("save product %d: %w", p.ID, err)
	}

	s.logger.Info("product saved", "product", p.ID, "bottles_per_case", p.BottlesPerCase, "unit_price", p.UnitPrice.String())
	return nil
}

// apply derives the new stock from the stored bottle total so that a changed
// packing factor never rescales existing stock.
func apply(p model.Product, current model.StockQuantity, deltaCases, deltaBottles int) (model.StockQuantity, error) {
	if p.UnitPrice.IsNegative() {
		return model.StockQuantity{}, fmt.Errorf("%w: %s", ErrInvalidPrice, p.UnitPrice)
	}

	canon, err := Normalize(deltaCases, current.TotalBottles+deltaBottles, p.BottlesPerCase)
	if err != nil {
		return model.StockQuantity{}, err
	}

	return model.StockQuantity{
		ProductID:    p.ID,
		CasesQty:     canon.Cases,
		BottlesQty:   canon.Bottles,
		TotalBottles: canon.Total,
		TotalValue:   decimal.NewFromInt(int64(canon.Total)).Mul(p.UnitPrice),
	}, nil
}
