package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"palletsync/go-mqtt-server/internal/model"
)

// UpsertProduct creates or updates a product's name, packing factor and
// price. When the product already has stock, restate recomputes it under the
// new packing factor and price and both rows are written in one transaction.
func (s *Store) UpsertProduct(ctx context.Context, p model.Product, restate func(model.Product, model.StockQuantity) (model.StockQuantity, error)) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin product upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO products (id, name, bottles_per_case, unit_price) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				 bottles_per_case = excluded.bottles_per_case,
				 unit_price = excluded.unit_price;`,
		p.ID,
		p.Name,
		p.BottlesPerCase,
		p.UnitPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}

	current, err := stockOf(ctx, tx, p.ID)
	if err != nil {
		return err
	}

	// A zero UpdatedAt means the product was never stocked.
	if !current.UpdatedAt.IsZero() {
		if restate == nil {
			return fmt.Errorf("product %d has stock and no restate function", p.ID)
		}
		next, err := restate(p, current)
		if err != nil {
			return err
		}
		next.ProductID = p.ID
		if err := writeStock(ctx, tx, next, time.Now().UTC()); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit product upsert: %w", err)
	}
	return nil
}

// Product loads a product by id.
func (s *Store) Product(ctx context.Context, id int64) (model.Product, error) {
	if s.db == nil {
		return model.Product{}, fmt.Errorf("store not initialized")
	}
	return scanProduct(s.db.QueryRowContext(ctx, `SELECT id, name, bottles_per_case, unit_price FROM products WHERE id = ?;`, id))
}

// Stock returns the stored stock of a product. A product that was never
// stocked reports zero quantities.
func (s *Store) Stock(ctx context.Context, productID int64) (model.StockQuantity, error) {
	if s.db == nil {
		return model.StockQuantity{}, fmt.Errorf("store not initialized")
	}

	if _, err := s.Product(ctx, productID); err != nil {
		return model.StockQuantity{}, err
	}
	return stockOf(ctx, s.db, productID)
}

// StockMovements returns the audit trail of a product, newest first.
func (s *Store) StockMovements(ctx context.Context, productID int64, limit int) ([]model.StockMovement, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT product_id, delta_cases, delta_bottles, reason, transaction_id, cases_after, bottles_after, total_after, created_at
		 FROM stock_movements
		 WHERE product_id = ?
		 ORDER BY id DESC
		 LIMIT ?;`,
		productID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stock movements: %w", err)
	}
	defer rows.Close()

	var movements []model.StockMovement
	for rows.Next() {
		var (
			mv            model.StockMovement
			reason, txID  sql.NullString
			createdAtText string
		)
		if err := rows.Scan(&mv.ProductID, &mv.DeltaCases, &mv.DeltaBottles, &reason, &txID, &mv.CasesAfter, &mv.BottlesAfter, &mv.TotalAfter, &createdAtText); err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		mv.Reason = reason.String
		mv.TransactionID = txID.String
		mv.CreatedAt = parseTime(createdAtText)
		movements = append(movements, mv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock movements: %w", err)
	}
	return movements, nil
}

// UpdateStock reads the product and its stock, lets apply compute the new
// stock and writes it together with the movement in one transaction. When
// apply fails nothing is written.
func (s *Store) UpdateStock(ctx context.Context, mv model.StockMovement, apply func(model.Product, model.StockQuantity) (model.StockQuantity, error)) (model.StockQuantity, error) {
	if s.db == nil {
		return model.StockQuantity{}, fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StockQuantity{}, fmt.Errorf("begin stock update: %w", err)
	}
	defer tx.Rollback()

	product, err := scanProduct(tx.QueryRowContext(ctx, `SELECT id, name, bottles_per_case, unit_price FROM products WHERE id = ?;`, mv.ProductID))
	if err != nil {
		return model.StockQuantity{}, err
	}

	current, err := stockOf(ctx, tx, mv.ProductID)
	if err != nil {
		return model.StockQuantity{}, err
	}

	next, err := apply(product, current)
	if err != nil {
		return model.StockQuantity{}, err
	}

	now := time.Now().UTC()
	next.ProductID = product.ID
	next.UpdatedAt = now

	if err := writeStock(ctx, tx, next, now); err != nil {
		return model.StockQuantity{}, err
	}

	var txID sql.NullString
	if mv.TransactionID != "" {
		txID = sql.NullString{String: mv.TransactionID, Valid: true}
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO stock_movements (product_id, delta_cases, delta_bottles, reason, transaction_id, cases_after, bottles_after, total_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		mv.ProductID,
		mv.DeltaCases,
		mv.DeltaBottles,
		mv.Reason,
		txID,
		next.CasesQty,
		next.BottlesQty,
		next.TotalBottles,
		formatTime(now),
	)
	if err != nil {
		return model.StockQuantity{}, fmt.Errorf("write stock movement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.StockQuantity{}, fmt.Errorf("commit stock update: %w", err)
	}
	return next, nil
}

func writeStock(ctx context.Context, tx *sql.Tx, next model.StockQuantity, now time.Time) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO stock_quantities (product_id, cases_qty, bottles_qty, total_bottles, total_value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(product_id) DO UPDATE SET cases_qty = excluded.cases_qty,
				 bottles_qty = excluded.bottles_qty,
				 total_bottles = excluded.total_bottles,
				 total_value = excluded.total_value,
				 updated_at = excluded.updated_at;`,
		next.ProductID,
		next.CasesQty,
		next.BottlesQty,
		next.TotalBottles,
		next.TotalValue.String(),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("write stock: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanProduct(row rowScanner) (model.Product, error) {
	var (
		p     model.Product
		price string
	)
	err := row.Scan(&p.ID, &p.Name, &p.BottlesPerCase, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Product{}, fmt.Errorf("product: %w", ErrNotFound)
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("scan product: %w", err)
	}

	p.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return model.Product{}, fmt.Errorf("decode unit price %q: %w", price, err)
	}
	return p, nil
}

func stockOf(ctx context.Context, q queryer, productID int64) (model.StockQuantity, error) {
	var (
		stock     = model.StockQuantity{ProductID: productID, TotalValue: decimal.Zero}
		value     string
		updatedAt string
	)

	err := q.QueryRowContext(
		ctx,
		`SELECT cases_qty, bottles_qty, total_bottles, total_value, updated_at FROM stock_quantities WHERE product_id = ?;`,
		productID,
	).Scan(&stock.CasesQty, &stock.BottlesQty, &stock.TotalBottles, &value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return stock, nil
	}
	if err != nil {
		return model.StockQuantity{}, fmt.Errorf("read stock: %w", err)
	}

	stock.TotalValue, err = decimal.NewFromString(value)
	if err != nil {
		return model.StockQuantity{}, fmt.Errorf("decode stock value %q: %w", value, err)
	}
	stock.UpdatedAt = parseTime(updatedAt)
	return stock, nil
}
