package store

import (
	"context"
	"database/sql"
	"fmt"

	"palletsync/go-mqtt-server/internal/model"
)

// InsertTransaction appends a transaction to the history. Rows are never
// updated or deleted.
func (s *Store) InsertTransaction(ctx context.Context, tx model.Transaction) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	var vehicleID sql.NullString
	if tx.VehicleID != nil && *tx.VehicleID != "" {
		vehicleID = sql.NullString{String: *tx.VehicleID, Valid: true}
	}

	var deviceTS sql.NullInt64
	if tx.OriginalDeviceTimestamp != nil {
		deviceTS = sql.NullInt64{Int64: *tx.OriginalDeviceTimestamp, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transactions (id, device_id, vehicle_id, type, bottle_count, total_bottles_after, weight_delta_grams, occurred_at, sequence, device_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		tx.ID,
		tx.DeviceID,
		vehicleID,
		string(tx.Type),
		tx.BottleCount,
		tx.TotalBottlesAfter,
		tx.WeightDeltaGrams,
		formatTime(tx.OccurredAt),
		int64(tx.Sequence),
		deviceTS,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// RecentTransactions returns a page of transactions ordered by server receive
// time, newest first.
func (s *Store) RecentTransactions(ctx context.Context, limit, offset int) ([]model.Transaction, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, device_id, vehicle_id, type, bottle_count, total_bottles_after, weight_delta_grams, occurred_at, sequence, device_timestamp
		 FROM transactions
		 ORDER BY occurred_at DESC, sequence DESC
		 LIMIT ? OFFSET ?;`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]model.Transaction, 0, limit)
	for rows.Next() {
		var (
			tx         model.Transaction
			vehicleID  sql.NullString
			txType     string
			occurredAt string
			sequence   int64
			deviceTS   sql.NullInt64
		)

		if err := rows.Scan(&tx.ID, &tx.DeviceID, &vehicleID, &txType, &tx.BottleCount, &tx.TotalBottlesAfter, &tx.WeightDeltaGrams, &occurredAt, &sequence, &deviceTS); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}

		tx.Type = model.TransactionType(txType)
		tx.OccurredAt = parseTime(occurredAt)
		tx.Sequence = uint64(sequence)
		if vehicleID.Valid {
			v := vehicleID.String
			tx.VehicleID = &v
		}
		if deviceTS.Valid {
			ts := deviceTS.Int64
			tx.OriginalDeviceTimestamp = &ts
		}

		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	return txs, nil
}

// CountTransactions returns the number of recorded transactions.
func (s *Store) CountTransactions(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}
