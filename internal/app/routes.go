package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"palletsync/go-mqtt-server/internal/inventory"
	"palletsync/go-mqtt-server/internal/model"
	"palletsync/go-mqtt-server/internal/store"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/ws", a.handleLive)
	mux.HandleFunc("/api/transactions", a.handleTransactions)
	mux.HandleFunc("/api/readings/latest", a.handleLatestReadings)
	mux.HandleFunc("/api/inventory", a.handleInventory)
	mux.HandleFunc("/api/inventory/mutations", a.handleInventoryMutation)
	mux.HandleFunc("/api/products", a.handleProducts)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/ingestion-errors", a.handleIngestionErrors)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := defaultTransactionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxTransactionLimit)
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		offset = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	txs, err := a.store.RecentTransactions(ctx, limit, offset)
	if err != nil {
		a.logger.Error("failed to load transactions", "error", err)
		http.Error(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}

	total, err := a.store.CountTransactions(ctx)
	if err != nil {
		a.logger.Error("failed to count transactions", "error", err)
		http.Error(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}

	if txs == nil {
		txs = []model.Transaction{}
	}

	response := struct {
		Transactions []model.Transaction `json:"transactions"`
		Total        int                 `json:"total"`
		Limit        int                 `json:"limit"`
		Offset       int                 `json:"offset"`
	}{Transactions: txs, Total: total, Limit: limit, Offset: offset}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	readings := a.hub.Snapshot().Readings
	if readings == nil {
		readings = []model.SensorReading{}
	}

	response := struct {
		Readings []model.SensorReading `json:"readings"`
	}{Readings: readings}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil {
		http.Error(w, "product_id required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stock, err := a.store.Stock(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to load stock", "product", productID, "error", err)
		http.Error(w, "failed to load stock", http.StatusInternalServerError)
		return
	}

	movements, err := a.store.StockMovements(ctx, productID, 20)
	if err != nil {
		a.logger.Error("failed to load stock movements", "product", productID, "error", err)
		http.Error(w, "failed to load stock", http.StatusInternalServerError)
		return
	}
	if movements == nil {
		movements = []model.StockMovement{}
	}

	response := struct {
		Stock     model.StockQuantity   `json:"stock"`
		Movements []model.StockMovement `json:"movements"`
	}{Stock: stock, Movements: movements}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleInventoryMutation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ProductID    int64  `json:"productId"`
		DeltaCases   int    `json:"deltaCases"`
		DeltaBottles int    `json:"deltaBottles"`
		Reason       string `json:"reason"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.ProductID <= 0 {
		http.Error(w, "productId required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stock, err := a.inventory.Mutate(ctx, inventory.Mutation{
		ProductID:    req.ProductID,
		DeltaCases:   req.DeltaCases,
		DeltaBottles: req.DeltaBottles,
		Reason:       req.Reason,
	})
	switch {
	case err == nil:
	case errors.Is(err, inventory.ErrEmptyMutation):
		http.Error(w, "deltaCases or deltaBottles required", http.StatusBadRequest)
		return
	case errors.Is(err, inventory.ErrInvalidQuantity), errors.Is(err, inventory.ErrInvalidPackingFactor), errors.Is(err, inventory.ErrInvalidPrice):
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "product not found", http.StatusNotFound)
		return
	default:
		a.logger.Error("failed to mutate stock", "product", req.ProductID, "error", err)
		http.Error(w, "failed to update stock", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusOK, stock)
}

func (a *App) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID             int64           `json:"id"`
		Name           string          `json:"name"`
		BottlesPerCase int             `json:"bottlesPerCase"`
		UnitPrice      decimal.Decimal `json:"unitPrice"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.ID <= 0:
		http.Error(w, "id must be positive", http.StatusBadRequest)
		return
	case req.Name == "":
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	product := model.Product{ID: req.ID, Name: req.Name, BottlesPerCase: req.BottlesPerCase, UnitPrice: req.UnitPrice}
	err := a.inventory.SaveProduct(ctx, product)
	switch {
	case err == nil:
	case errors.Is(err, inventory.ErrInvalidPackingFactor), errors.Is(err, inventory.ErrInvalidPrice):
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	default:
		a.logger.Error("failed to save product", "product", req.ID, "error", err)
		http.Error(w, "failed to save product", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusOK, product)
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := map[string]any{
		"http_port":                a.cfg.HTTPPort,
		"mqtt_bind":                a.cfg.MQTTBindAddress,
		"database_path":            a.cfg.DatabasePath,
		"log_level":                a.cfg.LogLevel,
		"mdns_enabled":             a.cfg.MDNSEnabled,
		"unit_bottle_weight_grams": a.cfg.UnitBottleWeightGrams,
		"noise_threshold_grams":    a.cfg.NoiseThresholdGrams,
		"debounce_window":          a.cfg.DebounceWindow.String(),
		"session_timeout":          a.cfg.SessionTimeout.String(),
		"close_session_on_idle":    a.cfg.CloseSessionOnIdle,
		"subscriber_buffer":        a.cfg.SubscriberBuffer,
		"history_replay":           a.cfg.HistoryReplay,
		"device_products":          a.cfg.DeviceProducts,
	}

	response := struct {
		Active      map[string]any `json:"active"`
		Subscribers int            `json:"subscribers"`
	}{Active: active, Subscribers: a.hub.Len()}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load ingestion errors", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.IngestionError{}
	}

	response := struct {
		Errors []model.IngestionError `json:"errors"`
	}{Errors: entries}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
