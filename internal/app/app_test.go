package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palletsync/go-mqtt-server/internal/config"
	"palletsync/go-mqtt-server/internal/fanout"
	"palletsync/go-mqtt-server/internal/model"
	"palletsync/go-mqtt-server/internal/mqttbroker"
	"palletsync/go-mqtt-server/internal/store"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "palletsync.db")
	cfg.HistoryReplay = 5

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	db, err := store.Open(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, a.setup(context.Background(), db))

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return a, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func vehicle(id string) *string { return &id }

func TestTransactionsPagination(t *testing.T) {
	a, srv := newTestApp(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.store.InsertTransaction(ctx, model.Transaction{
			ID:                fmt.Sprintf("tx-%d", i),
			DeviceID:          "dock-1",
			VehicleID:         vehicle("V1"),
			Type:              model.TransactionUnload,
			BottleCount:       2,
			TotalBottlesAfter: 2 * (i + 1),
			WeightDeltaGrams:  550,
			OccurredAt:        base.Add(time.Duration(i) * time.Second),
			Sequence:          uint64(i + 1),
		}))
	}

	resp, err := http.Get(srv.URL + "/api/transactions?limit=2&offset=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Transactions []model.Transaction `json:"transactions"`
		Total        int                 `json:"total"`
		Limit        int                 `json:"limit"`
		Offset       int                 `json:"offset"`
	}
	decode(t, resp, &page)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 1, page.Offset)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "tx-1", page.Transactions[0].ID)
	assert.Equal(t, "tx-0", page.Transactions[1].ID)

	capped, err := http.Get(srv.URL + "/api/transactions?limit=100000")
	require.NoError(t, err)
	defer capped.Body.Close()
	decode(t, capped, &page)
	assert.Equal(t, maxTransactionLimit, page.Limit)

	bad, err := http.Get(srv.URL + "/api/transactions?limit=abc")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	post := postJSON(t, srv.URL+"/api/transactions", map[string]any{})
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestInventoryMutationFlow(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/products", map[string]any{
		"id": 1, "name": "Spring water 500ml", "bottlesPerCase": 12, "unitPrice": "0.50",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/inventory/mutations", map[string]any{
		"productId": 1, "deltaBottles": 15, "reason": "receiving",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stock model.StockQuantity
	decode(t, resp, &stock)
	assert.Equal(t, 1, stock.CasesQty)
	assert.Equal(t, 3, stock.BottlesQty)
	assert.Equal(t, 15, stock.TotalBottles)
	assert.Equal(t, "7.5", stock.TotalValue.String())

	resp = postJSON(t, srv.URL+"/api/inventory/mutations", map[string]any{
		"productId": 1, "deltaCases": -5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/inventory/mutations", map[string]any{
		"productId": 99, "deltaBottles": 1,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/inventory/mutations", map[string]any{
		"productId": 1, "reason": "nothing",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/api/inventory?product_id=1")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var inv struct {
		Stock     model.StockQuantity   `json:"stock"`
		Movements []model.StockMovement `json:"movements"`
	}
	decode(t, get, &inv)
	assert.Equal(t, 15, inv.Stock.TotalBottles)
	require.Len(t, inv.Movements, 1)
	assert.Equal(t, "receiving", inv.Movements[0].Reason)
}

func TestProductRepackRestatesStock(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/products", map[string]any{
		"id": 3, "name": "Cola 330ml", "bottlesPerCase": 12, "unitPrice": "1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postJSON(t, srv.URL+"/api/inventory/mutations", map[string]any{"productId": 3, "deltaBottles": 23})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/products", map[string]any{
		"id": 3, "name": "Cola 330ml", "bottlesPerCase": 6, "unitPrice": "1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/inventory/mutations", map[string]any{"productId": 3, "deltaBottles": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stock model.StockQuantity
	decode(t, resp, &stock)
	assert.Equal(t, 4, stock.CasesQty)
	assert.Equal(t, 0, stock.BottlesQty)
	assert.Equal(t, 24, stock.TotalBottles)
}

func TestProductRejectsZeroPackingFactor(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/products", map[string]any{
		"id": 2, "name": "Crate", "bottlesPerCase": 0, "unitPrice": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestMalformedPublishIsRecorded(t *testing.T) {
	a, srv := newTestApp(t)

	a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{
		ClientID: "dock-1",
		Topic:    "scales/dock-1/state",
		Payload:  []byte("{not json"),
	})
	a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{
		Topic:   "other/topic",
		Payload: []byte("ignored"),
	})

	resp, err := http.Get(srv.URL + "/api/ingestion-errors")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Errors []model.IngestionError `json:"errors"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "dock-1", body.Errors[0].DeviceID)
	assert.Equal(t, "scales/dock-1/state", body.Errors[0].Topic)
}

func TestReadinessAndLatestReadings(t *testing.T) {
	a, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	a.hub.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: 2750, BottleEstimate: 10, Status: model.StatusIdle})

	latest, err := http.Get(srv.URL + "/api/readings/latest")
	require.NoError(t, err)
	defer latest.Body.Close()

	var body struct {
		Readings []model.SensorReading `json:"readings"`
	}
	decode(t, latest, &body)
	require.Len(t, body.Readings, 1)
	assert.Equal(t, 10, body.Readings[0].BottleEstimate)
}

func TestLiveChannelSendsSnapshotThenEvents(t *testing.T) {
	a, srv := newTestApp(t)

	a.hub.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: 550, BottleEstimate: 2, Status: model.StatusIdle})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first struct {
		Type string          `json:"type"`
		Data fanout.Snapshot `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, fanout.TypeSnapshot, first.Type)
	require.Len(t, first.Data.Readings, 1)
	assert.Equal(t, 550, first.Data.Readings[0].WeightGrams)

	a.hub.PublishTransaction(model.Transaction{ID: "tx-1", DeviceID: "dock-1", Type: model.TransactionLoad, BottleCount: 2})

	var next struct {
		Type     string            `json:"type"`
		DeviceID string            `json:"deviceId"`
		Data     model.Transaction `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, fanout.TypeTransaction, next.Type)
	assert.Equal(t, "dock-1", next.DeviceID)
	assert.Equal(t, "tx-1", next.Data.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return a.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeRepublishesEnvelopes(t *testing.T) {
	a, _ := newTestApp(t)

	broker := mqttbroker.New(a.logger)
	_, err := broker.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { broker.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.bridgeEvents(ctx, broker)
	require.Eventually(t, func() bool { return a.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	client := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker("tcp://" + broker.Addr().String()).
		SetClientID("dashboard").
		SetAutoReconnect(false))
	token := client.Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())
	defer client.Disconnect(50)

	got := make(chan []byte, 4)
	token = client.Subscribe("palletsync/+/events", 0, func(_ mqtt.Client, m mqtt.Message) {
		got <- m.Payload()
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	a.hub.PublishReading(model.SensorReading{DeviceID: "dock-3", WeightGrams: 275, BottleEstimate: 1, Status: model.StatusLoading})

	select {
	case payload := <-got:
		var env struct {
			Type     string `json:"type"`
			DeviceID string `json:"deviceId"`
		}
		require.NoError(t, json.Unmarshal(payload, &env))
		assert.Equal(t, fanout.TypeReading, env.Type)
		assert.Equal(t, "dock-3", env.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("bridged event not received")
	}
}
