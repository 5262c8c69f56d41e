package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palletsync/go-mqtt-server/internal/fanout"
	"palletsync/go-mqtt-server/internal/model"
	"palletsync/go-mqtt-server/internal/reading"
)

type memStore struct {
	mu  sync.Mutex
	txs []model.Transaction
}

func (m *memStore) InsertTransaction(_ context.Context, tx model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, tx)
	return nil
}

func (m *memStore) all() []model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Transaction(nil), m.txs...)
}

type stockCall struct {
	productID int64
	tx        model.Transaction
}

type fakeStock struct {
	mu    sync.Mutex
	calls []stockCall
}

func (f *fakeStock) ApplyTransaction(_ context.Context, productID int64, tx model.Transaction) (model.StockQuantity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stockCall{productID, tx})
	return model.StockQuantity{}, nil
}

func testConfig() Config {
	return Config{
		UnitGrams:           275,
		NoiseThresholdGrams: 275,
		Debounce:            time.Hour,
		SessionTimeout:      time.Hour,
		CloseSessionOnIdle:  true,
		SweepInterval:       10 * time.Millisecond,
		QueueSize:           16,
	}
}

func startPipeline(t *testing.T, cfg Config, stock StockApplier) (*Pipeline, *memStore, *fanout.Hub) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memStore{}
	hub := fanout.NewHub(logger, 256, 50)
	p := New(cfg, logger, store, hub, stock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	<-p.Started()
	return p, store, hub
}

func ingest(t *testing.T, p *Pipeline, topic, payload string) {
	t.Helper()
	require.NoError(t, p.Ingest(context.Background(), topic, []byte(payload)))
}

func waitForTransactions(t *testing.T, store *memStore, n int) []model.Transaction {
	t.Helper()
	require.Eventually(t, func() bool { return len(store.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return store.all()
}

func TestTapThenLoadProducesOneAttributedTransaction(t *testing.T) {
	stock := &fakeStock{}
	cfg := testConfig()
	cfg.DeviceProducts = map[string]int64{"dock-1": 12}
	p, store, hub := startPipeline(t, cfg, stock)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)
	assert.Equal(t, fanout.TypeSnapshot, sub.Snapshot().Type)

	ingest(t, p, "scales/dock-1/state", `{"weight": 5500, "status": "idle"}`)
	ingest(t, p, "scales/dock-1/vehicle", "V1")
	ingest(t, p, "scales/dock-1/status", "loading")
	ingest(t, p, "scales/dock-1/weight", "4000")
	ingest(t, p, "scales/dock-1/weight", "2750")
	ingest(t, p, "scales/dock-1/status", "idle")

	txs := waitForTransactions(t, store, 1)
	require.Len(t, txs, 1)
	tx := txs[0]
	require.NotNil(t, tx.VehicleID)
	assert.Equal(t, "V1", *tx.VehicleID)
	assert.Equal(t, model.TransactionLoad, tx.Type)
	assert.Equal(t, 10, tx.BottleCount)
	assert.Equal(t, uint64(6), tx.Sequence)

	var kinds []string
	var sessionKinds []string
	require.Eventually(t, func() bool {
		for {
			select {
			case env := <-sub.C():
				kinds = append(kinds, env.Type)
				if env.Type == fanout.TypeSession {
					sessionKinds = append(sessionKinds, env.Data.(fanout.SessionEvent).Kind)
				}
			default:
				return len(sessionKinds) == 2
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.NotContains(t, kinds, fanout.TypeSnapshot)
	assert.Contains(t, kinds, fanout.TypeTransaction)
	assert.Equal(t, []string{"activated", "closed"}, sessionKinds)

	stock.mu.Lock()
	defer stock.mu.Unlock()
	require.Len(t, stock.calls, 1)
	assert.Equal(t, int64(12), stock.calls[0].productID)
}

func TestNoiseProducesNoTransaction(t *testing.T) {
	p, store, hub := startPipeline(t, testConfig(), nil)

	ingest(t, p, "scales/dock-1/state", `{"weight": 5500, "status": "idle"}`)
	ingest(t, p, "scales/dock-1/state", `{"weight": 5400, "status": "loading"}`)
	ingest(t, p, "scales/dock-1/state", `{"weight": 5400, "status": "idle"}`)

	require.Eventually(t, func() bool {
		snap := hub.Snapshot()
		return len(snap.Readings) == 1 && snap.Readings[0].Sequence == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, store.all())
}

func TestUnattributedTransactionRecorded(t *testing.T) {
	p, store, _ := startPipeline(t, testConfig(), nil)

	ingest(t, p, "scales/dock-9/state", `{"weight": 0, "status": "unloading"}`)
	ingest(t, p, "scales/dock-9/state", `{"weight": 2750, "status": "idle"}`)

	txs := waitForTransactions(t, store, 1)
	assert.True(t, txs[0].Unattributed())
	assert.Equal(t, model.TransactionUnload, txs[0].Type)
	assert.Equal(t, "dock-9", txs[0].DeviceID)
}

func TestDevicesAreIndependent(t *testing.T) {
	p, store, _ := startPipeline(t, testConfig(), nil)

	ingest(t, p, "scales/a/state", `{"weight": 2750, "status": "idle", "vehicle": "VA"}`)
	ingest(t, p, "scales/b/state", `{"weight": 0, "status": "idle", "vehicle": "VB"}`)
	ingest(t, p, "scales/a/state", `{"weight": 0, "status": "loading"}`)
	ingest(t, p, "scales/b/state", `{"weight": 2750, "status": "unloading"}`)
	ingest(t, p, "scales/a/status", "idle")
	ingest(t, p, "scales/b/status", "idle")

	txs := waitForTransactions(t, store, 2)
	byDevice := map[string]model.Transaction{}
	for _, tx := range txs {
		byDevice[tx.DeviceID] = tx
	}
	assert.Equal(t, "VA", *byDevice["a"].VehicleID)
	assert.Equal(t, model.TransactionLoad, byDevice["a"].Type)
	assert.Equal(t, "VB", *byDevice["b"].VehicleID)
	assert.Equal(t, model.TransactionUnload, byDevice["b"].Type)
	assert.ElementsMatch(t, []string{"a", "b"}, p.Devices())
}

func TestSweepFinalizesAndExpires(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = 30 * time.Millisecond
	cfg.SessionTimeout = 80 * time.Millisecond
	p, store, hub := startPipeline(t, cfg, nil)

	ingest(t, p, "scales/dock-1/state", `{"weight": 5500, "status": "idle", "vehicle": "V2"}`)
	ingest(t, p, "scales/dock-1/state", `{"weight": 2750, "status": "loading"}`)

	txs := waitForTransactions(t, store, 1)
	assert.Equal(t, "V2", *txs[0].VehicleID)

	require.Eventually(t, func() bool {
		snap := hub.Snapshot()
		return len(snap.Readings) == 1 && snap.Readings[0].VehicleID == ""
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIngestRejectsMalformed(t *testing.T) {
	p, _, _ := startPipeline(t, testConfig(), nil)

	err := p.Ingest(context.Background(), "scales/dock-1/state", []byte("not json"))
	require.ErrorIs(t, err, reading.ErrMalformedReading)
	assert.Empty(t, p.Devices())
}

func TestIngestBeforeRun(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(testConfig(), logger, &memStore{}, fanout.NewHub(logger, 1, 1), nil)

	err := p.Ingest(context.Background(), "scales/dock-1/weight", []byte("1"))
	require.True(t, errors.Is(err, ErrStopped))
}
