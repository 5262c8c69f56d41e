package fanout

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palletsync/go-mqtt-server/internal/model"
)

var base = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func newTestHub(buffer, replay int) *Hub {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), buffer, replay)
	h.now = func() time.Time { return base }
	return h
}

func txAt(i int) model.Transaction {
	return model.Transaction{
		ID:          fmt.Sprintf("tx-%d", i),
		DeviceID:    "dock-1",
		Type:        model.TransactionLoad,
		BottleCount: 1,
		OccurredAt:  base.Add(time.Duration(i) * time.Second),
		Sequence:    uint64(i),
	}
}

func next(t *testing.T, sub *Subscriber) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.True(t, ok, "subscriber queue closed")
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
		return Envelope{}
	}
}

func TestLateSubscriberGetsSnapshot(t *testing.T) {
	h := newTestHub(8, 50)

	for i := 1; i <= 60; i++ {
		h.PublishTransaction(txAt(i))
	}
	h.PublishReading(model.SensorReading{DeviceID: "dock-2", WeightGrams: 10})
	h.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: 2750})
	h.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: 5500})

	sub := h.Subscribe()
	env := sub.Snapshot()
	require.Equal(t, TypeSnapshot, env.Type)

	snap, ok := env.Data.(Snapshot)
	require.True(t, ok)
	require.Len(t, snap.Readings, 2)
	assert.Equal(t, "dock-1", snap.Readings[0].DeviceID)
	assert.Equal(t, 5500, snap.Readings[0].WeightGrams)

	require.Len(t, snap.Transactions, 50)
	assert.Equal(t, "tx-60", snap.Transactions[0].ID)
	assert.Equal(t, "tx-11", snap.Transactions[49].ID)
	for i := 1; i < len(snap.Transactions); i++ {
		assert.True(t, snap.Transactions[i-1].OccurredAt.After(snap.Transactions[i].OccurredAt))
	}
}

func TestSeedOrdersHistory(t *testing.T) {
	h := newTestHub(4, 3)
	h.Seed([]model.Transaction{txAt(5), txAt(4), txAt(3), txAt(2)})

	snap := h.Snapshot()
	require.Len(t, snap.Transactions, 3)
	assert.Equal(t, []string{"tx-5", "tx-4", "tx-3"}, []string{snap.Transactions[0].ID, snap.Transactions[1].ID, snap.Transactions[2].ID})
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	h := newTestHub(8, 10)
	a, b := h.Subscribe(), h.Subscribe()

	h.PublishTransaction(txAt(1))

	for _, sub := range []*Subscriber{a, b} {
		env := next(t, sub)
		assert.Equal(t, TypeTransaction, env.Type)
		assert.Equal(t, "dock-1", env.DeviceID)
		assert.Equal(t, base, env.ServerTimestamp)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := newTestHub(3, 0)
	slow := h.Subscribe()
	fast := h.Subscribe()

	for i := 1; i <= 5; i++ {
		h.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: i})
		env := next(t, fast)
		assert.Equal(t, i, env.Data.(model.SensorReading).WeightGrams)
	}

	assert.Equal(t, uint64(2), slow.Dropped())
	var weights []int
	for i := 0; i < 3; i++ {
		weights = append(weights, next(t, slow).Data.(model.SensorReading).WeightGrams)
	}
	assert.Equal(t, []int{3, 4, 5}, weights)
	assert.Zero(t, fast.Dropped())
}

func TestSnapshotSurvivesBurstBeforeFirstRead(t *testing.T) {
	h := newTestHub(2, 50)
	h.PublishTransaction(txAt(1))

	sub := h.Subscribe()
	h.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: 1})
	h.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: 2})
	h.PublishReading(model.SensorReading{DeviceID: "dock-1", WeightGrams: 3})

	snap := sub.Snapshot()
	require.Equal(t, TypeSnapshot, snap.Type)
	data := snap.Data.(Snapshot)
	assert.Empty(t, data.Readings)
	require.Len(t, data.Transactions, 1)
	assert.Equal(t, "tx-1", data.Transactions[0].ID)

	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, 2, next(t, sub).Data.(model.SensorReading).WeightGrams)
	assert.Equal(t, 3, next(t, sub).Data.(model.SensorReading).WeightGrams)
}

func TestUnsubscribeIsolatesOthers(t *testing.T) {
	h := newTestHub(4, 0)
	gone := h.Subscribe()
	stay := h.Subscribe()

	h.Unsubscribe(gone)
	h.Unsubscribe(gone)
	<-gone.Done()

	h.PublishReading(model.SensorReading{DeviceID: "dock-1"})
	assert.Equal(t, TypeReading, next(t, stay).Type)
	assert.Equal(t, 1, h.Len())
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	h := newTestHub(256, 20)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := h.Subscribe()
			assert.Equal(t, TypeSnapshot, sub.Snapshot().Type)
			h.Unsubscribe(sub)
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h.PublishTransaction(txAt(i*10 + j))
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish or subscribe blocked")
	}
	assert.Zero(t, h.Len())
	assert.Len(t, h.Snapshot().Transactions, 20)
}
