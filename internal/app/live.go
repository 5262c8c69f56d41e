package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"palletsync/go-mqtt-server/internal/mqttbroker"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
)

// EventTopicFormat is the MQTT topic envelopes are republished on.
const EventTopicFormat = "palletsync/%s/events"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from other origins on the dock network.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLive upgrades to a WebSocket, writes the subscriber's snapshot and
// then streams live envelopes until either side goes away.
func (a *App) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := a.hub.Subscribe()
	defer a.hub.Unsubscribe(sub)

	logger := a.logger.With("subscriber", sub.ID(), "remote", r.RemoteAddr)
	logger.Debug("live subscriber connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := conn.WriteJSON(sub.Snapshot()); err != nil {
		logger.Debug("snapshot delivery failed, removing", "error", err)
		return
	}

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				logger.Debug("subscriber delivery failed, removing", "error", err, "dropped", sub.Dropped())
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				logger.Debug("subscriber ping failed, removing", "error", err)
				return
			}
		case <-closed:
			logger.Debug("live subscriber disconnected", "dropped", sub.Dropped())
			return
		}
	}
}

// bridgeEvents republishes live envelopes to MQTT so broker-native dashboards
// see the same stream as WebSocket clients.
func (a *App) bridgeEvents(ctx context.Context, broker *mqttbroker.Broker) {
	sub := a.hub.Subscribe()
	defer a.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if env.DeviceID == "" {
				continue
			}

			payload, err := json.Marshal(env)
			if err != nil {
				a.logger.Error("failed to encode bridged event", "type", env.Type, "error", err)
				continue
			}
			if err := broker.Publish(fmt.Sprintf(EventTopicFormat, env.DeviceID), payload); err != nil {
				a.logger.Debug("bridge publish skipped", "device", env.DeviceID, "error", err)
			}
		}
	}
}
