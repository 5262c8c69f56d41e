package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"palletsync/go-mqtt-server/internal/config"
	"palletsync/go-mqtt-server/internal/fanout"
	"palletsync/go-mqtt-server/internal/inventory"
	"palletsync/go-mqtt-server/internal/model"
	"palletsync/go-mqtt-server/internal/mqttbroker"
	"palletsync/go-mqtt-server/internal/pipeline"
	"palletsync/go-mqtt-server/internal/reading"
	"palletsync/go-mqtt-server/internal/store"
)

// App wires together the palletsync services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	hub       *fanout.Hub
	inventory *inventory.Service
	pipeline  *pipeline.Pipeline
	broker    *mqttbroker.Broker
	mdns      []*zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.setup(ctx, db); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	pipelineErrCh := make(chan error, 1)
	go func() {
		pipelineErrCh <- a.pipeline.Run(runCtx)
	}()
	<-a.pipeline.Started()

	broker := mqttbroker.New(a.logger)
	broker.SetPublishHandler(a.handleMQTTPublish)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	go a.bridgeEvents(runCtx, broker)

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(mqttPort(broker.Addr())); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")

			cancelRun()
			if err := <-pipelineErrCh; err != nil {
				return err
			}
			a.logger.Info("pipeline stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err := <-pipelineErrCh:
			_ = httpServer.Shutdown(context.Background())
			_ = a.broker.Stop()
			if err != nil {
				return fmt.Errorf("pipeline: %w", err)
			}
			return errors.New("pipeline exited unexpectedly")
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

// setup initializes the schema and every component that does not own a listener.
func (a *App) setup(ctx context.Context, db *store.Store) error {
	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	a.store = db

	a.hub = fanout.NewHub(a.logger, a.cfg.SubscriberBuffer, a.cfg.HistoryReplay)
	if a.cfg.HistoryReplay > 0 {
		seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		recent, err := db.RecentTransactions(seedCtx, a.cfg.HistoryReplay, 0)
		cancel()
		if err != nil {
			return fmt.Errorf("seed transaction history: %w", err)
		}
		a.hub.Seed(recent)
	}

	a.inventory = inventory.NewService(db, a.logger)

	a.pipeline = pipeline.New(pipeline.Config{
		UnitGrams:           a.cfg.UnitBottleWeightGrams,
		NoiseThresholdGrams: a.cfg.NoiseThresholdGrams,
		Debounce:            a.cfg.DebounceWindow,
		SessionTimeout:      a.cfg.SessionTimeout,
		CloseSessionOnIdle:  a.cfg.CloseSessionOnIdle,
		SweepInterval:       a.cfg.SweepInterval,
		QueueSize:           a.cfg.DeviceQueueSize,
		DeviceProducts:      a.cfg.DeviceProducts,
	}, a.logger, db, a.hub, a.inventory)

	return nil
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	if !strings.HasPrefix(msg.Topic, reading.TopicPrefix) {
		return
	}

	err := a.pipeline.Ingest(ctx, msg.Topic, msg.Payload)
	switch {
	case err == nil:
	case errors.Is(err, reading.ErrMalformedReading):
		a.logger.Warn("mqtt payload dropped", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		a.recordIngestionError(ctx, msg.Topic, msg.Payload, err)
	default:
		a.logger.Error("mqtt payload not ingested", "topic", msg.Topic, "error", err)
	}
}

func (a *App) recordIngestionError(ctx context.Context, topic string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		DeviceID: deviceFromTopic(topic),
		Topic:    topic,
		Payload:  truncateString(string(payload), 4096),
		Error:    cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func deviceFromTopic(topic string) string {
	parts := strings.Split(strings.TrimPrefix(topic, reading.TopicPrefix), "/")
	if len(parts) >= 2 {
		return parts[0]
	}
	return ""
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func mqttPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portText)
	return port
}
