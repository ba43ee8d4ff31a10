package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgewatch/internal/alerts"
	"edgewatch/internal/config"
	"edgewatch/internal/emitter"
	"edgewatch/internal/handlers"
	"edgewatch/internal/ingest"
	"edgewatch/internal/kafka"
	"edgewatch/internal/logger"
	"edgewatch/internal/middleware"
	"edgewatch/internal/models"
	"edgewatch/internal/mqtt"
	"edgewatch/internal/state"
	"edgewatch/internal/storage"
	"edgewatch/internal/websocket"
)

const (
	historyCapacity = 1000
	shutdownTimeout = 15 * time.Second
	statsInterval   = 30 * time.Second
)

// Processor is the high-level coordinator wiring sources, evaluation,
// alert delivery and the HTTP surface together.
type Processor struct {
	cfg *config.Config

	store    *state.Store
	patterns *alerts.PatternDetector
	loop     *ingest.Loop
	emitter  *emitter.Emitter
	fanout   *emitter.Fanout
	history  storage.AlertStore
	hub      *websocket.Hub
	producer *kafka.Producer
	mqtt     *mqtt.Client

	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the HTTP listener accepts connections
func (p *Processor) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the bound HTTP address. Valid after Ready.
func (p *Processor) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Run builds every component, serves until ctx is cancelled and then shuts
// down in dependency order.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("node", p.cfg.Node).Msg("processor starting")

	if err := p.init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize processor")
		p.closeOnInitError()
		return err
	}

	listener, err := net.Listen("tcp", p.cfg.HTTPAddr)
	if err != nil {
		p.closeOnInitError()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTPAddr, err)
	}
	p.listener = listener

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelBackground()
	defer cancelLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.hub.Run(bgCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.store.RunSweeper(bgCtx, p.cfg.State.SweepInterval, p.cfg.State.IdleTimeout)
	}()

	if p.patterns != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.sweepPatterns(bgCtx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(bgCtx)
	}()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- p.loop.Run(loopCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", listener.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	close(p.ready)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown(cancelLoop, loopDone, cancelBackground)
}

// init builds the component graph from configuration
func (p *Processor) init(ctx context.Context) error {
	log := logger.WithComponent("processor")
	cfg := p.cfg

	policy, err := cfg.Policy()
	if err != nil {
		return &config.ConfigurationError{Key: "bands", Err: err}
	}

	p.store = state.NewStore(cfg.State.Shards)
	gate := alerts.NewGate(cfg.Detector.Cooldown, cfg.Detector.EscalationRearm).WithMaxSkew(cfg.Detector.MaxClockSkew)
	evaluator := alerts.NewEvaluator(alerts.EvaluatorConfig{
		Policy: policy,
		Store:  p.store,
		Gate:   gate,
	})

	if cfg.Detector.PatternsEnabled {
		p.patterns = alerts.NewPatternDetector(alerts.DefaultPatterns(), p.store, gate, alerts.DefaultPatternWindow)
	}

	if err := p.initHistory(ctx); err != nil {
		return err
	}

	p.hub = websocket.NewHub()
	sinks := []emitter.Sink{
		storage.NewSink("history", p.history),
		p.hub,
	}

	var sources []ingest.Source

	if cfg.MQTT.Enabled() {
		client, err := mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		p.mqtt = client

		sources = append(sources, mqtt.NewSubscriber(client, mqtt.SubscriberConfig{
			Topic: cfg.MQTT.ReadingsTopic,
			QoS:   cfg.MQTT.QoS,
		}))
		sinks = append(sinks, mqtt.NewPublisher(client, mqtt.PublisherConfig{
			Topic: cfg.MQTT.AlertsTopic,
			QoS:   cfg.MQTT.QoS,
		}))
		if cfg.MQTT.AlarmsTopic != "" {
			sinks = append(sinks, mqtt.NewAlarmPublisher(client, mqtt.PublisherConfig{
				Topic: cfg.MQTT.AlarmsTopic,
				QoS:   cfg.MQTT.QoS,
			}))
		}
		log.Info().
			Str("broker", cfg.MQTT.Broker).
			Str("readings_topic", cfg.MQTT.ReadingsTopic).
			Str("alerts_topic", cfg.MQTT.AlertsTopic).
			Str("alarms_topic", cfg.MQTT.AlarmsTopic).
			Msg("mqtt transport initialized")
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.ReadingsTopic != "" {
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ReadingsTopic, cfg.Kafka.GroupID)
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		sources = append(sources, consumer)
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.ReadingsTopic).
			Msg("kafka consumer initialized")
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.AlertsTopic != "" {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic, cfg.Kafka.Producer)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		p.producer = producer
		sinks = append(sinks, producer)
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.AlertsTopic).
			Msg("kafka producer initialized")
	}

	p.fanout = emitter.NewFanout(sinks...)
	p.emitter = emitter.New(emitter.Config{
		Publisher:    p.fanout,
		Node:         cfg.Node,
		QueueSize:    cfg.Emitter.QueueSize,
		Workers:      cfg.Emitter.Workers,
		BatchSize:    cfg.Emitter.BatchSize,
		BatchTimeout: cfg.Emitter.BatchTimeout,
	})

	loopCfg := ingest.Config{
		Sources:   sources,
		Evaluator: evaluator,
		Emitter:   p.emitter,
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	}
	if p.patterns != nil {
		loopCfg.Patterns = p.patterns
	}
	p.loop = ingest.NewLoop(loopCfg)

	p.initHTTPServer()

	log.Info().
		Strs("sinks", p.fanout.Sinks()).
		Int("sources", len(sources)).
		Dur("cooldown", cfg.Detector.Cooldown).
		Bool("patterns", p.patterns != nil).
		Msg("processor initialized")
	return nil
}

// initHistory selects ClickHouse when configured, otherwise an in-memory ring
func (p *Processor) initHistory(ctx context.Context) error {
	log := logger.WithComponent("processor")

	if !p.cfg.ClickHouse.Enabled() {
		p.history = storage.NewMemoryStore(historyCapacity)
		log.Info().Int("capacity", historyCapacity).Msg("using in-memory alert history")
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := storage.NewClickHouse(connectCtx, storage.ClickHouseConfig{
		Addr:     p.cfg.ClickHouse.Addr,
		Database: p.cfg.ClickHouse.Database,
		Username: p.cfg.ClickHouse.Username,
		Password: p.cfg.ClickHouse.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	p.history = store
	log.Info().Str("addr", p.cfg.ClickHouse.Addr).Msg("clickhouse alert history initialized")
	return nil
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	mux := http.NewServeMux()

	mux.Handle("/readings", middleware.Chain(
		handlers.NewIngestHandler(handlers.IngestConfig{Out: p.loop.Inbound()}),
		middleware.Recovery,
		middleware.Logging,
	))
	mux.Handle("/alerts", middleware.Chain(
		handlers.NewAlertsHandler(p.history),
		middleware.Recovery,
		middleware.Logging,
	))
	mux.Handle("/alerts/ws", middleware.Chain(
		p.hub.Handler(func(ctx context.Context, limit int) ([]models.AlertEvent, error) {
			return p.history.RecentAlerts(ctx, "", limit)
		}),
		middleware.Recovery,
		middleware.Logging,
	))

	mux.HandleFunc("/health", p.healthHandler)
	mux.HandleFunc("/stats", p.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown stops intake first, then drains evaluation and delivery before
// closing transports
func (p *Processor) shutdown(cancelLoop context.CancelFunc, loopDone <-chan error, cancelBackground context.CancelFunc) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 1. Stop accepting HTTP readings
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop sources and evaluate everything already queued
	cancelLoop()
	select {
	case err := <-loopDone:
		if err != nil {
			log.Error().Err(err).Msg("ingest loop error")
		}
	case <-shutdownCtx.Done():
		log.Warn().Msg("ingest loop shutdown timeout")
	}

	// 3. Deliver queued alerts
	if err := p.emitter.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("emitter did not drain before timeout")
	}

	// 4. Close sinks and transports
	if err := p.fanout.Close(); err != nil {
		log.Error().Err(err).Msg("sink close error")
	}
	if p.mqtt != nil {
		p.mqtt.Close()
	}

	// 5. Stop background goroutines
	cancelBackground()
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// closeOnInitError releases whatever init managed to open
func (p *Processor) closeOnInitError() {
	if p.emitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		p.emitter.Close(ctx)
		cancel()
	}
	if p.fanout != nil {
		p.fanout.Close()
	} else {
		if p.history != nil {
			p.history.Close()
		}
		if p.producer != nil {
			p.producer.Close()
		}
	}
	if p.mqtt != nil {
		p.mqtt.Close()
	}
}

// sweepPatterns evicts pattern windows of devices idle past the state timeout
func (p *Processor) sweepPatterns(ctx context.Context) {
	idle, interval := p.cfg.State.IdleTimeout, p.cfg.State.SweepInterval
	if idle <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := p.patterns.Sweep(idle, now); n > 0 {
				log := logger.WithComponent("processor")
				log.Debug().Int("evicted", n).Msg("evicted idle pattern windows")
			}
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loopStats := p.loop.Stats()
			emitterStats := p.emitter.Stats()

			log.Info().
				Uint64("received", loopStats.Received).
				Uint64("evaluated", loopStats.Evaluated).
				Uint64("malformed", loopStats.Malformed).
				Uint64("alerts", loopStats.Alerts).
				Uint64("emitted", emitterStats.Emitted).
				Uint64("dropped", emitterStats.Dropped).
				Int("state_keys", p.store.Len()).
				Int("ws_clients", p.hub.Clients()).
				Msg("stats")
		}
	}
}

// healthHandler reports liveness and the state of each transport
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}

	if p.mqtt != nil {
		checks["mqtt"] = "ok"
		if !p.mqtt.IsConnected() {
			checks["mqtt"] = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}

	if p.producer != nil {
		checks["kafka"] = "ok"
		if err := p.producer.HealthCheck(ctx); err != nil {
			checks["kafka"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}

	writeJSON(w, status, body)
}

// StatsResponse is returned by the stats endpoint
type StatsResponse struct {
	Ingest    ingest.Stats  `json:"ingest"`
	Emitter   emitter.Stats `json:"emitter"`
	StateKeys int           `json:"state_keys"`
	WSClients int           `json:"ws_clients"`
	Sinks     []string      `json:"sinks"`

	Kafka *kafka.ProducerStats `json:"kafka,omitempty"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Ingest:    p.loop.Stats(),
		Emitter:   p.emitter.Stats(),
		StateKeys: p.store.Len(),
		WSClients: p.hub.Clients(),
		Sinks:     p.fanout.Sinks(),
	}
	if p.producer != nil {
		stats := p.producer.Stats()
		resp.Kafka = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
