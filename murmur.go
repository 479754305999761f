package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/admin"
	"github.com/murmurchat/murmur/bus"
	"github.com/murmurchat/murmur/cfg"
	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/eventlog"
	"github.com/murmurchat/murmur/fanout"
	"github.com/murmurchat/murmur/sink"
	"github.com/murmurchat/murmur/social"
	"github.com/murmurchat/murmur/telemetry"
	"github.com/murmurchat/murmur/ws"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Murmur - realtime event delivery core")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Event log with durable per-recipient sequencing
	log.Info().Str("dir", cfg.EventLogPath()).Msg("Opening event log")
	db, _, events, err := eventlog.Open(cfg.EventLogPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event log")
		return
	}
	defer db.Close()

	// Social graph store (friendships, circles, groups, signing keys)
	log.Info().Str("path", cfg.Config.Social.DBPath).Msg("Opening social store")
	store, err := social.OpenStore(cfg.Config.Social.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open social store")
		return
	}
	defer store.Close()

	// Delivery pipeline: resolver -> bus -> registry
	resolver := fanout.NewResolver(store, store.Circles(), store.Groups())
	registry := ws.NewRegistry()
	eventBus := bus.New(events, resolver, registry)

	// WebSocket endpoint
	auth := ws.NewAuthenticator(store, time.Duration(cfg.Config.Auth.SkewSeconds)*time.Second)
	wsServer := ws.NewServer(auth, registry, events, ws.Options{
		HeartbeatInterval: time.Duration(cfg.Config.Realtime.HeartbeatIntervalMS) * time.Millisecond,
		PongTimeout:       time.Duration(cfg.Config.Realtime.PongTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Config.Realtime.WriteTimeoutMS) * time.Millisecond,
		CatchUpBatchSize:  cfg.Config.Realtime.CatchUpBatchSize,
		SendBufferSize:    cfg.Config.Realtime.SendBufferSize,
	})

	// Downstream sinks
	collector := telemetry.NewMetricsCollector(registry, 10*time.Second)
	workers := startSinkWorkers(eventBus, collector)
	defer func() {
		for _, w := range workers {
			w.Stop()
		}
	}()

	digest := startDigest(eventBus)
	if digest != nil {
		defer digest.Stop()
	}

	collector.Start()
	defer collector.Stop()

	// HTTP surface: connect endpoint, admin routes, metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", wsServer.HandleConnect)
	admin.RegisterRoutes(mux, admin.NewHandlers(cfg.Config.NodeID, registry, events), cfg.Config.Auth.AdminToken)
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Server.BindAddress, cfg.Config.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.Store.DataDir).
		Msg("Node is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
}

// startSinkWorkers wires one forwarding worker per enabled downstream
// sink, each on its own bus subscription.
func startSinkWorkers(eventBus *bus.EventBus, collector *telemetry.MetricsCollector) []*sink.Worker {
	filter, err := sink.NewTypeFilter(cfg.Config.Sink.TypeFilter)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid sink type filter")
		return nil
	}

	var workers []*sink.Worker

	addWorker := func(name string, snk sink.Sink) {
		source, _ := eventBus.Hub().Subscribe(bus.SubscriptionFilter{Buffer: cfg.Config.Sink.QueueSize})
		w, err := sink.NewWorker(sink.WorkerConfig{
			Name:         name,
			Sink:         snk,
			Filter:       filter,
			SubjectRoot:  cfg.Config.Sink.NATS.SubjectRoot,
			Source:       source,
			RetryInitial: time.Duration(cfg.Config.Sink.RetryBackoffMS) * time.Millisecond,
			MaxRetries:   cfg.Config.Sink.MaxRetries,
		})
		if err != nil {
			log.Fatal().Err(err).Str("sink", name).Msg("Failed to create sink worker")
			return
		}
		w.Start()
		collector.AddQueue(w)
		workers = append(workers, w)
	}

	if cfg.Config.Sink.NATS.Enabled {
		natsSink, err := sink.NewNatsSink(cfg.Config.Sink.NATS.URL, cfg.Config.Sink.NATS.SubjectRoot)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect NATS sink")
			return workers
		}
		addWorker("nats", natsSink)
	}

	if cfg.Config.Sink.Kafka.Enabled {
		kafkaSink, err := sink.NewKafkaSink(sink.DefaultKafkaConfig(cfg.Config.Sink.Kafka.Brokers, cfg.Config.Sink.Kafka.Topic))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka sink")
			return workers
		}
		addWorker("kafka", kafkaSink)
	}

	return workers
}

// startDigest enables the periodic digest rollup when configured. It
// reuses the NATS sink connection settings and emits one summary per
// window under the digest subject.
func startDigest(eventBus *bus.EventBus) *sink.DigestTicker {
	if cfg.Config.Sink.DigestIntervalHours <= 0 || !cfg.Config.Sink.NATS.Enabled {
		return nil
	}

	natsSink, err := sink.NewNatsSink(cfg.Config.Sink.NATS.URL, cfg.Config.Sink.NATS.SubjectRoot)
	if err != nil {
		log.Warn().Err(err).Msg("Digest sink unavailable, rollups disabled")
		return nil
	}

	source, _ := eventBus.Hub().Subscribe(bus.SubscriptionFilter{Types: []event.Type{
		event.TypeMessage,
		event.TypeGroupMessage,
		event.TypeCircleNote,
	}})

	d := sink.NewDigestTicker(
		natsSink,
		cfg.Config.Sink.NATS.SubjectRoot+".digest",
		time.Duration(cfg.Config.Sink.DigestIntervalHours)*time.Hour,
		source,
	)
	d.Start()
	return d
}
