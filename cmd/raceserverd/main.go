// Command raceserverd is the race control plane process: it wires the
// broker, the race state machine, the pluggable processor registry, the
// timer-interface manager, persistence, metrics, the HTTP/WebSocket
// transport demonstration, and the heartbeat job, then runs until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paddock/racecore/internal/broker"
	"github.com/paddock/racecore/internal/config"
	"github.com/paddock/racecore/internal/heartbeat"
	"github.com/paddock/racecore/internal/httpapi"
	"github.com/paddock/racecore/internal/metrics"
	"github.com/paddock/racecore/internal/persistence"
	"github.com/paddock/racecore/internal/persistence/memory"
	"github.com/paddock/racecore/internal/persistence/postgres"
	_ "github.com/paddock/racecore/internal/processor/mostlaps" // registers "most_laps"
	"github.com/paddock/racecore/internal/raceclock"
	"github.com/paddock/racecore/internal/raceevents"
	"github.com/paddock/racecore/internal/racemanager"
	"github.com/paddock/racecore/internal/racestate"
	"github.com/paddock/racecore/internal/timing"
	"github.com/paddock/racecore/pkg/racelog"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE env)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := racelog.New(racelog.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("initialise persistence store")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	metricsSet := metrics.New(reg)

	clock := raceclock.NewSystem()
	brk := broker.New(logger)
	machine := racestate.New(clock, brk, rand.New(rand.NewSource(time.Now().UnixNano())))
	manager := racemanager.New(machine, store, logger)

	timingManager := timing.New(manager, logger)
	timingManager.Start()

	metricsDone := make(chan struct{})
	go pollMetrics(metricsSet, manager, brk, metricsDone)
	defer close(metricsDone)

	hbJob := heartbeat.New(brk, logger, time.Duration(cfg.Race.HeartbeatIntervalMS)*time.Millisecond)
	if err := hbJob.Start(); err != nil {
		logger.WithField("error", err).Fatal("start heartbeat job")
	}

	apiServer := httpapi.NewServer(manager, brk, logger, cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst)
	mux := http.NewServeMux()
	mux.Handle("/", apiServer)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.WithField("addr", addr).Info("race server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("error", err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			brk.Trigger(raceevents.Restart, nil, [16]byte{})
			continue
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hbJob.Stop(shutdownCtx)
	if err := timingManager.Shutdown(5 * time.Second); err != nil {
		logger.WithField("error", err).Warn("timer interface shutdown did not complete cleanly")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Warn("http server shutdown did not complete cleanly")
	}
	if err := brk.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Warn("broker shutdown did not complete cleanly")
	}
}

// pollMetrics keeps race_status and broker_queue_depth current; neither
// the state machine nor the broker push metric updates themselves.
func pollMetrics(m *metrics.Metrics, manager *racemanager.Manager, brk *broker.Broker, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.SetRaceStatus(int(manager.Status()))
			m.ObserveQueueDepth("all", brk.SubscriberCount())
		}
	}
}

func buildStore(cfg *config.Config, logger *racelog.Logger) (persistence.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Storage.MigrateOnStart {
			if err := postgres.Migrate(cfg.Storage.DSN); err != nil {
				return nil, func() {}, fmt.Errorf("apply migrations: %w", err)
			}
		}
		store, err := postgres.Open(cfg.Storage.DSN, logger)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open postgres store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
