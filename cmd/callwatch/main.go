package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/sweeney/callwatch/internal/config"
	"github.com/sweeney/callwatch/internal/publisher"
	"github.com/sweeney/callwatch/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/callwatch/callwatch.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	db, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		QoS:      1,
	})
	if err != nil {
		log.Error("connecting to MQTT", "error", err)
		os.Exit(1)
	}
	defer pub.Close()
	log.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)

	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, log)
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Sweep.Schedule, func() {
		runScheduledSweep(ctx, cfg, db, pub, log)
	})
	if err != nil {
		log.Error("invalid sweep schedule", "schedule", cfg.Sweep.Schedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if err := run(ctx, cfg, db, pub, log); err != nil && ctx.Err() == nil {
		log.Error("listener failed", "error", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv})
	return slog.New(h)
}

func serveMetrics(listen string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", "listen", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Error("metrics server failed", "error", err)
	}
}
