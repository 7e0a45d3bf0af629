package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "sitewide-aggregator/internal/common/logger"
	"sitewide-aggregator/internal/config"
	"sitewide-aggregator/internal/service"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	resync := flag.Bool("resync", false, "rebuild the mirror from every usable tenant before consuming changes")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *resync {
		cfg.Aggregator.ResyncOnStart = true
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "sitewide-aggregator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	logStartup(log, cfg)

	svc, err := service.NewAggregatorService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create aggregator service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("Received signal, shutting down")
	case err := <-errChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
		}
		stop()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}

// logStartup records the settings that decide what the service does first
func logStartup(log *zap.Logger, cfg *config.Config) {
	agg := cfg.Aggregator
	excluded := make([]int64, 0, len(agg.ExcludedTenants))
	for _, id := range agg.ExcludedTenants {
		excluded = append(excluded, int64(id))
	}

	fields := []zap.Field{
		zap.String("trigger_mode", agg.TriggerMode),
		zap.Strings("post_types", agg.PostTypes),
		zap.Int64s("excluded_tenants", excluded),
		zap.Int("workers", agg.Workers),
		zap.String("database", fmt.Sprintf("%s@%s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)),
	}
	switch agg.TriggerMode {
	case config.TriggerEvents:
		fields = append(fields, zap.String("stream", agg.EventStream), zap.String("group", agg.ConsumerGroup))
	case config.TriggerMQTT:
		fields = append(fields, zap.String("broker", cfg.MQTT.Broker), zap.String("topic", agg.MQTTTopic))
	case config.TriggerPolling:
		fields = append(fields, zap.Int("interval_seconds", agg.Polling.Interval))
	}
	log.Info("Sitewide aggregator configured", fields...)

	if !agg.Enabled {
		log.Warn("Aggregation is disabled, changes will be acknowledged without mirroring")
	}
	if agg.ResyncOnStart {
		log.Info("Full resync requested on start")
	} else {
		log.Info("No resync requested, one still runs if the mirror schema changes")
	}
}
