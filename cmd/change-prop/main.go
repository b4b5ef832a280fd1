// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/changeprop/engine/internal/adminapi"
	"github.com/changeprop/engine/internal/bus"
	"github.com/changeprop/engine/internal/config"
	"github.com/changeprop/engine/internal/executor"
	"github.com/changeprop/engine/internal/housekeeping"
	"github.com/changeprop/engine/internal/loader"
	"github.com/changeprop/engine/internal/obs"
	"github.com/changeprop/engine/internal/redisclient"
	"github.com/changeprop/engine/internal/rule"
	"github.com/changeprop/engine/internal/schema"
	"github.com/nats-io/nats.go"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := schema.SelfCheck(); err != nil {
		logger.Fatal("envelope schema self-check failed", obs.Err(err))
	}

	compiled, err := loader.Load(cfg.RulesDir)
	if err != nil {
		logger.Fatal("failed to load rules", obs.Err(err))
	}
	rules := make([]*rule.Rule, 0, len(compiled))
	for _, c := range compiled {
		rules = append(rules, c.Rule)
	}
	registry, err := rule.NewRegistry(rules)
	if err != nil {
		logger.Fatal("failed to build rule registry", obs.Err(err))
	}
	logger.Info("rules loaded", obs.Int("count", len(rules)))

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if cfg.Bus.StartupDelay > 0 {
		logger.Info("honoring bus startup delay", obs.String("delay", cfg.Bus.StartupDelay.String()))
		time.Sleep(cfg.Bus.StartupDelay)
	}

	producer, err := bus.NewGuaranteedProducer(cfg.Bus.NatsURL, logger)
	if err != nil {
		logger.Fatal("failed to start bus producer", obs.Err(err))
	}

	emitterID := cfg.Bus.ResolvedProduceDC()
	ex := executor.New(registry, nil, producer, logger, emitterID)
	for _, c := range compiled {
		if c.RateLimit > 0 {
			ex.SetRateLimit(c.Rule.Name, c.RateLimit)
		}
	}

	nc, err := nats.Connect(cfg.Bus.NatsURL)
	if err != nil {
		logger.Fatal("failed to connect to nats for consumers", obs.Err(err))
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("failed to open jetstream context", obs.Err(err))
	}

	consumeDC := cfg.Bus.ResolvedConsumeDC()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers []*bus.ConsumerWorker
	for _, topic := range registry.Topics() {
		topic := topic
		w, err := bus.NewConsumerWorker(js, topic, "change-prop-"+consumeDC, logger)
		if err != nil {
			logger.Fatal("failed to start consumer", obs.String("topic", topic), obs.Err(err))
		}
		workers = append(workers, w)
		go func() {
			if err := w.Run(ctx, func(c context.Context, payload []byte) error {
				return ex.HandleTopicEvent(c, topic, payload)
			}); err != nil && ctx.Err() == nil {
				logger.Warn("consumer exited", obs.String("topic", topic), obs.Err(err))
			}
		}()
	}
	for _, r := range rules {
		r := r
		retryTopic := r.RetryTopic()
		w, err := bus.NewConsumerWorker(js, retryTopic, "change-prop-retry-"+consumeDC, logger)
		if err != nil {
			logger.Fatal("failed to start retry consumer", obs.String("topic", retryTopic), obs.Err(err))
		}
		workers = append(workers, w)
		go func() {
			if err := w.Run(ctx, func(c context.Context, payload []byte) error {
				return ex.HandleRetryEnvelope(c, r.Name, payload)
			}); err != nil && ctx.Err() == nil {
				logger.Warn("retry consumer exited", obs.String("topic", retryTopic), obs.Err(err))
			}
		}()
	}

	inspector := bus.NewErrorTopicInspector(js, rule.ErrorTopic)
	adminSrv := adminapi.NewServer(cfg.AdminAPI.ListenAddr, registry, inspector, logger)
	adminSrv.Start()

	metricsSrv := obs.StartHTTPServer(cfg, func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	})

	hk := housekeeping.New(rdb, inspector, logger)
	if err := hk.Start(ctx, cfg); err != nil {
		logger.Fatal("failed to start housekeeping", obs.Err(err))
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, w := range workers {
		_ = w.Stop()
	}
	hk.Stop()
	_ = adminSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = producer.Shutdown(shutdownCtx)
}
