// Command batchd serves the batch route engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"batchnav/internal/api"
	"batchnav/internal/buildinfo"
	"batchnav/internal/conditions"
	"batchnav/internal/config"
	"batchnav/internal/directions"
	"batchnav/internal/engine"
	"batchnav/internal/events"
	"batchnav/internal/metrics"
	"batchnav/internal/model"
	"batchnav/internal/monitor"
	"batchnav/internal/store"
	"batchnav/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	dirs, err := newDirections(cfg, rdb)
	if err != nil {
		log.Fatalf("directions: %v", err)
	}

	// Event sinks: live stream, wallet webhook queue, optional message bus.
	var stream events.Stream = events.NewBroker()
	if rdb != nil {
		stream = events.NewRedisBroker(rdb)
	}
	sinks := events.Multi{stream}
	if cfg.Webhooks.WalletURL != "" {
		sinks = append(sinks, webhooks.NewPublisher(st, webhooks.Target{
			URL: cfg.Webhooks.WalletURL, Secret: cfg.Webhooks.WalletSecret, Events: cfg.Webhooks.Events,
		}))
	}
	checks := map[string]func(context.Context) error{}
	if cfg.AMQPURL != "" {
		bus, err := events.DialAMQP(cfg.AMQPURL, cfg.Webhooks.Exchange)
		if err != nil {
			log.Fatalf("amqp: %v", err)
		}
		defer bus.Close()
		sinks = append(sinks, events.Filter{Next: bus, Types: cfg.Webhooks.Events})
		checks["amqp"] = func(context.Context) error { return bus.Ping() }
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts)
	worker.Interval = cfg.Webhooks.Interval
	worker.Start()
	defer close(worker.Stop)

	var feed api.ConditionsFeed
	if rdb != nil {
		rf := conditions.NewRedisFeed(rdb, cfg.Monitor.Channel)
		go func() {
			if err := rf.Run(ctx, nil); err != nil {
				log.Printf("op=conditions.run err=%v", err)
			}
		}()
		feed = rf
	} else {
		feed = conditions.NewStatic(model.ClearConditions())
	}

	reg := engine.NewRegistry(engine.Deps{
		Directions:     dirs,
		Conditions:     feed,
		Events:         sinks,
		Store:          st,
		Monitor:        monitor.Config{Threshold: cfg.Monitor.Threshold, MinGain: cfg.Monitor.MinGain},
		MaxIterations:  cfg.Engine.MaxIterations,
		Parallelism:    cfg.Engine.Parallelism,
		ServiceSec:     cfg.Engine.ServiceSec,
		MaxOrders:      cfg.Engine.MaxOrders,
		RetryBudget:    cfg.Engine.RetryBudget,
		ComputeTimeout: cfg.Engine.ComputeTimeout,
	})
	n, err := reg.Restore(ctx)
	if err != nil {
		log.Printf("op=registry.restore err=%v", err)
	}
	log.Printf("op=registry.restore batches=%d", n)

	loop := monitor.NewLoop(feed, cfg.Monitor.Interval, reg.Fire)
	loop.Start()
	defer close(loop.Stop)

	srv := api.NewServer(reg, st, stream, feed, cfg)
	for name, check := range checks {
		srv.Checks[name] = check
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("batchd %s listening addr=:%s", buildinfo.Version, cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("op=http.shutdown err=%v", err)
	}
	reg.Wait()
	log.Println("batchd stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DBMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}

// newDirections stacks the provider client behind the rate limiter and the
// shared cache. Without a URL it estimates along straight lines.
func newDirections(cfg config.Config, rdb *redis.Client) (directions.Service, error) {
	if cfg.Directions.URL == "" {
		return directions.Haversine{}, nil
	}
	client, err := directions.NewHTTPClient(cfg.Directions.URL, cfg.Directions.APIKey, cfg.Directions.Timeout)
	if err != nil {
		return nil, err
	}
	var svc directions.Service = directions.NewLimited(client, cfg.Directions.RPS, cfg.Directions.Burst)
	if rdb != nil {
		svc = directions.NewRedisCache(svc, rdb, cfg.Directions.CacheTTL)
	}
	return svc, nil
}
