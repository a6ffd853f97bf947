// The flowmachine binary runs the query execution server: it owns the
// warehouse connection pool, the redis-backed state machine, the result cache
// and the scheduler, and serves the request/reply protocol on a websocket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/LandMarkVisits/FlowKit/cache"
	"github.com/LandMarkVisits/FlowKit/common"
	"github.com/LandMarkVisits/FlowKit/config"
	"github.com/LandMarkVisits/FlowKit/scheduler"
	"github.com/LandMarkVisits/FlowKit/server"
	"github.com/LandMarkVisits/FlowKit/state"
	"github.com/LandMarkVisits/FlowKit/warehouse"
)

const version = "1.0.0"

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load("FLOWMACHINE", *cfgFile)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	common.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format)
	log := common.Logger.WithField("service", "flowmachine")

	ctx := context.Background()

	db, err := warehouse.Connect(ctx, cfg.Warehouse.DSN, cfg.Warehouse.MaxConnections)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to the warehouse")
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Fatal("invalid redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}

	machine := state.NewMachine(rdb)
	store := cache.NewStore(db, version)
	store.BindStateMachine(machine)
	if err := store.EnsureSchema(ctx, cfg.Cache.SizeLimitBytes, cfg.Cache.HalfLifeSeconds); err != nil {
		log.WithError(err).Fatal("failed to prepare cache schema")
	}
	if err := store.Reconcile(ctx, machine); err != nil {
		log.WithError(err).Fatal("startup reconciliation failed")
	}

	schedCfg := scheduler.DefaultConfig(cfg.Server.WorkerPoolSize)
	if cfg.Server.ReadyQueueDepth > 0 {
		schedCfg.QueueDepth = cfg.Server.ReadyQueueDepth
	}
	schedCfg.Deadline = cfg.Server.MaxRunTime
	sched := scheduler.New(schedCfg, machine, store, scheduler.NewWarehouseExecutor(db))
	sched.Start()

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, machine, sched, store, version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown was not clean")
	}
	sched.Stop()
	log.Info("flowmachine stopped")
}
