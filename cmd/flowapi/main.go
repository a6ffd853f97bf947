// The flowapi binary runs the HTTP gateway: it verifies bearer tokens,
// checks claims, forwards protocol actions to flowmachine over a websocket
// pool, and streams query results from the warehouse to clients.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LandMarkVisits/FlowKit/common"
	"github.com/LandMarkVisits/FlowKit/config"
	"github.com/LandMarkVisits/FlowKit/gateway"
	"github.com/LandMarkVisits/FlowKit/warehouse"
)

const version = "1.0.0"

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load("FLOWAPI", *cfgFile)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	common.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format)
	log := common.Logger.WithField("service", "flowapi")

	if cfg.Gateway.TokenVerifierPublicKey == "" {
		log.Fatal("TOKEN_VERIFIER_PUBLIC_KEY is required")
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.Gateway.TokenVerifierPublicKey))
	if err != nil {
		log.WithError(err).Fatal("failed to parse token verifier public key")
	}

	ctx := context.Background()
	db, err := warehouse.Connect(ctx, cfg.Warehouse.DSN, cfg.Warehouse.MaxConnections)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to the warehouse")
	}
	defer db.Close()

	client := gateway.NewClient(gateway.DefaultClientConfig(
		cfg.Gateway.ServerURL, cfg.Gateway.SocketPoolSize))
	defer client.Close()

	gw := gateway.New(gateway.Config{
		Host:            cfg.Gateway.Host,
		Port:            cfg.Gateway.Port,
		PublicKey:       publicKey,
		RateLimit:       cfg.Gateway.RateLimit,
		ShutdownTimeout: cfg.Gateway.ShutdownTimeout,
	}, client, gateway.NewWarehouseStreamer(db, 1000), version)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("gateway failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway shutdown was not clean")
	}
	log.Info("flowapi stopped")
}
