// capbusd is the capability bus daemon: it brokers transactions between
// attached processes (gRPC and WebSocket), runs the name directory as
// the bus's root service, and serves a debug surface.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/CapBus/internal/config"
	"github.com/GriffinCanCode/CapBus/internal/ipc"
	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/monitoring"
	"github.com/GriffinCanCode/CapBus/internal/nameservice"
	"github.com/GriffinCanCode/CapBus/internal/server"
	"github.com/GriffinCanCode/CapBus/internal/transport"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

func main() {
	grpcAddr := flag.String("grpc", "", "gRPC broker listen address (overrides env)")
	wsAddr := flag.String("ws", "", "WebSocket bridge listen address (overrides env)")
	debugAddr := flag.String("debug", "", "debug HTTP listen address (overrides env)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *grpcAddr != "" {
		cfg.Broker.GRPCAddr = *grpcAddr
	}
	if *wsAddr != "" {
		cfg.Broker.WSAddr = *wsAddr
	}
	if *debugAddr != "" {
		cfg.Debug.Addr = *debugAddr
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	hub := transport.NewHub(log)
	metrics := monitoring.NewMetrics()

	// The daemon is itself a process on the bus: it hosts the name
	// directory as the root node every peer can reach under handle 0.
	ep, err := hub.Attach(wire.ProcessID(cfg.Runtime.PID), cfg.Broker.QueueDepth)
	if err != nil {
		log.Fatal("attach daemon endpoint", zap.Error(err))
	}
	rt, err := ipc.New(ipc.Options{
		PID:         wire.ProcessID(cfg.Runtime.PID),
		UID:         uint32(os.Getuid()),
		Channel:     ep,
		Logger:      log,
		Metrics:     metrics,
		CallTimeout: time.Duration(cfg.Runtime.CallTimeoutSeconds) * time.Second,
		OnewayRate:  rate.Limit(cfg.Runtime.OnewayRPS),
		OnewayBurst: cfg.Runtime.OnewayBurst,
	})
	if err != nil {
		log.Fatal("create runtime", zap.Error(err))
	}
	dir := nameservice.NewDirectory(rt, log)
	rt.ServeRoot(dir, 0)
	if err := rt.Start(cfg.Runtime.Workers, cfg.Runtime.MaxWorkers); err != nil {
		log.Fatal("start runtime", zap.Error(err))
	}

	errCh := make(chan error, 3)

	broker := transport.NewBroker(hub, log)
	lis, err := net.Listen("tcp", cfg.Broker.GRPCAddr)
	if err != nil {
		log.Fatal("listen grpc", zap.String("addr", cfg.Broker.GRPCAddr), zap.Error(err))
	}
	go func() {
		log.Info("grpc broker listening", zap.String("addr", cfg.Broker.GRPCAddr))
		if err := broker.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	wsMux := http.NewServeMux()
	wsMux.Handle("/attach", transport.WSBridgeHandler(hub, log))
	wsSrv := &http.Server{Addr: cfg.Broker.WSAddr, Handler: wsMux}
	go func() {
		log.Info("websocket bridge listening", zap.String("addr", cfg.Broker.WSAddr))
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var debug *server.Server
	if cfg.Debug.Enabled {
		debug = server.New(rt, hub, dir, log)
		go func() {
			log.Info("debug server listening", zap.String("addr", cfg.Debug.Addr))
			if err := debug.Run(cfg.Debug.Addr); err != nil {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("listener failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if debug != nil {
		if err := debug.Shutdown(ctx); err != nil {
			log.Warn("debug server shutdown", zap.Error(err))
		}
	}
	if err := wsSrv.Shutdown(ctx); err != nil {
		log.Warn("websocket bridge shutdown", zap.Error(err))
	}
	broker.Stop()
	if err := rt.Shutdown(ctx); err != nil {
		log.Warn("runtime shutdown", zap.Error(err))
	}
	hub.Close()
	log.Info("stopped")
}
