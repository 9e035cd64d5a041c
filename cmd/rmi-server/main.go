// Command rmi-server hosts the demo objects over framed TCP and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"mini-rmi/config"
	"mini-rmi/discovery"
	"mini-rmi/logging"
	"mini-rmi/middleware"
	"mini-rmi/peer"
	"mini-rmi/registry"
	"mini-rmi/server"
	"mini-rmi/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "rmi-server"
	app.Usage = "host remote objects for rmi proxies"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "config file (.yaml, .yml or JSON with comments)",
		},
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "framed TCP listen address",
		},
		cli.StringFlag{
			Name:  "websocket, w",
			Usage: "WebSocket listen address; empty disables WebSocket",
		},
		cli.StringFlag{
			Name:  "advertise, a",
			Usage: "address published to service discovery",
		},
	}
	app.Action = serve
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgHiRed).Sprint(err))
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("listen"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := c.String("websocket"); v != "" {
		cfg.Server.WebSocketAddr = v
	}
	if v := c.String("advertise"); v != "" {
		cfg.Server.AdvertiseAddr = v
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := registry.New(registry.WithLogger(logger))
	if err := registerDemoObjects(reg); err != nil {
		return err
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.Server.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if d := cfg.Server.DispatchTimeout.Std(); d > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(d))
	}
	dispatcher := server.NewDispatcher(
		server.WithRegistry(reg),
		server.WithLogger(logger),
		server.WithMiddleware(mws...),
	)

	opts := []server.ServerOption{
		server.WithServerLogger(logger),
		server.WithTransportOptions(
			transport.WithHeartbeat(cfg.Server.Heartbeat.Std()),
			transport.WithIdleTimeout(cfg.Server.IdleTimeout.Std()),
		),
		server.WithSessionOptions(peer.WithReplayWindow(cfg.Server.ReplayWindow)),
	}
	dir, err := cfg.Discovery.OpenDirectory(logger)
	if err != nil {
		return err
	}
	if dir != nil {
		defer dir.Close()
		advertise := cfg.Server.AdvertiseAddr
		if advertise == "" {
			advertise = cfg.Server.ListenAddr
		}
		opts = append(opts, server.WithDiscovery(dir, cfg.Server.Service, discovery.Instance{
			Addr:   advertise,
			Weight: cfg.Server.Weight,
		}, cfg.Discovery.TTL.Std()))
	}
	srv := server.NewServer(dispatcher, opts...)

	errc := make(chan error, 2)
	go func() {
		errc <- srv.ListenAndServe(cfg.Server.ListenAddr)
	}()

	var httpSrv *http.Server
	if cfg.Server.WebSocketAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Server.WebSocketPath, srv)
		httpSrv = &http.Server{Addr: cfg.Server.WebSocketAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		logger.Info("serving websocket", zap.String("addr", cfg.Server.WebSocketAddr),
			zap.String("path", cfg.Server.WebSocketPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publishCtx, cancel := context.WithTimeout(ctx, cfg.Discovery.DialTimeout.Std())
	err = srv.Publish(publishCtx)
	cancel()
	if err != nil {
		logger.Warn("publish failed", zap.Error(err))
	}

	select {
	case err := <-errc:
		if err != nil {
			logger.Error("listener failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	timeout := cfg.Server.ShutdownTimeout.Std()
	if httpSrv != nil {
		hctx, hcancel := context.WithTimeout(context.Background(), timeout)
		_ = httpSrv.Shutdown(hctx)
		hcancel()
	}
	start := time.Now()
	if err := srv.Shutdown(timeout); err != nil {
		return err
	}
	logger.Info("stopped", zap.Duration("drain", time.Since(start)))
	return nil
}
