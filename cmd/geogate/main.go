// Command geogate serves the tools of configured MCP workers over HTTP.
//
// Workers are declared in a YAML file (GEOGATE_SERVERS_FILE), reloaded on
// change. Every other setting comes from GEOGATE_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-client-go/auth"
	"github.com/ggoodman/mcp-client-go/config"
	"github.com/ggoodman/mcp-client-go/gateway"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/mcpclient"
	"github.com/ggoodman/mcp-client-go/storage"
	"github.com/ggoodman/mcp-client-go/storage/memory"
	"github.com/ggoodman/mcp-client-go/storage/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "geogate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers, err := config.LoadServers(cfg.ServersFile)
	if err != nil {
		return err
	}
	log.Info("config.servers.loaded", slog.String("path", cfg.ServersFile), slog.Any("servers", config.Names(servers)))

	reg := mcpclient.NewRegistry(
		mcpclient.WithLogger(log),
		mcpclient.WithClientInfo(cfg.ClientName, cfg.ClientVersion),
		mcpclient.WithProtocolVersion(cfg.ProtocolVersion),
		mcpclient.WithCallTimeout(cfg.CallTimeout),
		mcpclient.WithStopGracePeriod(cfg.StopGrace),
		mcpclient.WithDropHook(func(ev mcpclient.DropEvent) {
			log.Debug("rpc.drop", slog.String("session_id", ev.SessionID), slog.String("reason", string(ev.Reason)))
		}),
	)
	defer reg.ShutdownAll()

	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithValidation(cfg.ValidateArgs),
	}

	store, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		opts = append(opts, gateway.WithCache(store, cfg.Cache.TTL))
	}

	if cfg.AuthEnabled() {
		authn, err := newAuthenticator(ctx, cfg)
		if err != nil {
			return fmt.Errorf("configure auth: %w", err)
		}
		opts = append(opts, gateway.WithAuthenticator(authn, "geogate"))
	}

	gw := gateway.New(gateway.RegistryResolver{Registry: reg}, servers, opts...)

	go func() {
		if err := config.WatchServers(ctx, cfg.ServersFile, log, gw.SetServers); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("config.watch.fail", slog.String("err", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func openCache(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		return memory.New(cfg.Cache.Size)
	case config.CacheRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return redis.Dial(dialCtx, cfg.Cache.RedisAddr, cfg.Cache.RedisKeyPrefix)
	}
	return nil, nil
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	if cfg.Auth.JWKSURI != "" {
		return auth.NewStatic(ctx, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.JWKSURI)
	}
	return auth.NewFromDiscovery(ctx, cfg.Auth.Issuer, cfg.Auth.Audience)
}
