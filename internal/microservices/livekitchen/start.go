package livekitchen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"live-kitchen/internal/auth"
	"live-kitchen/internal/common/config"
	"live-kitchen/internal/common/db"
	"live-kitchen/internal/common/httpx"
	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/common/mq"
	"live-kitchen/internal/microservices/livekitchen/handler"
	"live-kitchen/internal/microservices/livekitchen/relay"
	"live-kitchen/internal/microservices/livekitchen/repository"
	"live-kitchen/internal/microservices/livekitchen/service"
)

// InstanceID returns the configured instance id or derives one from the
// hostname.
func InstanceID(cfg config.Server) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "live-kitchen"
	}
	return host + "-" + uuid.NewString()[:8]
}

func usesPostgres(cfg config.App) bool {
	return cfg.Registry.Backend == "postgres" || cfg.Orders.Backend == "postgres"
}

// Run serves the gateway until ctx is done.
func Run(ctx context.Context, cfg config.App) error {
	lg := logger.New("live-kitchen")
	instanceID := InstanceID(cfg.Server)
	checks := map[string]handler.HealthCheck{}

	// 1. storage
	var pool *db.Conn
	if usesPostgres(cfg) {
		var err error
		if pool, err = db.Connect(ctx, cfg.Database); err != nil {
			return err
		}
		defer pool.Close()
		if err := repository.Migrate(ctx, pool.Pool); err != nil {
			return err
		}
		checks["postgres"] = pool.Ping
	}

	sockets, err := openSockets(cfg, pool, checks)
	if err != nil {
		return err
	}
	defer sockets.Close()

	var orders repository.OrderRepositoryInterface = repository.NewMemoryOrders()
	if cfg.Orders.Backend == "postgres" {
		orders = repository.NewPGOrders(pool.Pool)
	}
	repo := repository.New(sockets, orders)

	// 2. relay
	hub := handler.NewHub()
	var (
		rly       *relay.Relay
		emitRelay handler.Relay
	)
	if cfg.Rabbit.Enabled {
		client, err := mq.Dial(cfg.Rabbit)
		if err != nil {
			return err
		}
		defer client.Close()
		rly = relay.New(client, cfg.Rabbit.Exchange, instanceID)
		emitRelay = rly
		checks["rabbitmq"] = func(context.Context) error { return client.Ping() }
	} else if cfg.Shared() {
		lg.Warn("relay_disabled", map[string]any{
			"registry_backend": cfg.Registry.Backend,
			"detail":           "connections held by other instances will not receive frames",
		})
	}
	if cfg.SplitOrders() {
		lg.Warn("orders_not_shared", map[string]any{
			"registry_backend": cfg.Registry.Backend,
			"orders_backend":   cfg.Orders.Backend,
			"detail":           "status updates for orders placed on another instance will be dropped",
		})
	}

	// 3. services
	verifier := auth.NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	dispatcher := handler.NewDispatcher(hub, service.NewRegistry(sockets), emitRelay, instanceID)
	svc := service.New(repo, verifier, dispatcher, service.Options{
		EnforceTransitions: cfg.Orders.EnforceTransitions,
		CallTimeout:        cfg.Router.CallTimeout,
	})

	reaper := service.NewReaper(sockets, instanceID, cfg.Registry.HeartbeatInterval, cfg.Registry.StaleAfter)
	if err := reaper.Start(ctx); err != nil {
		return err
	}

	gateway := handler.NewGateway(svc.Router, hub, handler.GatewayConfig{
		InstanceID:       instanceID,
		MaxMessageBytes:  cfg.Server.MaxMessageBytes,
		SendBuffer:       cfg.Server.SendBuffer,
		WriteTimeout:     cfg.Server.WriteTimeout,
		PingInterval:     cfg.Server.PingInterval,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		RegisterAttempts: cfg.Registry.RegisterAttempts,
		RegisterBackoff:  cfg.Registry.RegisterBackoff,
	})
	srv := httpx.New(cfg.Server.Addr, handler.Router(handler.New(svc, gateway, verifier, checks)), cfg.Server.ShutdownTimeout)
	srv.RegisterOnShutdown(gateway.CloseAll)

	// 4. run
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(runCtx)
	}()

	relayErr := make(chan error, 1)
	if rly != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rly.Run(runCtx, hub); err != nil {
				lg.Error("relay_stopped", err, nil)
				relayErr <- err
				cancel()
			}
		}()
	}

	lg.Info("service_started", map[string]any{
		"addr":             cfg.Server.Addr,
		"instance_id":      instanceID,
		"registry_backend": cfg.Registry.Backend,
		"orders_backend":   cfg.Orders.Backend,
		"relay":            rly != nil,
	})
	err = srv.Run(runCtx)
	cancel()

	// 5. drain
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer done()
	gateway.CloseAll()
	if werr := gateway.Wait(shutdownCtx); werr != nil {
		lg.Warn("connections_not_drained", map[string]any{"error": werr.Error()})
	}
	wg.Wait()
	if serr := reaper.Stop(shutdownCtx); serr != nil {
		lg.Error("instance_offline_failed", serr, nil)
	}
	lg.Info("service_stopped", nil)

	select {
	case rerr := <-relayErr:
		return errors.Join(err, rerr)
	default:
		return err
	}
}

func openSockets(cfg config.App, pool *db.Conn, checks map[string]handler.HealthCheck) (repository.SocketRepositoryInterface, error) {
	switch cfg.Registry.Backend {
	case "memory":
		return repository.NewMemorySockets(), nil
	case "bolt":
		return repository.NewBoltSockets(cfg.Registry.BoltPath)
	case "postgres":
		return repository.NewPGSockets(pool.Pool), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		return &redisSockets{RedisSockets: repository.NewRedisSockets(rdb, cfg.Redis.Prefix), rdb: rdb}, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

// redisSockets owns the client it was opened with.
type redisSockets struct {
	*repository.RedisSockets
	rdb *redis.Client
}

func (r *redisSockets) Close() error { return r.rdb.Close() }

// Migrate applies the postgres schema.
func Migrate(ctx context.Context, cfg config.DB) error {
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return repository.Migrate(ctx, pool.Pool)
}
