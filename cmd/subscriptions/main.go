package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/api"
	"github.com/0gfoundation/0g-subscription-billing/internal/auth"
	"github.com/0gfoundation/0g-subscription-billing/internal/billing"
	"github.com/0gfoundation/0g-subscription-billing/internal/chain"
	"github.com/0gfoundation/0g-subscription-billing/internal/config"
	"github.com/0gfoundation/0g-subscription-billing/internal/health"
	"github.com/0gfoundation/0g-subscription-billing/internal/metrics"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
	"github.com/0gfoundation/0g-subscription-billing/internal/settler"
	"github.com/0gfoundation/0g-subscription-billing/internal/webhook"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Networks and connections ──────────────────────────────────────────────
	networks, err := chain.NewNetworks(cfg.Chain.RPCURLs)
	if err != nil {
		log.Fatal("network config invalid", zap.Error(err))
	}
	spenderKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.SpenderPrivateKey, "0x"))
	if err != nil {
		log.Fatal("invalid SPENDER_PRIVATE_KEY", zap.Error(err))
	}
	spender := crypto.PubkeyToAddress(spenderKey.PublicKey)

	manager := chain.DefaultManager
	if cfg.Chain.ManagerAddress != "" {
		manager = common.HexToAddress(cfg.Chain.ManagerAddress)
	}
	opts := chain.ClientOptions{
		Manager:    manager,
		SpenderKey: spenderKey,
		Nonces:     chain.NewNonceTracker(),
		RateLimit:  cfg.Chain.RateLimit,
		RateBurst:  cfg.Chain.RateBurst,
	}
	if cfg.Chain.SponsorURL != "" {
		opts.Sponsor = chain.NewSponsorClient(cfg.Chain.SponsorURL, cfg.Chain.SponsorAPIKey)
	}

	mx := metrics.New(prometheus.DefaultRegisterer)
	hs := health.NewServer()
	hs.Track(networks.All())

	registry := chain.NewRegistry(
		func(ctx context.Context, n chain.Network) (chain.Conn, error) {
			c, err := chain.Dial(ctx, n, opts)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		func(n chain.Network, err error) {
			hs.OnDial(n, err)
			mx.RecordDial(n.Name, err)
			if err != nil {
				log.Warn("network dial failed", zap.String("network", n.Name), zap.Error(err))
				return
			}
			log.Info("network connected", zap.String("network", n.Name), zap.Int64("chain_id", n.ChainID))
		},
	)
	defer registry.Close()

	// ── Billing service ───────────────────────────────────────────────────────
	engineCfg, err := cfg.Resilience.ToEngineConfig()
	if err != nil {
		log.Fatal("resilience config invalid", zap.Error(err))
	}

	observers := []resilience.Observer{mx}
	if cfg.Webhook.URL != "" {
		notifier := webhook.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Buffer, log)
		go notifier.Run(ctx)
		observers = append(observers, notifier)
	}

	store := billing.NewStore(rdb)
	svc := billing.NewService(store, registry, networks, resilience.NewEngine(log), billing.ServiceConfig{
		Manager:    manager,
		Resilience: engineCfg,
		Observer:   resilience.Observers(observers...),
	}, log)
	charger := &meteredService{Service: svc, metrics: mx}

	chargeOpts := billing.ChargeOptions{Testnet: cfg.Billing.Testnet()}
	if cfg.Billing.DefaultAsset != "" {
		chargeOpts.Asset = common.HexToAddress(cfg.Billing.DefaultAsset)
	}

	// ── Cancel channel (settler → cancel handler, buffered) ───────────────────
	cancelCh := make(chan settler.CancelSignal, 100)

	// ── Goroutines ────────────────────────────────────────────────────────────
	// Recovery must start after cancelCh is ready but before settler writes to it.
	go recoverPendingCancels(ctx, rdb, cancelCh, log)
	go settler.Run(ctx, rdb, charger, settler.Options{
		Charge:          chargeOpts,
		MaxRedeliveries: cfg.Billing.MaxRedeliveries,
	}, cancelCh, log)
	go runCancelHandler(ctx, cancelCh, store, rdb, log)
	go billing.RunScheduler(ctx, time.Duration(cfg.Billing.SchedulerIntervalSec)*time.Second, store, rdb, log)

	// ── gRPC health ───────────────────────────────────────────────────────────
	go func() {
		log.Info("gRPC health starting", zap.Int("port", cfg.Server.GRPCPort))
		if err := hs.Serve(cfg.Server.GRPCPort); err != nil {
			log.Error("gRPC health server error", zap.Error(err))
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := api.NewHandler(charger, store, rdb, networks, spender, chargeOpts, log)
	h.RegisterPublic(r.Group("/api"))
	h.Register(r.Group("/api", auth.Middleware(rdb)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("spender", spender.Hex()),
			zap.String("network_class", cfg.Billing.Network),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()
	hs.SetReady(true)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	hs.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	hs.Stop()
	log.Info("shutdown complete")
}

// meteredService counts every finished charge, whether it came from the API
// or the settler.
type meteredService struct {
	*billing.Service
	metrics *metrics.Observer
}

func (m *meteredService) Charge(ctx context.Context, hash string, amount billing.Amount, opts billing.ChargeOptions) resilience.Result {
	res := m.Service.Charge(ctx, hash, amount, opts)
	m.metrics.RecordResult(res)
	return res
}

// recoverPendingCancels scans billing:cancel:* on startup and re-queues any
// permissions that were marked for cancellation but not yet processed.
func recoverPendingCancels(ctx context.Context, rdb *redis.Client, cancelCh chan<- settler.CancelSignal, log *zap.Logger) {
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, billing.CancelKeyPrefix+"*", 100).Result()
		if err != nil {
			log.Error("recoverPendingCancels: scan", zap.Error(err))
			return
		}
		for _, key := range keys {
			reason, _ := rdb.Get(ctx, key).Result()
			hash := strings.TrimPrefix(key, billing.CancelKeyPrefix)
			select {
			case cancelCh <- settler.CancelSignal{PermissionHash: hash, Reason: reason}:
				log.Info("recovered pending cancel", zap.String("permission", hash), zap.String("reason", reason))
			case <-ctx.Done():
				return
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
}

// runCancelHandler turns auto-charge off for cancelled permissions and clears
// the marker once that is stored.
func runCancelHandler(ctx context.Context, cancelCh <-chan settler.CancelSignal, store *billing.Store, rdb *redis.Client, log *zap.Logger) {
	for {
		select {
		case sig := <-cancelCh:
			err := store.SetAutoCharge(ctx, sig.PermissionHash, false)
			if err != nil && !errors.Is(err, billing.ErrNotFound) {
				// Marker stays; recovery retries on next start.
				log.Error("disable auto-charge failed",
					zap.String("permission", sig.PermissionHash),
					zap.Error(err),
				)
				continue
			}
			rdb.Del(ctx, billing.CancelKeyPrefix+sig.PermissionHash) //nolint:errcheck
			log.Info("auto-charge cancelled",
				zap.String("permission", sig.PermissionHash),
				zap.String("reason", sig.Reason),
			)
		case <-ctx.Done():
			return
		}
	}
}
