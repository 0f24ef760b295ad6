package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telares/walletledger/internal/authz"
	"github.com/telares/walletledger/internal/hierarchy"
	"github.com/telares/walletledger/internal/ledger"
	"github.com/telares/walletledger/internal/limits"
	"github.com/telares/walletledger/internal/summary"
	"github.com/telares/walletledger/internal/wallet"
	"github.com/telares/walletledger/pkg/circuit"
	"github.com/telares/walletledger/pkg/messaging"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := ledger.NewPostgresStore(db)
	if err := store.Init(ctx); err != nil {
		log.Fatal("schema init failed", zap.Error(err))
	}
	defer store.Close()

	assignments := hierarchy.NewSQLAssignments(db)
	if err := assignments.Init(ctx); err != nil {
		log.Fatal("assignments init failed", zap.Error(err))
	}

	guard := limits.New(cfg.Limits)
	walletSvc := wallet.New(store, guard, hierarchy.New(assignments), authz.DefaultPolicy(), log)
	walletSvc.SetCurrency(cfg.Currency)

	var cache summary.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		cache = summary.NewRedisCache(redis.NewClient(opts))
	}
	summarySvc := summary.New(store, cache, log)

	var natsClient *messaging.Client
	if cfg.NatsURL != "" {
		natsClient, err = messaging.NewClient(messaging.Config{
			URL:           cfg.NatsURL,
			Name:          "walletd",
			ReconnectWait: time.Second,
			MaxReconnects: 10,
		})
		if err != nil {
			log.Fatal("nats connect failed", zap.Error(err))
		}
		defer natsClient.Close()

		breaker := circuit.NewBreaker(circuit.Config{
			Name:        "wallet-events",
			MaxFailures: 5,
			Timeout:     10 * time.Second,
			HalfOpenMax: 2,
			OnStateChange: func(from, to circuit.State) {
				log.Warn("publisher breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		walletSvc.SetEventPublisher(messaging.NewPublisher(natsClient, breaker))

		subscribeInvalidations(natsClient, summarySvc, log)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: newRouter(&server{
			wallet:    walletSvc,
			summaries: summarySvc,
			jwtSecret: cfg.JWTSecret,
			log:       log,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("walletd listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if natsClient != nil {
			if err := natsClient.Drain(); err != nil {
				log.Warn("nats drain failed", zap.Error(err))
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("walletd stopped", zap.Error(err))
	}
	log.Info("walletd stopped")
}

// subscribeInvalidations drops cached balance snapshots when movement
// events arrive, so reads through other instances converge quickly.
func subscribeInvalidations(client *messaging.Client, summaries *summary.Service, log *zap.Logger) {
	movementHandler := func(msg *nats.Msg) {
		var ev messaging.MovementEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn("bad movement event", zap.Error(err))
			return
		}
		summaries.Invalidate(context.Background(), ev.ActorID)
	}

	for _, subject := range []string{
		messaging.SubjectMovementRecorded,
		messaging.SubjectFundsBlocked,
		messaging.SubjectFundsUnblocked,
	} {
		if err := client.Subscribe(subject, movementHandler); err != nil {
			log.Warn("subscribe failed", zap.String("subject", subject), zap.Error(err))
		}
	}

	if err := client.Subscribe(messaging.SubjectTransferCompleted, func(msg *nats.Msg) {
		var ev messaging.TransferEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn("bad transfer event", zap.Error(err))
			return
		}
		summaries.Invalidate(context.Background(), ev.FromActorID)
		summaries.Invalidate(context.Background(), ev.ToActorID)
	}); err != nil {
		log.Warn("subscribe failed", zap.String("subject", messaging.SubjectTransferCompleted), zap.Error(err))
	}
}
