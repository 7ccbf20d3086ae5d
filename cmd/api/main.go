package main

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/tubeq/internal/api"
	"github.com/you/tubeq/internal/config"
	"github.com/you/tubeq/internal/domain"
	"github.com/you/tubeq/internal/presence"
	"github.com/you/tubeq/internal/ratelimit"
	"github.com/you/tubeq/internal/ringbuffer"
	"github.com/you/tubeq/internal/sched"
	"github.com/you/tubeq/internal/storage"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log, err := zap.NewProduction()
	if cfg.AppEnv == "dev" {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := migrate(cfg.PostgresDSN); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	srv := &api.Server{
		Log:                log,
		Time:               sched.NewTimeBased(rdb, cfg.KeyPrefix),
		Priority:           sched.NewPriority(rdb, cfg.KeyPrefix),
		Exclusive:          sched.NewExclusive(rdb, cfg.KeyPrefix),
		Audit:              storage.New(db),
		Limiter:            ratelimit.NewStrict(rdb, cfg.KeyPrefix, "reserve", cfg.ReservePerSecond),
		Events:             ringbuffer.New[domain.Event](rdb, cfg.KeyPrefix+"events", 100, 0, ringbuffer.JSONCodec[domain.Event]{}, log),
		Workers:            presence.New(rdb, cfg.KeyPrefix),
		DefaultLeaseMillis: cfg.DefaultLeaseMillis,
		ReadyQueueMaxSize:  cfg.ReadyQueueMaxSize,
	}

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, srv.Router()); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
