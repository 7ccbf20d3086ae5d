// The sweeper is the periodic recovery process for the scheduling engine.
// Nothing fires at lease expiry on its own; this binary observes expired
// leases on each tick and acts on them: time-based tubes get their jobs
// requeued for retry, exclusive tubes get expired leases and stale ready jobs
// discarded, and dead worker heartbeats are culled. Multiple replicas may
// run; a Postgres advisory lock elects the single active sweeper.
package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/tubeq/internal/config"
	"github.com/you/tubeq/internal/presence"
	"github.com/you/tubeq/internal/sched"
)

const leaderLockID = 42

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

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres open failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	timeSched := sched.NewTimeBased(rdb, cfg.KeyPrefix)
	exclusiveSched := sched.NewExclusive(rdb, cfg.KeyPrefix)
	workers := presence.New(rdb, cfg.KeyPrefix)

	tick := time.NewTicker(time.Duration(cfg.SweepIntervalMillis) * time.Millisecond)
	defer tick.Stop()

	for range tick.C {
		var leader bool
		if err := db.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", leaderLockID).Scan(&leader); err != nil {
			log.Warn("leader lock error", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, tube := range cfg.Tubes {
			tube := tube
			g.Go(func() error {
				return sweepTube(gctx, log, tube, cfg.ReadyJobMaxAgeMs, timeSched, exclusiveSched, workers)
			})
		}
		if err := g.Wait(); err != nil {
			log.Warn("sweep pass failed", zap.Error(err))
		}
	}
}

func sweepTube(ctx context.Context, log *zap.Logger, tube string, readyMaxAgeMillis int64,
	timeSched *sched.TimeBasedScheduler, exclusiveSched *sched.ExclusiveScheduler, workers *presence.Repository) error {

	requeued, err := timeSched.RequeueExpired(ctx, tube)
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		log.Info("requeued expired leases", zap.String("tube", tube), zap.Int("count", len(requeued)))
	}

	discarded, err := exclusiveSched.RemoveExpiredJobs(ctx, tube)
	if err != nil {
		return err
	}
	stale, err := exclusiveSched.RemoveExpiredReadyJobs(ctx, tube, readyMaxAgeMillis)
	if err != nil {
		return err
	}
	if len(discarded)+len(stale) > 0 {
		log.Info("discarded exclusive jobs", zap.String("tube", tube),
			zap.Int("expired_leases", len(discarded)), zap.Int("stale_ready", len(stale)))
	}

	culled, err := workers.Cull(ctx, tube)
	if err != nil {
		return err
	}
	if culled > 0 {
		log.Info("culled dead workers", zap.String("tube", tube), zap.Int64("count", culled))
	}
	return nil
}
