package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CookPiu/Bot/internal/kafka"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/postgres"
	redisstore "github.com/CookPiu/Bot/internal/redis"
	"github.com/CookPiu/Bot/internal/scoring"
	"github.com/CookPiu/Bot/internal/statemachine"
	"github.com/CookPiu/Bot/pkg/telemetry"
	"github.com/CookPiu/Bot/services/sweeper"
	"github.com/CookPiu/Bot/services/sweeper/config"
)

// deps is a wired sweeper and what it holds open.
type deps struct {
	sweeper    *sweeper.Sweeper
	instanceID string
	probes     []telemetry.Probe
	closers    []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildSweeper connects Postgres, Redis and optionally Kafka. Without lead
// the sweeper skips leader election, for one-off runs.
func buildSweeper(ctx context.Context, cfg config.Config, lead bool, logger *slog.Logger) (*deps, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis_addr is required")
	}
	d := &deps{instanceID: "sweeper-" + uuid.New().String()[:8]}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	d.closers = append(d.closers, pool.Close)

	client := redisstore.NewClient(cfg.RedisAddr)
	d.closers = append(d.closers, func() { _ = client.Close() })
	d.probes = append(d.probes,
		telemetry.Probe{Name: "postgres", Check: pool.Ping},
		telemetry.Probe{Name: "redis", Check: func(ctx context.Context) error { return client.Ping(ctx).Err() }},
	)

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers)
		d.closers = append(d.closers, func() { _ = producer.Close() })
		notifiers = append(notifiers, notify.NewKafka(producer, cfg.TransitionsTopic))
	}

	// The sweeper never evaluates; the rule provider only satisfies the engine.
	engine := statemachine.New(
		postgres.NewTaskRepository(pool),
		postgres.NewCandidateRepository(pool),
		scoring.NewEvaluator(scoring.RuleProvider{}, scoring.Config{}),
		statemachine.Config{},
		statemachine.WithLocker(redisstore.NewLocker(client, cfg.LockTTL, logger)),
		statemachine.WithLogger(logger),
	)

	var elector sweeper.Elector
	if lead {
		e := redisstore.NewElector(client, "sweeper", d.instanceID, cfg.LeaderTTL)
		elector = e
		d.closers = append(d.closers, func() {
			resignCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.Resign(resignCtx); err != nil {
				logger.Warn("resign leadership", slog.String("error", err.Error()))
			}
		})
	}

	d.sweeper = sweeper.New(engine, notifiers, redisstore.NewMarkers(client, "notice", cfg.MarkerTTL), elector, cfg.Jobs,
		sweeper.WithLogger(logger),
	)
	return d, nil
}
