package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/events"
	"github.com/CookPiu/Bot/internal/kafka"
	"github.com/CookPiu/Bot/internal/llm"
	"github.com/CookPiu/Bot/internal/matching"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/postgres"
	redisstore "github.com/CookPiu/Bot/internal/redis"
	"github.com/CookPiu/Bot/internal/repository"
	"github.com/CookPiu/Bot/internal/scoring"
	"github.com/CookPiu/Bot/internal/statemachine"
	"github.com/CookPiu/Bot/services/api/config"
	"github.com/CookPiu/Bot/services/api/handler"
)

// stack is everything serve and seed share, plus its teardown.
type stack struct {
	tasks      repository.TaskRepository
	candidates repository.CandidateRepository
	engine     *statemachine.Engine
	matcher    *matching.Service
	processor  *events.Processor
	limiter    redisstore.RateLimiter
	checks     []handler.ReadyCheck
	closers    []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStore(ctx context.Context, cfg config.Config, s *stack, logger *slog.Logger) error {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		mem := repository.NewMemoryStore()
		s.tasks, s.candidates = mem.Tasks(), mem.Candidates()
	case config.StorePostgres, "":
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		s.tasks, s.candidates = postgres.NewTaskRepository(pool), postgres.NewCandidateRepository(pool)
		s.checks = append(s.checks, handler.ReadyCheck{Name: "postgres", Check: pool.Ping})
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	return nil
}

// buildStack wires storage, coordination, scoring and the lifecycle engine.
// Redis and Kafka are optional; without them the API runs single-instance.
func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stack, error) {
	s := &stack{}
	if err := openStore(ctx, cfg, s, logger); err != nil {
		return nil, err
	}

	var (
		locker  statemachine.Locker = statemachine.NewKeyedMutex()
		deduper events.Deduper      = events.NewMemoryDeduper(cfg.DedupWindow)
	)
	if cfg.RedisAddr != "" {
		client := redisstore.NewClient(cfg.RedisAddr)
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.checks = append(s.checks, handler.ReadyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		locker = redisstore.NewLocker(client, cfg.LockTTL, logger)
		deduper = redisstore.NewDeduper(client, cfg.DedupWindow)
		if cfg.RateLimit > 0 {
			s.limiter = redisstore.NewRateLimiter(client, cfg.RateLimit, time.Second)
			logger.Info("rate limiter enabled", slog.Int("limit_per_second", cfg.RateLimit))
		}
		pingRedis(ctx, client, logger)
	}

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers)
		s.closers = append(s.closers, func() { _ = producer.Close() })
		notifiers = append(notifiers, notify.NewKafka(producer, cfg.TransitionsTopic))
	}

	if err := cfg.Matching.Weights.Validate(); err != nil {
		s.Close()
		return nil, err
	}
	matcher := matching.NewEngine(cfg.Matching)

	var (
		provider   scoring.Provider = scoring.RuleProvider{}
		rankerOpts []matching.Option
	)
	if len(cfg.LLM) > 0 {
		backends := make([]llm.Client, 0, len(cfg.LLM))
		for _, b := range cfg.LLM {
			backends = append(backends, llm.New(b))
		}
		chain := llm.NewChain(logger, backends...)
		provider = scoring.NewLLMProvider(chain)
		rankerOpts = append(rankerOpts,
			matching.WithExternalRanker(matching.NewLLMRanker(chain)),
			matching.WithRankTimeout(cfg.RankTimeout),
		)
		logger.Info("llm backends configured", slog.String("chain", chain.Name()))
	}
	evaluator := scoring.NewEvaluator(provider, cfg.Scoring, scoring.WithLogger(logger))

	s.engine = statemachine.New(s.tasks, s.candidates, evaluator, cfg.Lifecycle,
		statemachine.WithLocker(locker),
		statemachine.WithNotifier(notifiers),
		statemachine.WithMatcher(matcher),
		statemachine.WithLogger(logger),
	)
	s.matcher = matching.NewService(s.tasks, s.candidates, matcher, append(rankerOpts,
		matching.WithInvites(notifiers, cfg.InviteTop),
		matching.WithLogger(logger),
	)...)

	if cfg.GitHubSecret == "" {
		logger.Warn("github_webhook_secret is empty; every CI delivery will be rejected")
	}
	s.processor = events.NewProcessor(s.engine, deduper,
		events.WithSecret(domain.SourceCI, []byte(cfg.GitHubSecret)),
		events.WithSecret(domain.SourceScorer, []byte(cfg.ScorerSecret)),
		events.WithNotifier(notifiers),
		events.WithLogger(logger),
	)
	return s, nil
}

// pingRedis only logs; readiness reports an unreachable Redis.
func pingRedis(ctx context.Context, client *goredis.Client, logger *slog.Logger) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable at startup", slog.String("error", err.Error()))
	}
}
