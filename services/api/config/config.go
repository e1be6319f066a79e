package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CookPiu/Bot/internal/events"
	"github.com/CookPiu/Bot/internal/llm"
	"github.com/CookPiu/Bot/internal/matching"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/scoring"
	"github.com/CookPiu/Bot/internal/statemachine"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds typed configuration for the api service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	GRPCPort     string
	MetricsAddr  string
	OTelEndpoint string

	Store            string
	PostgresDSN      string
	RedisAddr        string
	KafkaBrokers     []string
	TransitionsTopic string

	RateLimit    int
	CORSOrigins  []string
	MaxBodyBytes int64

	GitHubSecret string
	ScorerSecret string
	DedupWindow  time.Duration
	LockTTL      time.Duration

	Lifecycle   statemachine.Config
	Scoring     scoring.Config
	Matching    matching.Config
	RankTimeout time.Duration
	// InviteTop is how many ranked candidates are invited to a new task.
	InviteTop int
	// WebhookMaxBodyBytes caps inbound webhook bodies. CI payloads run
	// larger than API requests.
	WebhookMaxBodyBytes int64
	// LLM lists chat completion backends in fallback order.
	LLM []llm.Config
}

// SetDefaults registers defaults for keys that have no CLI flag.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transitions_topic", notify.TopicTransitions)
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("dedup_window", events.DefaultDedupWindow)
	v.SetDefault("lock_ttl", 30*time.Second)
	v.SetDefault("max_retries", 2)
	v.SetDefault("performance_mode", statemachine.PerformanceSimple)
	v.SetDefault("ema_alpha", 0.3)
	v.SetDefault("pass_threshold", scoring.DefaultPassThreshold)
	v.SetDefault("provider_timeout", 30*time.Second)
	v.SetDefault("provider_attempts", 3)
	v.SetDefault("provider_base_delay", time.Second)
	v.SetDefault("provider_max_delay", 30*time.Second)
	v.SetDefault("match_weight_skill", matching.DefaultWeights.Skill)
	v.SetDefault("match_weight_performance", matching.DefaultWeights.Performance)
	v.SetDefault("match_weight_urgency", matching.DefaultWeights.Urgency)
	v.SetDefault("match_weight_load", matching.DefaultWeights.Load)
	v.SetDefault("match_top_n", matching.DefaultTopN)
	v.SetDefault("rank_timeout", 20*time.Second)
	v.SetDefault("invite_top", 3)
	v.SetDefault("webhook_max_body_bytes", 25<<20)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		GRPCPort:     v.GetString("grpc_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		Store:            strings.ToLower(v.GetString("store")),
		PostgresDSN:      v.GetString("postgres_dsn"),
		RedisAddr:        v.GetString("redis_addr"),
		KafkaBrokers:     SplitList(v.GetString("kafka_brokers")),
		TransitionsTopic: v.GetString("transitions_topic"),

		RateLimit:    v.GetInt("rate_limit"),
		CORSOrigins:  SplitList(v.GetString("cors_origins")),
		MaxBodyBytes: v.GetInt64("max_body_bytes"),

		GitHubSecret: v.GetString("github_webhook_secret"),
		ScorerSecret: v.GetString("scorer_webhook_secret"),
		DedupWindow:  v.GetDuration("dedup_window"),
		LockTTL:      v.GetDuration("lock_ttl"),

		Lifecycle: statemachine.Config{
			MaxRetries:      v.GetInt("max_retries"),
			PerformanceMode: v.GetString("performance_mode"),
			EMAAlpha:        v.GetFloat64("ema_alpha"),
		},
		Scoring: scoring.Config{
			Timeout:     v.GetDuration("provider_timeout"),
			MaxAttempts: v.GetInt("provider_attempts"),
			BaseDelay:   v.GetDuration("provider_base_delay"),
			MaxDelay:    v.GetDuration("provider_max_delay"),
		},
		Matching: matching.Config{
			Weights: matching.Weights{
				Skill:       v.GetFloat64("match_weight_skill"),
				Performance: v.GetFloat64("match_weight_performance"),
				Urgency:     v.GetFloat64("match_weight_urgency"),
				Load:        v.GetFloat64("match_weight_load"),
			},
			TopN: v.GetInt("match_top_n"),
		},
		RankTimeout: v.GetDuration("rank_timeout"),
		InviteTop:   v.GetInt("invite_top"),

		WebhookMaxBodyBytes: v.GetInt64("webhook_max_body_bytes"),
	}
	if v.IsSet("pass_threshold") {
		threshold := v.GetFloat64("pass_threshold")
		cfg.Scoring.PassThreshold = &threshold
	}
	for _, name := range []string{"openai", "deepseek"} {
		key := v.GetString(name + "_api_key")
		if key == "" {
			continue
		}
		cfg.LLM = append(cfg.LLM, llm.Config{
			Name:    name,
			APIKey:  key,
			Model:   v.GetString(name + "_model"),
			BaseURL: v.GetString(name + "_base_url"),
		})
	}
	return cfg
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
