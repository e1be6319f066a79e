package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CookPiu/Bot/services/api/config"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set("store", "Memory")
	v.Set("kafka_brokers", "k1:9092, k2:9092,")
	v.Set("cors_origins", "https://bot.example.com")
	v.Set("dedup_window", "12h")
	v.Set("max_retries", 2)
	v.Set("performance_mode", "ema")
	v.Set("match_weight_skill", 0.6)
	v.Set("deepseek_api_key", "sk-d")
	v.Set("deepseek_base_url", "https://api.deepseek.com/v1")
	v.Set("pass_threshold", 0)
	v.Set("provider_max_delay", "5s")

	cfg := config.Load(v)
	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://bot.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 12*time.Hour, cfg.DedupWindow)
	assert.Equal(t, 2, cfg.Lifecycle.MaxRetries)
	assert.Equal(t, "ema", cfg.Lifecycle.PerformanceMode)
	assert.Equal(t, 0.6, cfg.Matching.Weights.Skill)
	require.NotNil(t, cfg.Scoring.PassThreshold, "zero is a valid threshold")
	assert.Zero(t, *cfg.Scoring.PassThreshold)
	assert.Equal(t, 5*time.Second, cfg.Scoring.MaxDelay)

	require.Len(t, cfg.LLM, 1, "backends without a key are skipped")
	assert.Equal(t, "deepseek", cfg.LLM[0].Name)
	assert.Equal(t, "https://api.deepseek.com/v1", cfg.LLM[0].BaseURL)
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("match_weight_skill", 0.5)

	cfg := config.Load(v)
	assert.Equal(t, "tasks.transitions", cfg.TransitionsTopic)
	assert.Equal(t, 24*time.Hour, cfg.DedupWindow)
	assert.Equal(t, 2, cfg.Lifecycle.MaxRetries)
	require.NotNil(t, cfg.Scoring.PassThreshold)
	assert.Equal(t, 80.0, *cfg.Scoring.PassThreshold)
	assert.Equal(t, 30*time.Second, cfg.Scoring.MaxDelay)
	assert.Equal(t, 3, cfg.InviteTop)
	assert.Equal(t, int64(25<<20), cfg.WebhookMaxBodyBytes)
	assert.NoError(t, cfg.Matching.Weights.Validate())
	assert.Empty(t, cfg.LLM)
}
