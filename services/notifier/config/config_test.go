package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/CookPiu/Bot/services/notifier/config"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("kafka_brokers", "k1:9092, k2:9092,")
	v.Set("channels", "chat")
	v.Set("email_to", "lead@example.com")
	v.Set("email_directory", map[string]any{"alice": "alice@example.com"})

	cfg := config.Load(v)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "tasks.transitions", cfg.Topic)
	assert.Equal(t, "tasks.transitions.dlq", cfg.DLQTopic)
	assert.Equal(t, "taskbot-notifier", cfg.GroupID)
	assert.Equal(t, []string{"chat"}, cfg.Channels)
	assert.Equal(t, 3, cfg.Attempts)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"lead@example.com"}, cfg.EmailTo)
	assert.Equal(t, map[string]string{"alice": "alice@example.com"}, cfg.EmailDirectory)
}
