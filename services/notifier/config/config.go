package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CookPiu/Bot/internal/notify"
)

// Config holds typed configuration for the notifier service.
type Config struct {
	LogLevel     string
	KafkaBrokers []string
	Topic        string
	GroupID      string
	DLQTopic     string
	MetricsAddr  string
	OTelEndpoint string

	// Channels selects registered channels by name; empty means all.
	Channels    []string
	Attempts    int
	BaseDelay   time.Duration
	Timeout     time.Duration
	Parallelism int

	ChatWebhookURL    string
	ChatWebhookSecret string

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	EmailTo      []string
	// EmailDirectory maps user ids to mail addresses.
	EmailDirectory map[string]string
}

// SetDefaults registers defaults for keys that have no CLI flag.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transitions_topic", notify.TopicTransitions)
	v.SetDefault("group_id", "taskbot-notifier")
	v.SetDefault("dlq_topic", notify.TopicTransitions+".dlq")
	v.SetDefault("delivery_attempts", 3)
	v.SetDefault("delivery_base_delay", time.Second)
	v.SetDefault("delivery_timeout", 15*time.Second)
	v.SetDefault("delivery_parallelism", 4)
	v.SetDefault("smtp_port", 25)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: splitList(v.GetString("kafka_brokers")),
		Topic:        v.GetString("transitions_topic"),
		GroupID:      v.GetString("group_id"),
		DLQTopic:     v.GetString("dlq_topic"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		Channels:    splitList(v.GetString("channels")),
		Attempts:    v.GetInt("delivery_attempts"),
		BaseDelay:   v.GetDuration("delivery_base_delay"),
		Timeout:     v.GetDuration("delivery_timeout"),
		Parallelism: v.GetInt("delivery_parallelism"),

		ChatWebhookURL:    v.GetString("chat_webhook_url"),
		ChatWebhookSecret: v.GetString("chat_webhook_secret"),

		SMTPHost:       v.GetString("smtp_host"),
		SMTPPort:       v.GetInt("smtp_port"),
		SMTPFrom:       v.GetString("smtp_from"),
		SMTPUsername:   v.GetString("smtp_username"),
		SMTPPassword:   v.GetString("smtp_password"),
		EmailTo:        splitList(v.GetString("email_to")),
		EmailDirectory: v.GetStringMapString("email_directory"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
