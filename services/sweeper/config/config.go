package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/services/sweeper"
)

// Config holds typed configuration for the sweeper service.
type Config struct {
	LogLevel         string
	PostgresDSN      string
	RedisAddr        string
	KafkaBrokers     []string
	TransitionsTopic string
	MetricsAddr      string
	OTelEndpoint     string

	Jobs sweeper.Config
	// LeaderTTL is how long a crashed leader blocks the others.
	LeaderTTL time.Duration
	// MarkerTTL bounds how long sent-notice markers are remembered.
	MarkerTTL time.Duration
	LockTTL   time.Duration
}

// SetDefaults registers defaults for keys that have no CLI flag.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transitions_topic", notify.TopicTransitions)
	v.SetDefault("reminders_schedule", sweeper.DefaultConfig.RemindersSchedule)
	v.SetDefault("overdue_schedule", sweeper.DefaultConfig.OverdueSchedule)
	v.SetDefault("archive_schedule", sweeper.DefaultConfig.ArchiveSchedule)
	v.SetDefault("report_schedule", sweeper.DefaultConfig.ReportSchedule)
	v.SetDefault("archive_retention", sweeper.DefaultConfig.Retention)
	v.SetDefault("run_timeout", sweeper.DefaultConfig.RunTimeout)
	v.SetDefault("lease_renew_every", sweeper.DefaultConfig.RenewEvery)
	v.SetDefault("leader_ttl", time.Minute)
	v.SetDefault("marker_ttl", 60*24*time.Hour)
	v.SetDefault("lock_ttl", 30*time.Second)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		RedisAddr:        v.GetString("redis_addr"),
		KafkaBrokers:     splitList(v.GetString("kafka_brokers")),
		TransitionsTopic: v.GetString("transitions_topic"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),

		Jobs: sweeper.Config{
			RemindersSchedule: v.GetString("reminders_schedule"),
			OverdueSchedule:   v.GetString("overdue_schedule"),
			ArchiveSchedule:   v.GetString("archive_schedule"),
			ReportSchedule:    v.GetString("report_schedule"),
			Retention:         v.GetDuration("archive_retention"),
			RunTimeout:        v.GetDuration("run_timeout"),
			RenewEvery:        v.GetDuration("lease_renew_every"),
		},
		LeaderTTL: v.GetDuration("leader_ttl"),
		MarkerTTL: v.GetDuration("marker_ttl"),
		LockTTL:   v.GetDuration("lock_ttl"),
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
