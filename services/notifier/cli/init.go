package cli

const defaultNotifierYAML = `# Taskbot notifier config
# Priority: CLI flag > env (also read from .env) > this file > default.

kafka_brokers:     "localhost:9092"
transitions_topic: "tasks.transitions"
group_id:          "taskbot-notifier"
dlq_topic:         "tasks.transitions.dlq"
metrics_addr:      ":9096"
log_level:         "info"

channels: ""                # comma-separated: chat,email (empty = every configured channel)
delivery_attempts:    3
delivery_base_delay:  "1s"
delivery_timeout:     "15s"
delivery_parallelism: 4

# --- Chat bot webhook ---
# chat_webhook_url:    "https://open.feishu.cn/open-apis/bot/v2/hook/..."
# chat_webhook_secret: ""   # signing secret, if the bot has one

# --- Local (MailHog) ---
smtp_host: "localhost"
smtp_port: 1025
smtp_from: "taskbot@example.com"
# smtp_username: ""
# smtp_password: ""
email_to: ""                # comma-separated addresses that get every notice
email_directory:            # assignee user id -> address
#  alice: "alice@example.com"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`
