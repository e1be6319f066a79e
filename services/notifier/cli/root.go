package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/CookPiu/Bot/internal/cmdutil"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "taskbot-notifier",
	Short:        "Taskbot notifier: delivers task transitions to chat and mail",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/taskbot-notifier/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cmdutil.OnInitialize(&cfgFile, "notifier")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (default: ./notifier.yaml)")
	pf.String("log-level", "info", "log level: debug | info | warn | error")
	cmdutil.BindFlag("log_level", pf, "log-level")

	rootCmd.AddCommand(
		serveCmd,
		cmdutil.NewInitCmd("notifier", &cfgFile, defaultNotifierYAML),
		cmdutil.NewVersionCmd("taskbot-notifier"),
	)
}
