package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CookPiu/Bot/internal/cmdutil"
	"github.com/CookPiu/Bot/services/sweeper"
	"github.com/CookPiu/Bot/services/sweeper/config"
)

var runCmd = &cobra.Command{
	Use:       "run <reminders|overdue|archive|report>",
	Short:     "Run one job now, without leader election",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{sweeper.JobReminders, sweeper.JobOverdue, sweeper.JobArchive, sweeper.JobReport},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(viper.GetViper())
		logger := cmdutil.Logger(cfg.LogLevel, "sweeper")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.RunTimeout)
		defer cancel()

		d, err := buildSweeper(ctx, cfg, false, logger)
		if err != nil {
			return err
		}
		defer d.Close()
		touched, err := d.sweeper.RunJob(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tasks\n", args[0], touched)
		return nil
	},
}
