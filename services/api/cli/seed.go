package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CookPiu/Bot/internal/cmdutil"
	"github.com/CookPiu/Bot/internal/statemachine"
	"github.com/CookPiu/Bot/services/api/config"
)

// seedFile is the layout of a candidate roster:
//
//	candidates:
//	  - user_id: alice
//	    name: Alice
//	    skill_tags: [go, sql]
//	    hours_available: 20
type seedFile struct {
	Candidates []statemachine.CandidateProfile `yaml:"candidates"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <roster.yaml>",
	Short: "Create or update candidate profiles from a YAML roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		profiles, err := readRoster(f)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		cfg := config.Load(viper.GetViper())
		logger := cmdutil.Logger(cfg.LogLevel, "api")
		// Seeding never needs the queue or the external ranker.
		cfg.KafkaBrokers, cfg.LLM, cfg.RateLimit = nil, nil, 0

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s, err := buildStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		var created, updated int
		for _, p := range profiles {
			_, isNew, err := s.engine.UpsertCandidate(ctx, p)
			if err != nil {
				return fmt.Errorf("candidate %q: %w", p.UserID, err)
			}
			if isNew {
				created++
			} else {
				updated++
			}
		}
		logger.Info("roster applied", slog.Int("created", created), slog.Int("updated", updated))
		fmt.Fprintf(cmd.OutOrStdout(), "%d created, %d updated\n", created, updated)
		return nil
	},
}

func readRoster(r io.Reader) ([]statemachine.CandidateProfile, error) {
	var file seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty roster")
		}
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return file.Candidates, nil
}
