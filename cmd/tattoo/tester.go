package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/config"
	"github.com/arthurzam/tattoo/pkg/irker"
	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
	"github.com/arthurzam/tattoo/pkg/tester"
)

func irkerConfig(cfg *config.Config, identifier string) irker.Config {
	return irker.Config{
		ListenerAddr: cfg.Irker.ListenerAddr,
		Channel:      cfg.Irker.Channel,
		Identifier:   identifier,
	}
}

var testerCmd = &cobra.Command{
	Use:   "tester",
	Short: "Run the Tester: connect to a Manager and execute assigned jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		arch, _ := cmd.Flags().GetString("arch")
		jobs, _ := cmd.Flags().GetInt("jobs")

		if name == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("tester: determine hostname: %w", err)
			}
			name = hostname
		}
		if arch == "" {
			arch = os.Getenv("ARCH")
		}
		if arch == "" {
			return fmt.Errorf("tester: --arch is required when $ARCH is unset")
		}

		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("tester: load config: %w", err)
		}

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr)
		}

		worker := tattootypes.Worker{Name: name, Arch: arch}
		rt := tester.New(tester.Config{
			Worker:       worker,
			SocketPath:   cfg.SocketPath,
			Jobs:         jobs,
			RuntimeDir:   cfg.RuntimeDir,
			LogsDir:      cfg.LogsDir,
			Tracker:      bugzilla.NewClient(cfg.BugzillaURL),
			HangInterval: cfg.HangTimeout,
			Irker:        irkerConfig(cfg, name),
		})

		log.WithWorker(worker).Info().Int("jobs", jobs).Msg("tester starting")
		return rt.Run(context.Background())
	},
}

func init() {
	testerCmd.Flags().String("name", "", "Worker identity (default: hostname)")
	testerCmd.Flags().String("arch", "", "Target architecture (default: $ARCH)")
	testerCmd.Flags().Int("jobs", 1, "Number of concurrent jobs")
	rootCmd.AddCommand(testerCmd)
}
