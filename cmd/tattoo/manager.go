package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/config"
	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/manager"
	"github.com/arthurzam/tattoo/pkg/store"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the Manager: roster, scan orchestration, and job dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("manager: load config: %w", err)
		}

		st, err := store.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("manager: open results store: %w", err)
		}
		defer st.Close()

		tracker := bugzilla.NewClient(cfg.BugzillaURL)
		mgr := manager.New(cfg.SocketPath, st, tracker)

		listener, err := mgr.Listen()
		if err != nil {
			return fmt.Errorf("manager: %w", err)
		}
		log.Info("manager listening on " + cfg.SocketPath)

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("manager received shutdown signal")
			cancel()
		}()

		return mgr.Run(ctx, listener)
	},
}

func init() {
	rootCmd.AddCommand(managerCmd)
}
