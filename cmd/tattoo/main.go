// Command tattoo is the single binary housing the Manager, Tester, and
// Controller roles (§6). Grounded on cuemby-warren/cmd/warren's single
// rootCmd-plus-subcommand-groups layout: one cobra.Command var per
// subsystem, wired together in per-file init() functions, with
// cobra.OnInitialize driving shared logging setup.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/metrics"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tattoo",
	Short: "Distributed package test dispatch for a source-based distribution",
	Long: `tattoo coordinates Manager, Tester, and Controller processes over a
stream socket to drive architecture-specific package test runs against an
upstream bug tracker.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

func configPath() string {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	return path
}

// serveMetrics runs the Prometheus scrape endpoint until it errors; callers
// run it in its own goroutine, since a /metrics listener failing is not
// fatal to the Manager or Tester it's reporting on.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("metrics").Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
