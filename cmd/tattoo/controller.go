package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/config"
	"github.com/arthurzam/tattoo/pkg/controller"
	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/repoapply"
	"github.com/arthurzam/tattoo/pkg/tracker"
)

// DefaultSSHConfig and DefaultSocketDir are the Controller's on-disk
// conventions, grounded on original_source/controller.py's module-level
// base_dir and its bare "ssh_config" relative path.
const (
	DefaultSSHConfig  = "ssh_config"
	DefaultSocketDir  = "/tmp/tattoo/comm"
	DefaultControlDir = "/tmp/tattoo/control"
	DatetimeFile      = "controller.datetime.txt"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Drive one or more remote Managers: dispatch jobs, scan, fetch results",
}

func init() {
	// Local (not persistent) flags: the fetch subcommand reuses "-d" for its
	// own --repo, so these must not be inherited down into it (mirrors the
	// original's independent argparse subparser namespaces).
	controllerCmd.Flags().BoolP("connect", "c", false, "Open SSH multiplexed connections to every host in ssh_config first")
	controllerCmd.Flags().BoolP("disconnect", "d", false, "Close SSH multiplexed connections on exit")
	controllerCmd.Flags().StringSlice("scan", nil, "Trigger a scan, optionally restricted to these hosts")
	controllerCmd.Flags().BoolP("info", "i", false, "Collect and print manager status")
	controllerCmd.Flags().IntSliceP("bugs", "b", nil, "Bug numbers to test")
	controllerCmd.Flags().IntP("priority", "p", 0, "Priority for --bugs (smaller runs first)")

	controllerCmd.RunE = runController
	controllerCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	connect, _ := cmd.Flags().GetBool("connect")
	disconnect, _ := cmd.Flags().GetBool("disconnect")
	scanHosts, _ := cmd.Flags().GetStringSlice("scan")
	scanRequested := cmd.Flags().Changed("scan")
	info, _ := cmd.Flags().GetBool("info")
	bugsInt, _ := cmd.Flags().GetIntSlice("bugs")
	priority, _ := cmd.Flags().GetInt("priority")

	ctx := context.Background()

	if connect {
		hosts, err := controller.HostsFromSSHConfig(DefaultSSHConfig)
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		if err := os.MkdirAll(DefaultSocketDir, 0o755); err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		if err := os.MkdirAll(DefaultControlDir, 0o755); err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		if err := controller.Connect(ctx, DefaultSSHConfig, hosts); err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		log.Info(fmt.Sprintf("connected to %d host(s)", len(hosts)))
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("controller: load config: %w", err)
	}

	c := controller.New(DefaultSocketDir, bugzilla.NewClient(cfg.BugzillaURL))
	req := controller.Request{
		Bugs:      bugsInt,
		Priority:  priority,
		Scan:      scanRequested,
		ScanHosts: scanHosts,
		Info:      info,
	}

	results, err := c.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if info {
		for host, res := range results {
			if res.Status != nil {
				fmt.Printf("%s: load1=%.2f cpus=%d workers=%d\n", host, res.Status.Load.Load1, res.Status.CPUCount, len(res.Status.Workers))
			}
		}
	}

	if disconnect {
		hosts, err := controller.HostsFromSSHConfig(DefaultSSHConfig)
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		if err := controller.Disconnect(ctx, DefaultSSHConfig, hosts); err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		os.RemoveAll(DefaultSocketDir)
		os.RemoveAll(DefaultControlDir)
		log.Info("disconnected from all hosts")
	}

	return nil
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Pull completed-job results from every connected Manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		apply, _ := cmd.Flags().GetBool("apply")
		resolve, _ := cmd.Flags().GetBool("resolve")

		if apply && resolve && os.Getenv(bugzilla.EnvAPIKey) == "" {
			return fmt.Errorf("controller: ARCHTESTER_BUGZILLA_APIKEY is required for fetch --apply --resolve")
		}

		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("controller: load config: %w", err)
		}

		bt := bugzilla.NewClient(cfg.BugzillaURL)
		c := controller.New(DefaultSocketDir, bt)

		since, err := controller.LoadDatetimes(DatetimeFile)
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}

		passes, seen, err := c.Fetch(context.Background(), since)
		if err != nil {
			return fmt.Errorf("controller: fetch: %w", err)
		}

		for host, refs := range passes {
			for _, ref := range refs {
				fmt.Printf("%s,%d,%s\n", host, ref.BugNo, ref.Arch)
			}
		}

		if apply || resolve {
			applier := repoapply.NewGitApplier(repo, dryRun)
			trk := tracker.NewClient(cfg.BugzillaURL, bugzilla.LoadAPIKey())
			opts := controller.FetchOptions{Repo: repo, DryRun: dryRun, Apply: apply, Resolve: resolve}
			if err := controller.ApplyStep(context.Background(), bt, applier, trk, passes, opts); err != nil {
				return fmt.Errorf("controller: apply step: %w", err)
			}
		}

		if !dryRun {
			for host, ts := range seen {
				since[host] = ts
			}
			if err := controller.SaveDatetimes(DatetimeFile, since); err != nil {
				return fmt.Errorf("controller: %w", err)
			}
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringP("repo", "d", "", "Repository path to apply generated commits into")
	fetchCmd.Flags().BoolP("dry-run", "n", false, "Report what the apply step would do without writing")
	fetchCmd.Flags().BoolP("apply", "a", false, "Generate and commit keyword/stabilisation changes")
	fetchCmd.Flags().BoolP("resolve", "r", false, "Resolve bugs whose cc'd architectures are all done")
}
