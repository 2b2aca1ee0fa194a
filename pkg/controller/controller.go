// Package controller implements the Controller side (§4.11): a one-shot
// process that fans out to every remote Manager socket concurrently,
// issues operator commands, and (for the `fetch` subcommand) runs the
// apply step against the bug tracker and the out-of-scope repository
// helpers. Grounded on original_source/controller.py's
// connect/per-host-handler/disconnect shape, translated from
// asyncio.gather over coroutines to golang.org/x/sync/errgroup over
// goroutines, the way pkg/manager already translates the same
// asyncio-to-Go idiom for its own fan-out points.
package controller

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/protocol"
	"github.com/arthurzam/tattoo/pkg/repoapply"
	"github.com/arthurzam/tattoo/pkg/selector"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
	"github.com/arthurzam/tattoo/pkg/tracker"
)

// Request bundles the per-invocation flags §4.11 lists ("Inputs").
type Request struct {
	Bugs      []int
	Priority  int
	Scan      bool
	ScanHosts []string // empty means "every connected host"
	Info      bool
}

// FetchOptions configures the `fetch` subcommand (§4.11 steps 5-6).
type FetchOptions struct {
	Repo    string
	DryRun  bool
	Apply   bool
	Resolve bool
}

// HostResult is one host's collected reply.
type HostResult struct {
	Status *tattootypes.ManagerStatus
}

// Controller drives one run across every host socket under SocketDir.
type Controller struct {
	SocketDir string
	Tracker   selector.BugTracker
	ApplyTo   repoapply.Applier
	Dialer    func(ctx context.Context, socketPath string) (net.Conn, error)
}

// New builds a Controller rooted at socketDir, with tracker as the bug
// source for the apply step.
func New(socketDir string, bt selector.BugTracker) *Controller {
	return &Controller{
		SocketDir: socketDir,
		Tracker:   bt,
		Dialer: func(ctx context.Context, socketPath string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
}

// HostsFromSSHConfig extracts the `Host ` aliases from an ssh_config-style
// file, grounded on original_source/controller.py's collect_ssh_hosts.
func HostsFromSSHConfig(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("controller: open %s: %w", path, err)
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "Host "); ok {
			hosts = append(hosts, strings.TrimSpace(rest))
		}
	}
	return hosts, scanner.Err()
}

// Connect opens a persistent SSH multiplexed master connection to each
// host (`ssh -F ssh_config -fNM <host>`), grounded on
// original_source/controller.py's run_ssh.
func Connect(ctx context.Context, sshConfig string, hosts []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		host := host
		g.Go(func() error { return runSSH(gctx, sshConfig, "-fNM", host) })
	}
	return g.Wait()
}

// Disconnect tears down the SSH multiplexed masters opened by Connect.
func Disconnect(ctx context.Context, sshConfig string, hosts []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		host := host
		g.Go(func() error { return runSSH(gctx, sshConfig, "-O", "exit", host) })
	}
	return g.Wait()
}

func runSSH(ctx context.Context, sshConfig string, extraArgs ...string) error {
	args := append([]string{"-F", sshConfig, "-T"}, extraArgs...)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("controller: ssh %v: %w", extraArgs, err)
	}
	return nil
}

// Run fans out req to every host socket file under SocketDir concurrently,
// returning one HostResult per host that answered (§4.11 steps 1-4, 6).
func (c *Controller) Run(ctx context.Context, req Request) (map[string]HostResult, error) {
	entries, err := os.ReadDir(c.SocketDir)
	if err != nil {
		return nil, fmt.Errorf("controller: list %s: %w", c.SocketDir, err)
	}

	invocation := uuid.New().String()
	log.WithComponent("controller").Info().Str("invocation", invocation).Int("hosts", len(entries)).Msg("controller run starting")
	var mu sync.Mutex
	results := make(map[string]HostResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		host := entry.Name()
		g.Go(func() error {
			res, err := c.handleHost(gctx, host, req)
			if err != nil {
				log.WithHost(host).Warn().Err(err).Str("invocation", invocation).Msg("host handler failed")
				return nil // one host's failure doesn't abort the others.
			}
			mu.Lock()
			results[host] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Controller) handleHost(ctx context.Context, host string, req Request) (HostResult, error) {
	socketPath := filepath.Join(c.SocketDir, host)
	conn, err := c.Dialer(ctx, socketPath)
	if err != nil {
		return HostResult{}, fmt.Errorf("connect: %w", err)
	}
	pconn := protocol.NewConn(conn)
	defer pconn.Close()

	if err := pconn.WriteMessage(&protocol.WorkerMsg{Worker: tattootypes.Worker{}}); err != nil {
		return HostResult{}, fmt.Errorf("identify: %w", err)
	}

	if len(req.Bugs) > 0 {
		if err := pconn.WriteMessage(&protocol.GlobalJobMsg{Priority: req.Priority, Bugs: req.Bugs}); err != nil {
			return HostResult{}, fmt.Errorf("send global job: %w", err)
		}
	}

	if req.Scan && hostSelected(host, req.ScanHosts) {
		if err := pconn.WriteMessage(&protocol.DoScanMsg{}); err != nil {
			return HostResult{}, fmt.Errorf("send do_scan: %w", err)
		}
	}

	var result HostResult
	if req.Info {
		if err := pconn.WriteMessage(&protocol.GetStatusMsg{}); err != nil {
			return HostResult{}, fmt.Errorf("send get_status: %w", err)
		}
		msg, err := pconn.ReadMessage()
		if err != nil {
			return HostResult{}, fmt.Errorf("read manager status: %w", err)
		}
		if status, ok := msg.(*protocol.ManagerStatusMsg); ok {
			result.Status = &status.ManagerStatus
		}
	}

	return result, nil
}

func hostSelected(host string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, h := range filter {
		if h == host {
			return true
		}
	}
	return false
}

// Fetch sends CompletedJobsRequest to every host and accumulates
// passes/timestamps (§4.11 step 5). It is separate from Run because its
// reply shape differs and it always needs a since-timestamp per host.
func (c *Controller) Fetch(ctx context.Context, since map[string]time.Time) (map[string][]protocol.JobRef, map[string]time.Time, error) {
	entries, err := os.ReadDir(c.SocketDir)
	if err != nil {
		return nil, nil, fmt.Errorf("controller: list %s: %w", c.SocketDir, err)
	}

	var mu sync.Mutex
	passes := make(map[string][]protocol.JobRef, len(entries))
	seen := make(map[string]time.Time, len(entries))
	now := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		host := entry.Name()
		g.Go(func() error {
			sinceHost, ok := since[host]
			if !ok {
				sinceHost = time.Unix(0, 0)
			}
			result, err := c.fetchHost(gctx, host, sinceHost)
			if err != nil {
				log.WithHost(host).Warn().Err(err).Msg("fetch failed")
				return nil
			}
			mu.Lock()
			passes[host] = result
			seen[host] = now
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return passes, seen, nil
}

func (c *Controller) fetchHost(ctx context.Context, host string, since time.Time) ([]protocol.JobRef, error) {
	socketPath := filepath.Join(c.SocketDir, host)
	conn, err := c.Dialer(ctx, socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pconn := protocol.NewConn(conn)
	defer pconn.Close()

	if err := pconn.WriteMessage(&protocol.WorkerMsg{Worker: tattootypes.Worker{}}); err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	if err := pconn.WriteMessage(&protocol.CompletedJobsRequestMsg{Since: since}); err != nil {
		return nil, fmt.Errorf("send completed_jobs_request: %w", err)
	}
	msg, err := pconn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read completed_jobs_response: %w", err)
	}
	resp, ok := msg.(*protocol.CompletedJobsResponseMsg)
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", msg)
	}
	return resp.Passes, nil
}

// LoadDatetimes parses the `host=ISO8601` persistence format (§4.11's final
// paragraph), grounded on original_source/controller.py's fetch_datetimes.
// A missing file is not an error: the first fetch has no history.
func LoadDatetimes(path string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("controller: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		host, ts, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue // malformed line: ignored, same as the original's bare except.
		}
		out[host] = parsed
	}
	return out, scanner.Err()
}

// SaveDatetimes writes the `host=ISO8601` persistence format.
func SaveDatetimes(path string, datetimes map[string]time.Time) error {
	var b strings.Builder
	for host, ts := range datetimes {
		fmt.Fprintf(&b, "%s=%s\n", host, ts.Format(time.RFC3339))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ApplyStep runs §4.11's apply/resolve logic for every distinct bug number
// across the collected passes: fetch the bug, intersect its cc'd
// architectures with the returned pass architectures, generate one commit
// per such architecture, then either resolve (if every cc'd arch is done,
// or ALLARCHES is set, and the bug isn't a security bug) or uncc the passing
// arches. In a dry run the applier is still called (it carries its own
// dry-run setting) and no bug-tracker change is made.
func ApplyStep(ctx context.Context, bt selector.BugTracker, applier repoapply.Applier, trk *tracker.Client, passesByHost map[string][]protocol.JobRef, opts FetchOptions) error {
	byBug := make(map[int]map[string]struct{})
	for _, refs := range passesByHost {
		for _, ref := range refs {
			if byBug[ref.BugNo] == nil {
				byBug[ref.BugNo] = make(map[string]struct{})
			}
			byBug[ref.BugNo][ref.Arch] = struct{}{}
		}
	}
	if len(byBug) == 0 {
		return nil
	}

	ids := make([]int, 0, len(byBug))
	for id := range byBug {
		ids = append(ids, id)
	}
	bugs, err := bt.FindBugs(ctx, ids, bugzilla.FindOptions{})
	if err != nil {
		return fmt.Errorf("controller: apply step: fetch bugs: %w", err)
	}

	for bugNo, passArches := range byBug {
		bug, ok := bugs[bugNo]
		if !ok {
			continue
		}
		ccArches := bugCcArches(bug)

		var intersected []string
		for _, arch := range ccArches {
			if _, passed := passArches[arch]; passed {
				intersected = append(intersected, arch)
			}
		}
		if len(intersected) == 0 {
			continue
		}

		if opts.Apply {
			for _, arch := range intersected {
				if err := applier.Apply(ctx, repoapply.Commit{Bug: bug, Arch: arch}); err != nil {
					log.WithBug(bugNo).Error().Err(err).Str("arch", arch).Msg("apply step failed")
				}
			}
		}
		if opts.DryRun {
			continue
		}

		if opts.Resolve && !bug.Security {
			allDone := len(intersected) == len(ccArches)
			allArches := bug.HasKeyword(tattootypes.KeywordAllArches)
			if allDone || allArches {
				comment := tracker.ResolveComment(intersected, allArches, allDone)
				if err := trk.Resolve(ctx, bugNo, comment); err != nil {
					log.WithBug(bugNo).Error().Err(err).Msg("resolve failed")
				}
				continue
			}
		}

		for _, arch := range intersected {
			if err := trk.UnCC(ctx, bugNo, arch); err != nil {
				log.WithBug(bugNo).Error().Err(err).Str("arch", arch).Msg("uncc failed")
			}
		}
	}
	return nil
}

func bugCcArches(bug *tattootypes.Bug) []string {
	var arches []string
	for cc := range bug.Cc {
		if arch, _, ok := strings.Cut(cc, "@"); ok {
			arches = append(arches, arch)
		}
	}
	return arches
}
