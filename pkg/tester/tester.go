// Package tester implements the Tester runtime (§4.5): the connection to a
// Manager, an N-wide worker pool consuming a priority queue, and the
// per-job subprocess pipeline (preparation, execution with a hang
// watchdog, outcome, cleanup). Grounded on the connect/retry/worker-pool
// shape of original_source/tester.py, translated from asyncio tasks to
// goroutines coordinated over context.Context, the way the teacher
// structures its own long-running supervisory loops.
package tester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/irker"
	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/metrics"
	"github.com/arthurzam/tattoo/pkg/protocol"
	"github.com/arthurzam/tattoo/pkg/qlop"
	"github.com/arthurzam/tattoo/pkg/queue"
	"github.com/arthurzam/tattoo/pkg/report"
	"github.com/arthurzam/tattoo/pkg/sdnotify"
	"github.com/arthurzam/tattoo/pkg/selector"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
	"github.com/arthurzam/tattoo/pkg/watchdog"
)

// Config holds everything a Runtime needs to connect and run jobs.
type Config struct {
	Worker       tattootypes.Worker
	SocketPath   string
	Jobs         int
	RuntimeDir   string
	LogsDir      string
	Tracker      selector.BugTracker
	HangGrace    time.Duration
	HangInterval time.Duration
	Irker        irker.Config
}

// PreparationTimeout bounds the test-driver invocation step (§5).
const PreparationTimeout = 60 * time.Second

// ReconnectBackoff and MaxReconnectAttempts implement §4.5's "back off 500
// ms and retry up to 5 times before exiting".
const (
	ReconnectBackoff     = 500 * time.Millisecond
	MaxReconnectAttempts = 5
)

// Runtime is one running Tester process.
type Runtime struct {
	cfg   Config
	queue *queue.Queue
}

// New constructs a Runtime for the given configuration.
func New(cfg Config) *Runtime {
	return &Runtime{cfg: cfg, queue: queue.New()}
}

// Run is the main loop: dial, run one session to completion, and retry
// with backoff until ctx is cancelled or the retry budget is exhausted.
func (r *Runtime) Run(ctx context.Context) error {
	logger := log.WithComponent("tester")
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := net.Dial("unix", r.cfg.SocketPath)
		if err != nil {
			attempts++
			logger.Warn().Err(err).Int("attempt", attempts).Msg("failed to connect to manager")
			if attempts >= MaxReconnectAttempts {
				return fmt.Errorf("tester: exhausted %d connection attempts: %w", MaxReconnectAttempts, err)
			}
			select {
			case <-time.After(ReconnectBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attempts = 0
		if err := r.runSession(ctx, protocol.NewConn(conn)); err != nil {
			logger.Warn().Err(err).Msg("tester session ended, reconnecting")
		}
		sdnotify.Reloading()
	}
}

// runSession drives one connected session end to end (§4.5 "Per session").
func (r *Runtime) runSession(ctx context.Context, conn *protocol.Conn) error {
	defer conn.Close()
	logger := log.WithComponent("tester")

	if err := conn.WriteMessage(&protocol.WorkerMsg{Worker: r.cfg.Worker}); err != nil {
		return fmt.Errorf("tester: send worker identity: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	jobs := r.cfg.Jobs
	if jobs <= 0 {
		jobs = 1
	}
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerTask(sessionCtx, conn)
		}()
	}
	defer wg.Wait()
	defer cancel()

	sdnotify.Ready()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) {
				logger.Warn().Err(err).Msg("unknown frame from manager, discarding")
				continue
			}
			return err
		}
		switch m := msg.(type) {
		case *protocol.GlobalJobMsg:
			r.handleGlobalJob(sessionCtx, m)
		case *protocol.GetStatusMsg:
			r.handleGetStatus(conn)
		case *protocol.KeepAliveMsg:
			// no semantics, just keeps the connection warm.
		default:
			logger.Warn().Str("kind", fmt.Sprintf("%T", msg)).Msg("unexpected frame from manager, discarding")
		}
	}
}

// handleGlobalJob runs the selector against this single Worker, subtracts
// already-known bugs, shuffles, and enqueues at the job's priority (§4.5
// step 4).
func (r *Runtime) handleGlobalJob(ctx context.Context, m *protocol.GlobalJobMsg) {
	logger := log.WithComponent("tester")
	results, err := selector.Select(ctx, r.cfg.Tracker, m.Bugs, []tattootypes.Worker{r.cfg.Worker})
	if err != nil {
		logger.Error().Err(err).Msg("bug selector failed for global job")
		return
	}

	var ready []int
	for _, wb := range results {
		ready = append(ready, wb.Bugs...)
	}

	var fresh []int
	for _, bug := range ready {
		if !r.queue.Contains(bug) {
			fresh = append(fresh, bug)
		}
	}
	rand.Shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })

	for _, bug := range fresh {
		r.queue.Put(m.Priority, bug)
	}
}

func (r *Runtime) handleGetStatus(conn *protocol.Conn) {
	running, queued := r.queue.Snapshot()
	metrics.QueueDepth.WithLabelValues(r.cfg.Worker.CanonicalArch()).Set(float64(len(running) + len(queued)))
	status := tattootypes.TesterStatus{
		BugsQueue:    append(running, queued...),
		MergingAtoms: qlop.RunningAtoms(context.Background()),
	}
	if err := conn.WriteMessage(&protocol.TesterStatusMsg{TesterStatus: status}); err != nil {
		log.WithComponent("tester").Warn().Err(err).Msg("failed to send status reply")
	}
}

// workerTask is one of the N queue consumers; it loops dequeue -> run
// pipeline -> done until ctx is cancelled.
func (r *Runtime) workerTask(ctx context.Context, conn *protocol.Conn) {
	logger := log.WithComponent("tester")
	for {
		bug, err := r.queue.Get(ctx)
		if err != nil {
			return // cancelled or closed: exit cleanly without marking done.
		}

		timer := metrics.NewTimer()
		success, summary, reachedExecution := r.runJobPipeline(ctx, bug)
		timer.ObserveDurationVec(metrics.JobDuration, r.cfg.Worker.CanonicalArch())
		if ctx.Err() != nil {
			// Cancelled mid-pipeline: the subprocess wait already finished
			// (no forcible kill per §5), but we don't report a result.
			r.queue.Done(bug)
			return
		}

		if reachedExecution {
			outcome := "success"
			if !success {
				outcome = "failure"
			}
			metrics.JobsTotal.WithLabelValues(r.cfg.Worker.CanonicalArch(), outcome).Inc()

			if err := conn.WriteMessage(&protocol.BugJobDoneMsg{BugNumber: bug, Success: success}); err != nil {
				logger.Warn().Err(err).Int("bug", bug).Msg("failed to report job outcome")
			}
		}

		notifySummary := summary
		if notifySummary == "" {
			notifySummary = "success"
		}
		if err := irker.Notify(r.cfg.Irker, bug, notifySummary); err != nil {
			logger.Debug().Err(err).Int("bug", bug).Msg("irker notification failed")
		}

		r.queue.Done(bug)
	}
}

// runJobPipeline executes §4.5's four pipeline steps for one bug. It never
// propagates an error to the caller: every failure mode resolves to a
// (success, summary) pair, and cleanup always runs. reachedExecution is
// false when preparation failed for any reason (timeout, rate limit, or
// any other tatt failure) — per §1/§4.5, a BugJobDone is never sent for a
// bug whose execution step never ran, since there is nothing to record.
func (r *Runtime) runJobPipeline(ctx context.Context, bug int) (success bool, summary string, reachedExecution bool) {
	logger := log.WithBug(bug).With().Str("component", "tester").Logger()
	runDir := r.cfg.RuntimeDir

	defer r.runCleanupStep(ctx, bug)

	prepCtx, cancel := context.WithTimeout(ctx, PreparationTimeout)
	defer cancel()
	if ok, prepSummary := r.runPreparationStep(prepCtx, bug, runDir); !ok {
		logger.Warn().Str("reason", prepSummary).Msg("preparation step failed")
		return false, prepSummary, false
	}

	exitCode, hung := r.runExecutionStep(ctx, bug, runDir)
	if hung {
		return false, "hang", true
	}
	if exitCode == 0 {
		return true, "", true
	}

	records, err := report.Parse(filepath.Join(runDir, fmt.Sprintf("%d.report", bug)))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to parse report file")
		return false, "test run failed", true
	}
	return false, report.Summarize(records), true
}

// runPreparationStep spawns the external test driver with a 60 s timeout.
func (r *Runtime) runPreparationStep(ctx context.Context, bug int, runDir string) (ok bool, summary string) {
	cmd := exec.CommandContext(ctx, "tatt", "-b", fmt.Sprint(bug), "-j", fmt.Sprint(bug))
	cmd.Dir = runDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	apiKey := bugzilla.LoadAPIKey()
	if apiKey != "" {
		cmd.Env = append(os.Environ(), bugzilla.EnvAPIKey+"="+apiKey)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return false, "tatt timed out"
	}
	if err == nil {
		return true, ""
	}
	if strings.Contains(out.String(), "rate limit") {
		return false, "tatt failed with bugzilla rate"
	}
	if writeErr := os.WriteFile(filepath.Join(r.cfg.LogsDir, fmt.Sprintf("%d.prep.log", bug)), out.Bytes(), 0o644); writeErr != nil {
		log.WithComponent("tester").Warn().Err(writeErr).Int("bug", bug).Msg("failed to persist preparation failure log")
	}
	return false, "tatt failed"
}

// runExecutionStep runs the generated per-bug shell script under a hang
// watchdog, returning its exit code (or -1/true hung if the watchdog fired).
func (r *Runtime) runExecutionStep(ctx context.Context, bug int, runDir string) (exitCode int, hung bool) {
	script := filepath.Join(runDir, fmt.Sprintf("%d-useflags.sh", bug))
	cmd := exec.Command(script)
	cmd.Dir = runDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 1, false
	}

	wdCtx, cancelWatchdog := context.WithCancel(ctx)
	wd := watchdog.New(cmd.Process.Pid, cmd.Process.Pid, r.hangGrace(), r.hangInterval())
	outcomeCh := make(chan watchdog.Outcome, 1)
	go func() { outcomeCh <- wd.Run(wdCtx) }()

	waitErr := cmd.Wait()
	cancelWatchdog()
	outcome := <-outcomeCh

	if outcome == watchdog.OutcomeHang {
		return -1, true
	}
	if waitErr == nil {
		return 0, false
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), false
	}
	return 1, false
}

func (r *Runtime) hangGrace() time.Duration {
	if r.cfg.HangGrace > 0 {
		return r.cfg.HangGrace
	}
	return watchdog.DefaultGrace
}

func (r *Runtime) hangInterval() time.Duration {
	if r.cfg.HangInterval > 0 {
		return r.cfg.HangInterval
	}
	return 6 * time.Hour
}

// runCleanupStep always runs the generated cleanup script, ignoring its
// result (§4.5 step 4).
func (r *Runtime) runCleanupStep(ctx context.Context, bug int) {
	script := filepath.Join(r.cfg.RuntimeDir, fmt.Sprintf("%d-cleanup.sh", bug))
	cmd := exec.CommandContext(context.WithoutCancel(ctx), script, "--clean")
	cmd.Dir = r.cfg.RuntimeDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	_ = cmd.Run()
}
