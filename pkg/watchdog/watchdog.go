// Package watchdog implements the hang watchdog scheduled alongside a test
// subprocess (§4.6): after an initial grace period it repeatedly samples the
// subprocess's recursive child-PID set, and kills the process group if two
// consecutive samples are identical. Grounded on gopsutil's process tree
// walk (github.com/shirou/gopsutil/v4/process), the library the pack
// carries for exactly this kind of external-process introspection.
package watchdog

import (
	"context"
	"sort"
	"syscall"
	"time"

	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultGrace is the initial quiet period before sampling begins.
const DefaultGrace = 10 * time.Minute

// Outcome is the watchdog's verdict once its context is cancelled or it
// fires.
type Outcome string

const (
	// OutcomeOK means the watchdog never observed a stalled child-PID set
	// (including the case where it never ran any samples before the
	// subprocess finished).
	OutcomeOK Outcome = "ok"
	// OutcomeHang means two consecutive samples were identical and the
	// process group was killed.
	OutcomeHang Outcome = "hang"
)

// Watchdog supervises one subprocess, identified by its root PID and
// process group ID (they're the same value when the subprocess was started
// with Setpgid).
type Watchdog struct {
	pid    int
	pgid   int
	grace  time.Duration
	sample time.Duration
}

// New returns a Watchdog for the subprocess rooted at pid, running in
// process group pgid, sampling every interval after an initial grace
// period.
func New(pid, pgid int, grace, interval time.Duration) *Watchdog {
	return &Watchdog{pid: pid, pgid: pgid, grace: grace, sample: interval}
}

// Run blocks until ctx is cancelled (the normal path: the caller cancels it
// when the subprocess exits) or a hang is detected, in which case it kills
// the process group and returns OutcomeHang. A child-enumeration failure
// (the facility is unavailable, or the process is already gone) skips that
// sample and keeps the previous snapshot; if enumeration never succeeds,
// the watchdog never fires and reports OutcomeOK once cancelled.
func (w *Watchdog) Run(ctx context.Context) Outcome {
	logger := log.WithComponent("watchdog")

	timer := time.NewTimer(w.grace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return OutcomeOK
	case <-timer.C:
	}

	var previous []int32
	interval := w.sample
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeOK
		case <-ticker.C:
			current, err := childPIDs(w.pid)
			if err != nil {
				logger.Debug().Err(err).Int("pid", w.pid).Msg("child enumeration unavailable, watchdog inert")
				continue
			}
			if previous != nil && samePIDSet(previous, current) {
				logger.Warn().Int("pid", w.pid).Int("pgid", w.pgid).Msg("subprocess hang detected, killing process group")
				_ = syscall.Kill(-w.pgid, syscall.SIGKILL)
				return OutcomeHang
			}
			previous = current
		}
	}
}

func childPIDs(rootPID int) ([]int32, error) {
	root, err := process.NewProcess(int32(rootPID))
	if err != nil {
		return nil, err
	}
	all := []int32{int32(rootPID)}
	collected, err := collectDescendants(root)
	if err != nil {
		return nil, err
	}
	all = append(all, collected...)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all, nil
}

func collectDescendants(p *process.Process) ([]int32, error) {
	children, err := p.Children()
	if err != nil {
		if err == process.ErrorNoChildren {
			return nil, nil
		}
		return nil, err
	}
	var out []int32
	for _, child := range children {
		out = append(out, child.Pid)
		grandchildren, err := collectDescendants(child)
		if err != nil {
			return nil, err
		}
		out = append(out, grandchildren...)
	}
	return out, nil
}

func samePIDSet(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
