package manager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"

	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/metrics"
	"github.com/arthurzam/tattoo/pkg/protocol"
	"github.com/arthurzam/tattoo/pkg/selector"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// ScanPriority is the priority band automatic and manual scans enqueue at
// (§3, §4.10): low enough to always yield to operator-requested jobs.
const ScanPriority = 100

// Scan runs the bug selector with candidateBugs (empty means "any open
// ready bug") against the current roster, filters each worker's result
// through the results store's filter_not_tested, and forwards whatever
// remains as a fresh GlobalJob (§4.10).
func (m *Manager) Scan(ctx context.Context, candidateBugs []int) {
	cycle := uuid.New().String()
	logger := log.WithComponent("manager").With().Str("scan_cycle", cycle).Logger()
	workers := m.workers()
	if len(workers) == 0 {
		return
	}

	results, err := selector.Select(ctx, m.Tracker, candidateBugs, workers)
	if err != nil {
		logger.Error().Err(err).Msg("scan: bug selector failed")
		return
	}

	for _, wb := range results {
		remaining, err := m.Store.FilterNotTested(wb.Worker.CanonicalArch(), wb.Bugs)
		if err != nil {
			logger.Error().Err(err).Str("worker", wb.Worker.Name).Msg("scan: filter_not_tested failed")
			continue
		}
		if len(remaining) == 0 {
			continue
		}
		logger.Info().Str("worker", wb.Worker.Name).Int("bugs", len(remaining)).Msg("scan: dispatching job")
		m.sendTo(wb.Worker, &protocol.GlobalJobMsg{Priority: ScanPriority, Bugs: remaining})
	}
}

// autoScanLoop implements the §4.10 automatic trigger: every
// AutoScanInterval, gate on an empty roster, any non-idle Tester, or high
// 1-minute load, postponing in LoadPostponeInterval increments until the
// gates clear.
func (m *Manager) autoScanLoop(ctx context.Context) {
	ticker := time.NewTicker(AutoScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tryAutoScan(ctx)
		}
	}
}

func (m *Manager) tryAutoScan(ctx context.Context) {
	logger := log.WithComponent("manager")
	for {
		if ctx.Err() != nil {
			return
		}
		if len(m.workers()) == 0 {
			logger.Debug().Msg("auto-scan: no workers connected, skipping this cycle")
			return
		}

		status, err := m.collectStatus(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("auto-scan: collect_status failed, skipping this cycle")
			return
		}
		if anyWorkerBusy(status.Workers) {
			logger.Debug().Msg("auto-scan: a worker has a non-empty queue, skipping this cycle")
			return
		}

		avg, err := load.AvgWithContext(ctx)
		cpuCount, cerr := cpu.CountsWithContext(ctx, true)
		if err == nil && cerr == nil && cpuCount > 0 && avg.Load1 > 0.5*float64(cpuCount) {
			logger.Debug().Float64("load1", avg.Load1).Int("cpus", cpuCount).Msg("auto-scan: load too high, postponing")
			select {
			case <-ctx.Done():
				return
			case <-time.After(LoadPostponeInterval):
				continue
			}
		}

		metrics.ScanCyclesTotal.WithLabelValues("auto").Inc()
		m.Scan(ctx, nil)
		return
	}
}

func anyWorkerBusy(workers map[tattootypes.Worker]tattootypes.TesterStatus) bool {
	for _, status := range workers {
		if len(status.BugsQueue) > 0 {
			return true
		}
	}
	return false
}
