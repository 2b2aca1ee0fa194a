// Package manager implements the Manager runtime (§4.8-4.10): the socket
// server, per-connection state machine, roster, scan orchestration,
// keep-alive, and status aggregation. Grounded on the handler/roster
// structure of original_source/manager.py (a module-global
// Dict[Worker, StreamWriter] mutated by one handler coroutine per
// connection), translated to a mutex-guarded Go map with one goroutine per
// connection.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"golang.org/x/sync/errgroup"

	"github.com/arthurzam/tattoo/pkg/log"
	"github.com/arthurzam/tattoo/pkg/metrics"
	"github.com/arthurzam/tattoo/pkg/protocol"
	"github.com/arthurzam/tattoo/pkg/sdnotify"
	"github.com/arthurzam/tattoo/pkg/selector"
	"github.com/arthurzam/tattoo/pkg/store"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// KeepAliveInterval is how often the Manager pings each registered Tester
// (§4.8, §5).
const KeepAliveInterval = 10 * time.Minute

// StatusTimeout bounds how long collect_status waits for a straggling
// Tester reply (§4.9's "recommended: 10 s").
const StatusTimeout = 10 * time.Second

// AutoScanInterval and LoadPostponeInterval drive the automatic scan
// trigger (§4.10, §5).
const (
	AutoScanInterval     = 4 * time.Hour
	LoadPostponeInterval = 20 * time.Minute
)

// Manager owns the roster, the pending-status futures, and the results
// store for one listening socket.
type Manager struct {
	SocketPath string
	Store      *store.Store
	Tracker    selector.BugTracker

	mu      sync.Mutex
	roster  map[tattootypes.Worker]*protocol.Conn
	pending map[tattootypes.Worker]chan tattootypes.TesterStatus
}

// New constructs a Manager bound to socketPath, backed by st for results
// and tracker for bug selection.
func New(socketPath string, st *store.Store, tracker selector.BugTracker) *Manager {
	return &Manager{
		SocketPath: socketPath,
		Store:      st,
		Tracker:    tracker,
		roster:     make(map[tattootypes.Worker]*protocol.Conn),
		pending:    make(map[tattootypes.Worker]chan tattootypes.TesterStatus),
	}
}

// Listen acquires the listening socket: inherited from the service manager
// if available, otherwise bound fresh at m.SocketPath with stale-file
// removal and 0666 permissions (§4.8, §6).
func (m *Manager) Listen() (net.Listener, error) {
	if l, err := sdnotify.InheritedListener(); err != nil {
		return nil, fmt.Errorf("manager: inherited listener: %w", err)
	} else if l != nil {
		return l, nil
	}

	if err := os.Remove(m.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("manager: remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", m.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("manager: listen on %s: %w", m.SocketPath, err)
	}
	if err := os.Chmod(m.SocketPath, 0o666); err != nil {
		l.Close()
		return nil, fmt.Errorf("manager: chmod socket: %w", err)
	}
	return l, nil
}

// Run accepts connections forever, spawns the auto-scan task, and notifies
// READY=1. It returns when ctx is cancelled or the listener errors.
func (m *Manager) Run(ctx context.Context, l net.Listener) error {
	logger := log.WithComponent("manager")
	sdnotify.Ready()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.autoScanLoop(gctx)
		return nil
	})

	go func() {
		<-ctx.Done()
		sdnotify.Stopping()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return g.Wait()
			}
			return fmt.Errorf("manager: accept: %w", err)
		}
		logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		go m.handle(ctx, protocol.NewConn(conn))
	}
}

// handle drives one connection's frame loop until EOF, reset, or error
// (§4.8 "Per connection").
func (m *Manager) handle(ctx context.Context, conn *protocol.Conn) {
	logger := log.WithComponent("manager")
	defer conn.Close()

	var self tattootypes.Worker
	var keepAliveCancel context.CancelFunc
	defer func() {
		if keepAliveCancel != nil {
			keepAliveCancel()
		}
		if !self.IsController() {
			m.removeWorker(self)
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) {
				logger.Warn().Err(err).Msg("unknown frame, discarding")
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("connection read failed, tearing down session")
			}
			return
		}

		switch frame := msg.(type) {
		case *protocol.WorkerMsg:
			self = frame.Worker
			if !self.IsController() {
				m.registerWorker(self, conn)
				var kaCtx context.Context
				kaCtx, keepAliveCancel = context.WithCancel(ctx)
				go m.keepAliveSender(kaCtx, conn)
			}

		case *protocol.GlobalJobMsg:
			go m.processBugs(ctx, frame.Priority, frame.Bugs)

		case *protocol.BugJobDoneMsg:
			if err := m.Store.Record(self, frame.BugNumber, frame.Success, time.Now()); err != nil {
				logger.Error().Err(err).Int("bug", frame.BugNumber).Msg("failed to record job result")
			} else {
				metrics.StoreWritesTotal.WithLabelValues(strconv.FormatBool(frame.Success)).Inc()
			}

		case *protocol.CompletedJobsRequestMsg:
			passes, failed, err := m.Store.Since(frame.Since)
			if err != nil {
				logger.Error().Err(err).Msg("failed to query completed jobs")
				continue
			}
			if err := conn.WriteMessage(&protocol.CompletedJobsResponseMsg{
				Passes: jobKeysToRefs(passes),
				Failed: jobKeysToRefs(failed),
			}); err != nil {
				logger.Warn().Err(err).Msg("failed to send completed jobs response")
			}

		case *protocol.DoScanMsg:
			metrics.ScanCyclesTotal.WithLabelValues("manual").Inc()
			go m.Scan(ctx, nil)

		case *protocol.TesterStatusMsg:
			m.completeStatus(self, frame.TesterStatus)

		case *protocol.GetStatusMsg:
			status, err := m.collectStatus(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("collect_status failed")
				continue
			}
			if err := conn.WriteMessage(&protocol.ManagerStatusMsg{ManagerStatus: status}); err != nil {
				logger.Warn().Err(err).Msg("failed to send manager status")
			}

		case *protocol.KeepAliveMsg:
			// no semantics.

		default:
			logger.Warn().Str("kind", fmt.Sprintf("%T", msg)).Msg("unexpected frame, discarding")
		}
	}
}

func (m *Manager) registerWorker(w tattootypes.Worker, conn *protocol.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster[w] = conn
	metrics.RosterSize.Set(float64(len(m.roster)))
	log.WithWorker(w).Info().Msg("worker connected")
}

func (m *Manager) removeWorker(w tattootypes.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roster, w)
	delete(m.pending, w)
	metrics.RosterSize.Set(float64(len(m.roster)))
}

func (m *Manager) keepAliveSender(ctx context.Context, conn *protocol.Conn) {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(&protocol.KeepAliveMsg{}); err != nil {
				return
			}
		}
	}
}

// processBugs runs the bug selector over the job's bugs against the
// current roster and forwards a fresh GlobalJob to each resulting worker
// (§4.8 step 3).
func (m *Manager) processBugs(ctx context.Context, priority int, bugs []int) {
	logger := log.WithComponent("manager")
	results, err := selector.Select(ctx, m.Tracker, bugs, m.workers())
	if err != nil {
		logger.Error().Err(err).Msg("bug selector failed for global job")
		return
	}
	for _, wb := range results {
		m.sendTo(wb.Worker, &protocol.GlobalJobMsg{Priority: priority, Bugs: wb.Bugs})
	}
}

func (m *Manager) sendTo(w tattootypes.Worker, msg any) {
	m.mu.Lock()
	conn, ok := m.roster[w]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.WriteMessage(msg); err != nil {
		log.WithWorker(w).Warn().Err(err).Msg("failed to forward message to worker")
	}
}

func (m *Manager) workers() []tattootypes.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tattootypes.Worker, 0, len(m.roster))
	for w := range m.roster {
		out = append(out, w)
	}
	return out
}

// collectStatus implements §4.9: install one-shot futures, request status
// from every connected Worker, and gather with a bounded wait.
func (m *Manager) collectStatus(ctx context.Context) (tattootypes.ManagerStatus, error) {
	workers := m.workers()
	futures := make(map[tattootypes.Worker]chan tattootypes.TesterStatus, len(workers))

	m.mu.Lock()
	for _, w := range workers {
		ch := make(chan tattootypes.TesterStatus, 1)
		m.pending[w] = ch
		futures[w] = ch
	}
	m.mu.Unlock()

	for _, w := range workers {
		m.sendTo(w, &protocol.GetStatusMsg{})
	}

	statusCtx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	results := make(map[tattootypes.Worker]tattootypes.TesterStatus, len(workers))
	for _, w := range workers {
		select {
		case ts := <-futures[w]:
			results[w] = ts
		case <-statusCtx.Done():
			// Worker never replied in time; it is simply absent from the
			// aggregated status.
		}
	}

	m.mu.Lock()
	for _, w := range workers {
		delete(m.pending, w)
	}
	m.mu.Unlock()

	avg, err := load.AvgWithContext(ctx)
	var loadAvg tattootypes.LoadAverage
	if err == nil {
		loadAvg = tattootypes.LoadAverage{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}
	cpuCount, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		cpuCount = 0
	}

	return tattootypes.ManagerStatus{Load: loadAvg, CPUCount: cpuCount, Workers: results}, nil
}

func (m *Manager) completeStatus(w tattootypes.Worker, status tattootypes.TesterStatus) {
	m.mu.Lock()
	ch, ok := m.pending[w]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- status:
	default:
	}
}

func jobKeysToRefs(keys []tattootypes.JobKey) []protocol.JobRef {
	out := make([]protocol.JobRef, len(keys))
	for i, k := range keys {
		out[i] = protocol.JobRef{BugNo: k.BugNo, Arch: k.Arch}
	}
	return out
}
