package tester

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/protocol"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script at path, standing in for the
// external tatt/useflags/cleanup binaries the pipeline shells out to.
func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

// withStubTatt puts a stub `tatt` binary on PATH for the duration of the test.
func withStubTatt(t *testing.T, body string) {
	t.Helper()
	bin := t.TempDir()
	writeScript(t, filepath.Join(bin, "tatt"), body)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

type fakeTracker struct {
	bugs map[int]*tattootypes.Bug
}

func (f *fakeTracker) FindBugs(ctx context.Context, ids []int, opts bugzilla.FindOptions) (map[int]*tattootypes.Bug, error) {
	out := make(map[int]*tattootypes.Bug)
	if len(ids) == 0 {
		for id, b := range f.bugs {
			out[id] = b
		}
		return out, nil
	}
	for _, id := range ids {
		if b, ok := f.bugs[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func readyBug(id int) *tattootypes.Bug {
	return &tattootypes.Bug{
		ID:          id,
		Category:    tattootypes.CategoryStableReq,
		Cc:          map[string]struct{}{"amd64@gentoo.org": {}},
		SanityCheck: true,
	}
}

func TestHandleGlobalJobEnqueuesReadyBugs(t *testing.T) {
	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{
		100: readyBug(100),
		101: readyBug(101),
	}}
	r := New(Config{
		Worker:  tattootypes.Worker{Name: "box1", Arch: "amd64"},
		Tracker: tracker,
	})

	r.handleGlobalJob(context.Background(), &protocol.GlobalJobMsg{Priority: 0, Bugs: []int{100, 101}})

	assert.True(t, r.queue.Contains(100))
	assert.True(t, r.queue.Contains(101))
}

func TestHandleGlobalJobSkipsAlreadyQueued(t *testing.T) {
	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{100: readyBug(100)}}
	r := New(Config{
		Worker:  tattootypes.Worker{Name: "box1", Arch: "amd64"},
		Tracker: tracker,
	})
	r.queue.Put(0, 100)

	r.handleGlobalJob(context.Background(), &protocol.GlobalJobMsg{Priority: 0, Bugs: []int{100}})

	bug, err := r.queue.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, bug)
	r.queue.Done(100)
	assert.False(t, r.queue.Contains(100), "handleGlobalJob must not enqueue a duplicate of an already-queued bug")
}

func TestHandleGetStatusRepliesOverConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := New(Config{Worker: tattootypes.Worker{Name: "box1", Arch: "amd64"}})
	r.queue.Put(5, 42)

	serverConn := protocol.NewConn(server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.handleGetStatus(serverConn)
	}()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := protocol.NewConn(client).ReadMessage()
	require.NoError(t, err)

	status, ok := msg.(*protocol.TesterStatusMsg)
	require.True(t, ok)
	assert.Contains(t, status.BugsQueue, 42)
	<-done
}

func TestRunPreparationStepSuccess(t *testing.T) {
	withStubTatt(t, "#!/bin/sh\nexit 0\n")
	r := New(Config{RuntimeDir: t.TempDir(), LogsDir: t.TempDir()})

	ok, summary := r.runPreparationStep(context.Background(), 1, r.cfg.RuntimeDir)
	assert.True(t, ok)
	assert.Empty(t, summary)
}

func TestRunPreparationStepBugzillaRateLimit(t *testing.T) {
	withStubTatt(t, "#!/bin/sh\necho 'hit bugzilla rate limit' >&2\nexit 1\n")
	r := New(Config{RuntimeDir: t.TempDir(), LogsDir: t.TempDir()})

	ok, summary := r.runPreparationStep(context.Background(), 2, r.cfg.RuntimeDir)
	assert.False(t, ok)
	assert.Equal(t, "tatt failed with bugzilla rate", summary)
}

func TestRunPreparationStepGenericFailure(t *testing.T) {
	withStubTatt(t, "#!/bin/sh\necho boom\nexit 1\n")
	r := New(Config{RuntimeDir: t.TempDir(), LogsDir: t.TempDir()})

	ok, summary := r.runPreparationStep(context.Background(), 3, r.cfg.RuntimeDir)
	assert.False(t, ok)
	assert.Equal(t, "tatt failed", summary)
}

func TestRunJobPipelinePreparationFailureSkipsExecution(t *testing.T) {
	withStubTatt(t, "#!/bin/sh\nexit 1\n")
	runDir := t.TempDir()
	r := New(Config{RuntimeDir: runDir, LogsDir: t.TempDir()})

	success, summary, reachedExecution := r.runJobPipeline(context.Background(), 9)
	assert.False(t, success)
	assert.Equal(t, "tatt failed", summary)
	assert.False(t, reachedExecution, "a preparation failure must never reach the execution step")
}

func TestRunJobPipelineExecutionSuccess(t *testing.T) {
	withStubTatt(t, "#!/bin/sh\nexit 0\n")
	runDir := t.TempDir()
	writeScript(t, filepath.Join(runDir, "10-useflags.sh"), "#!/bin/sh\nexit 0\n")
	writeScript(t, filepath.Join(runDir, "10-cleanup.sh"), "#!/bin/sh\nexit 0\n")
	r := New(Config{RuntimeDir: runDir, LogsDir: t.TempDir()})

	success, summary, reachedExecution := r.runJobPipeline(context.Background(), 10)
	assert.True(t, success)
	assert.Empty(t, summary)
	assert.True(t, reachedExecution)
}

func TestRunJobPipelineExecutionFailureSummarizesReport(t *testing.T) {
	withStubTatt(t, "#!/bin/sh\nexit 0\n")
	runDir := t.TempDir()
	writeScript(t, filepath.Join(runDir, "11-useflags.sh"), "#!/bin/sh\nexit 1\n")
	writeScript(t, filepath.Join(runDir, "11-cleanup.sh"), "#!/bin/sh\nexit 0\n")
	reportBody := "atom: cat/pkg-1.0\nresult: false\n---\n"
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "11.report"), []byte(reportBody), 0o644))
	r := New(Config{RuntimeDir: runDir, LogsDir: t.TempDir()})

	success, summary, reachedExecution := r.runJobPipeline(context.Background(), 11)
	assert.False(t, success)
	assert.True(t, reachedExecution)
	assert.Contains(t, summary, "cat/pkg-1.0 default USE failed")
}

// TestWorkerTaskSkipsBugJobDoneOnPreparationFailure drives a real
// preparation-failure job through workerTask over an unread net.Pipe: if
// workerTask tried to send BugJobDone for a bug whose execution step never
// ran, the write would block forever on the unread pipe and the goroutine
// would never exit.
func TestWorkerTaskSkipsBugJobDoneOnPreparationFailure(t *testing.T) {
	withStubTatt(t, "#!/bin/sh\nexit 1\n")
	runDir := t.TempDir()

	r := New(Config{
		Worker:     tattootypes.Worker{Name: "box1", Arch: "amd64"},
		RuntimeDir: runDir,
		LogsDir:    t.TempDir(),
	})
	r.queue.Put(0, 7)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.workerTask(ctx, protocol.NewConn(server))
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workerTask did not exit; a preparation failure must not attempt to send BugJobDone")
	}
}
