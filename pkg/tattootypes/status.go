package tattootypes

import "time"

// JobKey identifies a single (bug, arch) result pair, independent of the
// wire protocol's JobRef (kept separate so pkg/store has no dependency on
// pkg/protocol).
type JobKey struct {
	BugNo int
	Arch  string
}

// TestResult is a single stored test outcome, keyed by (Arch, BugNo).
type TestResult struct {
	Arch         string
	BugNo        int
	Success      bool
	MachineName  string
	Timestamp    time.Time
}

// TesterStatus is what a Tester reports in reply to GetStatus: the bugs it
// is running or has queued (running first), and the atoms currently being
// merged as reported by the package-merge observer.
type TesterStatus struct {
	BugsQueue     []int    `json:"bugs_queue"`
	MergingAtoms  []string `json:"merging_atoms"`
}

// LoadAverage mirrors the three fields of Linux's /proc/loadavg.
type LoadAverage struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// ManagerStatus is what a Manager reports in reply to a Controller's
// GetStatus: host load, CPU count, and the latest known status of every
// connected Worker.
type ManagerStatus struct {
	Load     LoadAverage             `json:"load"`
	CPUCount int                     `json:"cpu_count"`
	Workers  map[Worker]TesterStatus `json:"workers"`
}
