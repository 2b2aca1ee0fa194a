package protocol

import (
	"time"

	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// Kind discriminates the tagged frames exchanged on every socket (§4.1).
type Kind string

const (
	KindWorker                 Kind = "worker"
	KindGlobalJob              Kind = "global_job"
	KindBugJobDone             Kind = "bug_job_done"
	KindCompletedJobsRequest   Kind = "completed_jobs_request"
	KindCompletedJobsResponse  Kind = "completed_jobs_response"
	KindDoScan                 Kind = "do_scan"
	KindGetStatus              Kind = "get_status"
	KindTesterStatus           Kind = "tester_status"
	KindManagerStatus          Kind = "manager_status"
	KindKeepAlive              Kind = "keep_alive"
)

// WorkerMsg is the first frame each peer sends to identify itself. An empty
// Arch marks a Controller.
type WorkerMsg struct {
	tattootypes.Worker
}

// GlobalJobMsg asks the receiver to consider a set of bugs at a given
// priority. Smaller Priority values run first (§3).
type GlobalJobMsg struct {
	Priority int   `json:"priority"`
	Bugs     []int `json:"bugs"`
}

// BugJobDoneMsg reports the terminal outcome of one job, Tester -> Manager.
type BugJobDoneMsg struct {
	BugNumber int  `json:"bug_number"`
	Success   bool `json:"success"`
}

// CompletedJobsRequestMsg asks the Manager for every result recorded since
// a point in time, Controller -> Manager.
type CompletedJobsRequestMsg struct {
	Since time.Time `json:"since"`
}

// JobRef identifies a single (bug, arch) result pair.
type JobRef struct {
	BugNo int    `json:"bug_no"`
	Arch  string `json:"arch"`
}

// CompletedJobsResponseMsg is the Manager's reply to CompletedJobsRequestMsg.
type CompletedJobsResponseMsg struct {
	Passes []JobRef `json:"passes"`
	Failed []JobRef `json:"failed"`
}

// DoScanMsg triggers a scan of every connected worker's ready bugs.
type DoScanMsg struct{}

// GetStatusMsg requests a status snapshot from the receiver.
type GetStatusMsg struct{}

// TesterStatusMsg is a Tester's reply to GetStatusMsg.
type TesterStatusMsg struct {
	tattootypes.TesterStatus
}

// ManagerStatusMsg is a Manager's reply to GetStatusMsg.
type ManagerStatusMsg struct {
	tattootypes.ManagerStatus
}

// KeepAliveMsg carries no payload; it exists only to keep idle connections
// from being reaped by intermediate infrastructure.
type KeepAliveMsg struct{}
