package selector

import (
	"context"
	"fmt"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// BugTracker is the subset of bugzilla.Client the selector needs, kept as
// an interface so tests can supply a fake tracker.
type BugTracker interface {
	FindBugs(ctx context.Context, ids []int, opts bugzilla.FindOptions) (map[int]*tattootypes.Bug, error)
}

// WorkerBugs pairs a worker with the bugs it is ready to test.
type WorkerBugs struct {
	Worker tattootypes.Worker
	Bugs   []int
}

// Select runs the §4.3 bug-selection algorithm: fetch candidates (or, if
// candidateBugs is empty, every open sanity-checked bug cc'ing one of the
// workers' architectures), fetch their direct dependencies in one follow-up
// query, then partition readiness per worker. Select performs I/O against tracker but never
// mutates the roster or results store — that is the caller's job.
func Select(ctx context.Context, tracker BugTracker, candidateBugs []int, workers []tattootypes.Worker) ([]WorkerBugs, error) {
	if len(workers) == 0 {
		return nil, nil
	}

	ccAddrs := make([]string, 0, len(workers))
	for _, w := range workers {
		ccAddrs = append(ccAddrs, w.CanonicalArch()+"@"+bugzilla.DefaultDomain)
	}

	candidates, err := tracker.FindBugs(ctx, candidateBugs, bugzilla.FindOptions{
		Unresolved:      true,
		SanityCheckTrue: true,
		CCAny:           ccAddrs,
	})
	if err != nil {
		return nil, fmt.Errorf("selector: fetch candidates: %w", err)
	}

	depIDs := collectDependencyIDs(candidates)
	deps := candidates
	if len(depIDs) > 0 {
		fetched, err := tracker.FindBugs(ctx, depIDs, bugzilla.FindOptions{})
		if err != nil {
			return nil, fmt.Errorf("selector: fetch dependencies: %w", err)
		}
		deps = mergeBugMaps(candidates, fetched)
	}

	var result []WorkerBugs
	for _, w := range workers {
		var ready []int
		for id, bug := range candidates {
			if IsReady(bug, deps, w) {
				ready = append(ready, id)
			}
		}
		if len(ready) > 0 {
			result = append(result, WorkerBugs{Worker: w, Bugs: ready})
		}
	}
	return result, nil
}

func collectDependencyIDs(bugs map[int]*tattootypes.Bug) []int {
	seen := make(map[int]struct{})
	var ids []int
	for _, bug := range bugs {
		for _, dep := range bug.Depends {
			if _, ok := bugs[dep]; ok {
				continue // already have it as a candidate itself
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			ids = append(ids, dep)
		}
	}
	return ids
}

func mergeBugMaps(a, b map[int]*tattootypes.Bug) map[int]*tattootypes.Bug {
	out := make(map[int]*tattootypes.Bug, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
