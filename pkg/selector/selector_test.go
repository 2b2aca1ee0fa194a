package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthurzam/tattoo/pkg/bugzilla"
	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// fakeTracker mimics bugzilla.Client.FindBugs closely enough to exercise
// Select's two-phase fetch (candidates, then dependency closure): an empty
// ids list with Unresolved/SanityCheckTrue/CCAny set returns every bug
// matching those filters, while a non-empty ids list returns exactly those
// bugs regardless of filters (mirroring a dependency lookup by ID).
type fakeTracker struct {
	bugs map[int]*tattootypes.Bug
}

func (f *fakeTracker) FindBugs(_ context.Context, ids []int, opts bugzilla.FindOptions) (map[int]*tattootypes.Bug, error) {
	out := make(map[int]*tattootypes.Bug)
	if len(ids) > 0 {
		for _, id := range ids {
			if bug, ok := f.bugs[id]; ok {
				out[id] = bug
			}
		}
		return out, nil
	}
	for id, bug := range f.bugs {
		if opts.Unresolved && bug.Resolved {
			continue
		}
		if opts.SanityCheckTrue && !bug.SanityCheck {
			continue
		}
		if len(opts.CCAny) > 0 {
			matched := false
			for _, cc := range opts.CCAny {
				if _, ok := bug.Cc[cc]; ok {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out[id] = bug
	}
	return out, nil
}

func stableBug(id int, arch string) *tattootypes.Bug {
	return &tattootypes.Bug{
		ID:          id,
		Category:    tattootypes.CategoryStableReq,
		Cc:          map[string]struct{}{arch + "@" + bugzilla.DefaultDomain: {}},
		SanityCheck: true,
	}
}

func TestSelectReturnsNilWithNoWorkers(t *testing.T) {
	result, err := Select(context.Background(), &fakeTracker{}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSelectPartitionsByWorkerArch(t *testing.T) {
	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{
		1: stableBug(1, "amd64"),
		2: stableBug(2, "arm64"),
	}}
	workers := []tattootypes.Worker{
		{Name: "boxA", Arch: "amd64"},
		{Name: "boxB", Arch: "arm64"},
	}

	result, err := Select(context.Background(), tracker, nil, workers)
	require.NoError(t, err)
	require.Len(t, result, 2)

	byWorker := make(map[tattootypes.Worker][]int)
	for _, wb := range result {
		byWorker[wb.Worker] = wb.Bugs
	}
	assert.Equal(t, []int{1}, byWorker[workers[0]])
	assert.Equal(t, []int{2}, byWorker[workers[1]])
}

func TestSelectOmitsWorkersWithNoReadyBugs(t *testing.T) {
	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{
		1: stableBug(1, "amd64"),
	}}
	workers := []tattootypes.Worker{
		{Name: "boxA", Arch: "amd64"},
		{Name: "boxB", Arch: "arm64"},
	}

	result, err := Select(context.Background(), tracker, nil, workers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, workers[0], result[0].Worker)
	assert.Equal(t, []int{1}, result[0].Bugs)
}

func TestSelectExplicitCandidatesAreNotFilteredByCc(t *testing.T) {
	// A bug passed explicitly by ID is still subject to readiness (cc gate),
	// but FindBugs(ids) itself does not re-apply Unresolved/SanityCheck/CCAny
	// the way the empty-ids scan path does.
	bug := stableBug(1, "amd64")
	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{1: bug}}
	workers := []tattootypes.Worker{{Name: "boxA", Arch: "amd64"}}

	result, err := Select(context.Background(), tracker, []int{1}, workers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, []int{1}, result[0].Bugs)
}

func TestSelectFetchesDependencyClosureAndRespectsIt(t *testing.T) {
	dep := stableBug(2, "arm64") // unresolved, no CC-ARCHES: blocks bug 1
	dep.Cc = map[string]struct{}{"arm64@" + bugzilla.DefaultDomain: {}}

	bug := stableBug(1, "amd64")
	bug.Depends = []int{2}

	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{1: bug, 2: dep}}
	workers := []tattootypes.Worker{{Name: "boxA", Arch: "amd64"}}

	result, err := Select(context.Background(), tracker, nil, workers)
	require.NoError(t, err)
	assert.Empty(t, result, "bug 1 should not be ready: its dependency is unresolved and lacks CC-ARCHES")
}

func TestSelectDependencyClearedByCCArches(t *testing.T) {
	dep := stableBug(2, "arm64")
	dep.Keywords = map[string]struct{}{tattootypes.KeywordCCArches: {}}

	bug := stableBug(1, "amd64")
	bug.Depends = []int{2}

	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{1: bug, 2: dep}}
	workers := []tattootypes.Worker{{Name: "boxA", Arch: "amd64"}}

	result, err := Select(context.Background(), tracker, nil, workers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, []int{1}, result[0].Bugs)
}

func TestSelectKeywordRequestOnlyGoesToRekeywordWorker(t *testing.T) {
	bug := stableBug(1, "amd64")
	bug.Category = tattootypes.CategoryKeywordReq

	tracker := &fakeTracker{bugs: map[int]*tattootypes.Bug{1: bug}}
	workers := []tattootypes.Worker{
		{Name: "boxA", Arch: "amd64"},
		{Name: "boxA", Arch: "~amd64"},
	}

	result, err := Select(context.Background(), tracker, nil, workers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, workers[1], result[0].Worker)
}
