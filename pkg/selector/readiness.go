// Package selector implements the pure bug-selection algorithm: given a set
// of candidate bugs (with dependency metadata) and a roster of workers, it
// partitions the bugs each worker is ready to test.
package selector

import "github.com/arthurzam/tattoo/pkg/tattootypes"

// IsReady reports whether bug is ready for worker, given the metadata of
// every bug it depends on (deps need not include bugs that are not
// dependencies of bug). IsReady depends only on its arguments: no package
// state, no I/O, no clock.
func IsReady(bug *tattootypes.Bug, deps map[int]*tattootypes.Bug, worker tattootypes.Worker) bool {
	if bug.Resolved || !bug.SanityCheck || bug.RuntimeTestingRequired == tattootypes.RuntimeTestingManual {
		return false
	}
	if !bug.CcsArch(worker.CanonicalArch()) {
		return false
	}
	if (bug.Category == tattootypes.CategoryKeywordReq) != worker.IsRekeyword() {
		return false
	}
	for _, depID := range bug.Depends {
		if !dependencyClearsFor(depID, deps, worker) {
			return false
		}
	}
	return true
}

// dependencyClearsFor reports whether a single dependency does not block
// readiness: either it is resolved, or it is itself a sanity-checked
// keyword/stabilisation request that has progressed to CC-ARCHES without
// cc'ing this worker's architecture (meaning some other architecture's
// result, not this one's, is what it is waiting on).
func dependencyClearsFor(depID int, deps map[int]*tattootypes.Bug, worker tattootypes.Worker) bool {
	dep, ok := deps[depID]
	if !ok {
		return false
	}
	if dep.Resolved {
		return true
	}
	return dep.SanityCheck &&
		dep.HasKeyword(tattootypes.KeywordCCArches) &&
		!dep.CcsArch(worker.CanonicalArch())
}
