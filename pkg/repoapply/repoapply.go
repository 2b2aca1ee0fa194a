// Package repoapply is the thin seam over the package-repository helpers
// the Controller apply step delegates to (§4.11): repo discovery, ebuild
// matching, keyword insertion, and the git commit itself are explicitly out
// of scope and treated as an external collaborator (§1 "Explicitly out of
// scope"). This package only shapes the request and shells out to the
// `repoman`-style tooling a Gentoo checkout already carries, the same way
// the Tester shells out to `tatt` and the generated per-bug scripts.
package repoapply

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// Commit describes one generated keyword or stabilisation change.
type Commit struct {
	Bug  *tattootypes.Bug
	Arch string
}

// Applier generates and commits one repository change per (bug, arch) pair.
type Applier interface {
	Apply(ctx context.Context, c Commit) error
}

// GitApplier shells out to a repository-local helper script that knows how
// to locate the ebuild, insert the keyword or stabilise it, and commit.
// DryRun passes `--dry-run` to the helper so it only reports what it would
// do.
type GitApplier struct {
	RepoPath string
	DryRun   bool
}

// NewGitApplier builds an Applier rooted at repoPath.
func NewGitApplier(repoPath string, dryRun bool) *GitApplier {
	return &GitApplier{RepoPath: repoPath, DryRun: dryRun}
}

// Apply invokes `repoapply-helper` inside RepoPath for one (bug, arch) pair.
// The helper itself (not part of this module) is responsible for ebuild
// discovery, keyword/stable marking, and the commit.
func (a *GitApplier) Apply(ctx context.Context, c Commit) error {
	kind := "keyword"
	if c.Bug.Category == tattootypes.CategoryStableReq {
		kind = "stable"
	}

	args := []string{"--arch", c.Arch, "--kind", kind, "--bug", fmt.Sprint(c.Bug.ID)}
	if a.DryRun {
		args = append(args, "--dry-run")
	}

	cmd := exec.CommandContext(ctx, "repoapply-helper", args...)
	cmd.Dir = a.RepoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("repoapply: bug %d arch %s: %w: %s", c.Bug.ID, c.Arch, err, out)
	}
	return nil
}
