package deployment

import (
	"errors"

	"crane-deployment/internal/vcs"
)

// Kind is the relationship between the running and the incoming version.
type Kind int

const (
	Redeploy Kind = iota
	Forward
	Rollback
	// Disconnected means neither version descends from the other, usually a
	// branch switch or rewritten history.
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Redeploy:
		return "redeploy"
	case Forward:
		return "forward"
	case Rollback:
		return "rollback"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Classification is recomputed on every call; history may change between
// checks.
type Classification struct {
	Kind    Kind
	Commits []vcs.Commit
}

// Classify works out what deploying newVersion over oldVersion means.
//
// Forward commits are oldest first. Rollback commits keep the graph's
// newest-first order so the most recent change being undone leads. A
// disconnected pair yields only the new commit. An old version that can no
// longer be found is treated as disconnected; a new version that cannot be
// resolved is a KindVersionResolution error.
func Classify(oldVersion, newVersion string, repo vcs.Graph) (Classification, error) {
	if oldVersion == newVersion {
		return Classification{Kind: Redeploy, Commits: []vcs.Commit{}}, nil
	}

	newCommit, err := repo.Resolve(newVersion)
	if err != nil {
		return Classification{}, NewError(KindVersionResolution, "",
			"the new version "+newVersion+" is not a valid git reference", err)
	}

	if !related(repo, oldVersion, newVersion) {
		return Classification{Kind: Disconnected, Commits: []vcs.Commit{newCommit}}, nil
	}

	oldCommit, err := repo.Resolve(oldVersion)
	if err != nil {
		return Classification{Kind: Disconnected, Commits: []vcs.Commit{newCommit}}, nil
	}

	commits, err := repo.Range(oldVersion, newVersion)
	if err != nil {
		if errors.Is(err, vcs.ErrRevisionNotFound) {
			return Classification{Kind: Disconnected, Commits: []vcs.Commit{newCommit}}, nil
		}
		return Classification{}, err
	}

	if newCommit.When.Before(oldCommit.When) {
		return Classification{Kind: Rollback, Commits: commits}, nil
	}

	reverse(commits)
	return Classification{Kind: Forward, Commits: commits}, nil
}

// related fails open: any error while walking history counts as "not an
// ancestor".
func related(repo vcs.Graph, a, b string) bool {
	if ok, err := repo.IsAncestor(a, b); err == nil && ok {
		return true
	}
	if ok, err := repo.IsAncestor(b, a); err == nil && ok {
		return true
	}
	return false
}

func reverse(commits []vcs.Commit) {
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
}

// Changelog drops commits that do not have exactly one parent, the merge
// commits and the root, from a human-facing listing.
func Changelog(commits []vcs.Commit) []vcs.Commit {
	out := make([]vcs.Commit, 0, len(commits))
	for _, c := range commits {
		if c.ParentCount == 1 {
			out = append(out, c)
		}
	}
	return out
}
