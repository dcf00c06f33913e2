// Package vcs answers the read-only history questions a deployment needs:
// what commit a version names, whether one commit descends from another, and
// which commits separate two versions.
package vcs

import (
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

// ErrRevisionNotFound is returned when a version is neither a reference nor
// a commit present in the repository.
var ErrRevisionNotFound = errors.New("revision not found")

// Graph is the set of history queries the classifier relies on.
type Graph interface {
	Resolve(version string) (Commit, error)
	IsAncestor(ancestor, descendant string) (bool, error)
	Range(from, to string) ([]Commit, error)
}

type Repository struct {
	repo *git.Repository
}

// Open opens the repository containing path, walking up to find .git.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open git repository at %s", path)
	}
	return New(repo), nil
}

func New(repo *git.Repository) *Repository {
	return &Repository{repo: repo}
}

func (r *Repository) Resolve(version string) (Commit, error) {
	c, err := r.commit(version)
	if err != nil {
		return Commit{}, err
	}
	return fromObject(c), nil
}

// IsAncestor reports whether ancestor is reachable from descendant. A commit
// is its own ancestor.
func (r *Repository) IsAncestor(ancestor, descendant string) (bool, error) {
	a, err := r.commit(ancestor)
	if err != nil {
		return false, err
	}
	d, err := r.commit(descendant)
	if err != nil {
		return false, err
	}
	ok, err := a.IsAncestor(d)
	if err != nil {
		return false, errors.Wrapf(err, "failed to walk history from %s", d.Hash)
	}
	return ok, nil
}

// Range lists the commits reachable from exactly one of from and to, newest
// first, the same set `git log from...to` prints.
func (r *Repository) Range(from, to string) ([]Commit, error) {
	f, err := r.commit(from)
	if err != nil {
		return nil, err
	}
	t, err := r.commit(to)
	if err != nil {
		return nil, err
	}

	fromSet, err := reachable(f)
	if err != nil {
		return nil, err
	}
	toSet, err := reachable(t)
	if err != nil {
		return nil, err
	}

	var commits []*object.Commit
	for hash, c := range toSet {
		if _, ok := fromSet[hash]; !ok {
			commits = append(commits, c)
		}
	}
	for hash, c := range fromSet {
		if _, ok := toSet[hash]; !ok {
			commits = append(commits, c)
		}
	}

	sort.Slice(commits, func(i, j int) bool {
		wi, wj := commits[i].Committer.When, commits[j].Committer.When
		if !wi.Equal(wj) {
			return wi.After(wj)
		}
		return commits[i].Hash.String() < commits[j].Hash.String()
	})

	result := make([]Commit, 0, len(commits))
	for _, c := range commits {
		result = append(result, fromObject(c))
	}
	return result, nil
}

func (r *Repository) commit(version string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(version))
	if err != nil {
		return nil, errors.Wrapf(ErrRevisionNotFound, "%s: %v", version, err)
	}
	c, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, errors.Wrapf(ErrRevisionNotFound, "%s: %v", version, err)
	}
	return c, nil
}

func reachable(c *object.Commit) (map[plumbing.Hash]*object.Commit, error) {
	seen := make(map[plumbing.Hash]*object.Commit)
	iter := object.NewCommitPreorderIter(c, nil, nil)
	defer iter.Close()
	err := iter.ForEach(func(c *object.Commit) error {
		seen[c.Hash] = c
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk history from %s", c.Hash)
	}
	return seen, nil
}
