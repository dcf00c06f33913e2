// Package vcstest builds small in-memory git histories for tests.
package vcstest

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"crane-deployment/internal/vcs"
)

type Builder struct {
	t     testing.TB
	repo  *git.Repository
	wt    *git.Worktree
	fs    billy.Filesystem
	clock time.Time
	n     int
}

func New(t testing.TB) *Builder {
	t.Helper()
	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	if err != nil {
		t.Fatalf("failed to init repository: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to open worktree: %v", err)
	}
	return &Builder{
		t:     t,
		repo:  repo,
		wt:    wt,
		fs:    fs,
		clock: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Commit records a commit one minute after the previous one. With no parents
// it builds on HEAD; several parents make a merge.
func (b *Builder) Commit(message string, parents ...string) string {
	b.t.Helper()
	b.clock = b.clock.Add(time.Minute)
	return b.CommitAt(message, b.clock, parents...)
}

func (b *Builder) CommitAt(message string, when time.Time, parents ...string) string {
	b.t.Helper()
	b.n++
	name := fmt.Sprintf("file-%d.txt", b.n)
	f, err := b.fs.Create(name)
	if err != nil {
		b.t.Fatalf("failed to create %s: %v", name, err)
	}
	if _, err := f.Write([]byte(message)); err != nil {
		b.t.Fatalf("failed to write %s: %v", name, err)
	}
	f.Close()
	if _, err := b.wt.Add(name); err != nil {
		b.t.Fatalf("failed to stage %s: %v", name, err)
	}

	sig := &object.Signature{Name: "Jane Doe", Email: "jane@example.com", When: when}
	opts := &git.CommitOptions{Author: sig, Committer: sig}
	for _, p := range parents {
		opts.Parents = append(opts.Parents, plumbing.NewHash(p))
	}
	hash, err := b.wt.Commit(message, opts)
	if err != nil {
		b.t.Fatalf("failed to commit %q: %v", message, err)
	}
	return hash.String()
}

// Tag points a lightweight tag at hash.
func (b *Builder) Tag(name, hash string) {
	b.t.Helper()
	if _, err := b.repo.CreateTag(name, plumbing.NewHash(hash), nil); err != nil {
		b.t.Fatalf("failed to tag %s: %v", name, err)
	}
}

func (b *Builder) Repository() *vcs.Repository {
	return vcs.New(b.repo)
}
