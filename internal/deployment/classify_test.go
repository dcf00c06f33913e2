package deployment_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crane-deployment/internal/deployment"
	"crane-deployment/internal/vcs"
	"crane-deployment/internal/vcs/vcstest"
)

// history builds
//
//	root - old - c3 - merge - new
//	          \       /
//	           feature
type history struct {
	repo                              *vcs.Repository
	root, old, feature, c3, merge, nu string
}

func newHistory(t *testing.T) history {
	b := vcstest.New(t)
	h := history{}
	h.root = b.Commit("initial commit")
	h.old = b.Commit("add billing endpoint")
	h.feature = b.Commit("feature: invoices", h.old)
	h.c3 = b.Commit("fix rounding", h.old)
	h.merge = b.Commit("Merge branch 'invoices'", h.c3, h.feature)
	h.nu = b.Commit("bump version")
	h.repo = b.Repository()
	return h
}

func hashes(commits []vcs.Commit) []string {
	out := make([]string, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.Hash)
	}
	return out
}

func TestClassifyRedeploy(t *testing.T) {
	h := newHistory(t)

	for _, v := range []string{h.old, h.nu, "v1.2.3", "not-even-a-ref"} {
		got, err := deployment.Classify(v, v, h.repo)
		require.NoError(t, err)
		assert.Equal(t, deployment.Redeploy, got.Kind)
		assert.NotNil(t, got.Commits)
		assert.Empty(t, got.Commits)
	}
}

func TestClassifyForward(t *testing.T) {
	h := newHistory(t)

	got, err := deployment.Classify(h.old, h.nu, h.repo)
	require.NoError(t, err)
	assert.Equal(t, deployment.Forward, got.Kind)
	assert.Equal(t, []string{h.feature, h.c3, h.merge, h.nu}, hashes(got.Commits))

	changelog := deployment.Changelog(got.Commits)
	assert.Equal(t, []string{h.feature, h.c3, h.nu}, hashes(changelog))
}

func TestClassifyForwardByTag(t *testing.T) {
	b := vcstest.New(t)
	old := b.Commit("first")
	next := b.Commit("second")
	b.Tag("v1.0.0", old)
	b.Tag("v1.1.0", next)

	got, err := deployment.Classify("v1.0.0", "v1.1.0", b.Repository())
	require.NoError(t, err)
	assert.Equal(t, deployment.Forward, got.Kind)
	assert.Equal(t, []string{next}, hashes(got.Commits))
}

func TestClassifyRollback(t *testing.T) {
	h := newHistory(t)

	got, err := deployment.Classify(h.nu, h.old, h.repo)
	require.NoError(t, err)
	assert.Equal(t, deployment.Rollback, got.Kind)
	assert.Equal(t, []string{h.nu, h.merge, h.c3, h.feature}, hashes(got.Commits), "rollbacks list newest first")
}

func TestClassifyDisconnected(t *testing.T) {
	h := newHistory(t)

	t.Run("sibling branches", func(t *testing.T) {
		got, err := deployment.Classify(h.feature, h.c3, h.repo)
		require.NoError(t, err)
		assert.Equal(t, deployment.Disconnected, got.Kind)
		assert.Equal(t, []string{h.c3}, hashes(got.Commits))
	})

	t.Run("old commit rewritten away", func(t *testing.T) {
		gone := "0123456789abcdef0123456789abcdef01234567"
		got, err := deployment.Classify(gone, h.nu, h.repo)
		require.NoError(t, err)
		assert.Equal(t, deployment.Disconnected, got.Kind)
		assert.Equal(t, []string{h.nu}, hashes(got.Commits))
	})
}

func TestClassifyUnresolvableNewVersion(t *testing.T) {
	h := newHistory(t)

	_, err := deployment.Classify(h.old, "does-not-exist", h.repo)
	require.Error(t, err)
	assert.Equal(t, deployment.KindVersionResolution, deployment.KindOf(err))
	assert.False(t, errors.Is(err, deployment.ErrUpgradeFailed))
	assert.True(t, errors.Is(err, vcs.ErrRevisionNotFound))
}

func TestClassifyIsDeterministic(t *testing.T) {
	h := newHistory(t)

	first, err := deployment.Classify(h.old, h.nu, h.repo)
	require.NoError(t, err)
	second, err := deployment.Classify(h.old, h.nu, h.repo)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeploymentClassifyLimited(t *testing.T) {
	h := newHistory(t)

	d := deployment.New(rancherStack(), nil, h.old, h.nu, h.repo)
	got, err := d.Classify()
	require.NoError(t, err)
	assert.Equal(t, deployment.Forward, got.Kind)

	d.Limit()
	assert.True(t, d.Limited())
	assert.Nil(t, d.Repository())
	_, err = d.Classify()
	assert.Equal(t, deployment.KindVersionResolution, deployment.KindOf(err))
}
