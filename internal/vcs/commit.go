package vcs

import (
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit is the read-only view of a commit the rest of crane works with.
type Commit struct {
	Hash        string
	Message     string
	AuthorName  string
	AuthorEmail string
	When        time.Time
	ParentCount int
}

// Summary is the first line of the commit message.
func (c Commit) Summary() string {
	summary, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(summary)
}

// ShortHash is the abbreviated hash shown in logs.
func (c Commit) ShortHash() string {
	if len(c.Hash) > 7 {
		return c.Hash[:7]
	}
	return c.Hash
}

// IsMerge reports whether the commit has more than one parent.
func (c Commit) IsMerge() bool {
	return c.ParentCount > 1
}

func fromObject(c *object.Commit) Commit {
	return Commit{
		Hash:        c.Hash.String(),
		Message:     c.Message,
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		When:        c.Committer.When,
		ParentCount: c.NumParents(),
	}
}
