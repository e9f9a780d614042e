// Package port declares the capability interfaces the processors depend on:
// ForgeClient (§4.E) and CodingAgent (§4.F). Concrete adapters live under
// internal/adapter/.
package port

import (
	"context"
	"time"
)

// Issue is the subset of forge issue data the processor needs.
type Issue struct {
	Title     string
	Body      string
	Labels    []string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is a single issue or PR comment.
type Comment struct {
	ID          int64
	Body        string
	AuthorLogin string
	AuthorIsBot bool
	CreatedAt   time.Time
}

// PullRequest is the subset of forge PR data the processor needs.
type PullRequest struct {
	Number int
	URL    string
	Head   string
	Base   string
	Title  string
	Body   string
	Draft  bool
}

// CreatePRParams carries createPR's inputs.
type CreatePRParams struct {
	Title string
	Head  string
	Base  string
	Body  string
	Draft bool
}

// ForgeClient is the authenticated capability surface over the code forge
// (§4.E). addLabels/removeLabel implementations MUST be idempotent:
// "already exists" and "not found" are both treated as success.
type ForgeClient interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (Issue, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]Comment, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CreatePR(ctx context.Context, owner, repo string, params CreatePRParams) (PullRequest, error)
	ListPRsByHead(ctx context.Context, owner, repo, head string) ([]PullRequest, error)
	AddIssueComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)
	DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error
	GetInstallationToken(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// FilterBotComments drops comments authored by a bot account: flagged
// AuthorIsBot, a login ending in "[bot]", or matching botUsername (§4.H
// issue-comment filtering). Returns the kept comments and how many were
// removed.
func FilterBotComments(comments []Comment, botUsername string) (kept []Comment, removed int) {
	for _, c := range comments {
		if isBotAuthor(c, botUsername) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	return kept, removed
}

func isBotAuthor(c Comment, botUsername string) bool {
	if c.AuthorIsBot {
		return true
	}
	if len(c.AuthorLogin) > 5 && c.AuthorLogin[len(c.AuthorLogin)-5:] == "[bot]" {
		return true
	}
	return botUsername != "" && c.AuthorLogin == botUsername
}
