// Package forge provides ForgeClient implementations. Stub is an in-memory,
// deterministic implementation used in development and tests, grounded on
// the teacher's deterministic-hash mock-client pattern (internal/adapter/ai
// in the source repo) but adapted to forge operations instead of chat/embed.
package forge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
)

// Stub is an in-memory ForgeClient. It never talks to a network; issues,
// comments, labels, and PRs all live in maps guarded by a mutex, so tests
// and local development runs are fully offline and deterministic.
type Stub struct {
	mu sync.Mutex

	issues   map[string]port.Issue
	labels   map[string]map[string]bool
	comments map[string][]port.Comment
	prs      map[string][]port.PullRequest
	nextID   int64

	defaultBranch string
	createPRCalls int
}

// NewStub constructs a Stub seeded with an empty state and defaultBranch as
// the default branch it reports for every repo.
func NewStub(defaultBranch string) *Stub {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Stub{
		issues:        map[string]port.Issue{},
		labels:        map[string]map[string]bool{},
		comments:      map[string][]port.Comment{},
		prs:           map[string][]port.PullRequest{},
		nextID:        1,
		defaultBranch: defaultBranch,
	}
}

func issueKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// SeedIssue registers an issue (and its initial labels) for GetIssue/label
// calls to find. Intended for tests and local fixtures, not production use.
func (s *Stub) SeedIssue(owner, repo string, number int, issue port.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := issueKey(owner, repo, number)
	s.issues[key] = issue
	if _, ok := s.labels[key]; !ok {
		s.labels[key] = map[string]bool{}
	}
	for _, l := range issue.Labels {
		s.labels[key][l] = true
	}
}

func (s *Stub) GetIssue(_ context.Context, owner, repo string, number int) (port.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := issueKey(owner, repo, number)
	issue, ok := s.issues[key]
	if !ok {
		return port.Issue{}, fmt.Errorf("forge: get issue %s: not found", key)
	}
	issue.Labels = s.labelSliceLocked(key)
	return issue, nil
}

func (s *Stub) labelSliceLocked(key string) []string {
	labelSet := s.labels[key]
	out := make([]string, 0, len(labelSet))
	for l, present := range labelSet {
		if present {
			out = append(out, l)
		}
	}
	return out
}

func (s *Stub) ListIssueComments(_ context.Context, owner, repo string, number int) ([]port.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]port.Comment(nil), s.comments[issueKey(owner, repo, number)]...), nil
}

// AddLabels is idempotent: labels already present are silently accepted.
func (s *Stub) AddLabels(_ context.Context, owner, repo string, number int, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := issueKey(owner, repo, number)
	if s.labels[key] == nil {
		s.labels[key] = map[string]bool{}
	}
	for _, l := range labels {
		s.labels[key][l] = true
	}
	return nil
}

// RemoveLabel is idempotent: removing an absent label is success.
func (s *Stub) RemoveLabel(_ context.Context, owner, repo string, number int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := issueKey(owner, repo, number)
	delete(s.labels[key], label)
	return nil
}

func (s *Stub) CreatePR(_ context.Context, owner, repo string, params port.CreatePRParams) (port.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createPRCalls++
	repoKey := owner + "/" + repo
	pr := port.PullRequest{
		Number: len(s.prs[repoKey]) + 1,
		URL:    fmt.Sprintf("https://forge.local/%s/%s/pull/%d", owner, repo, len(s.prs[repoKey])+1),
		Head:   params.Head,
		Base:   params.Base,
		Title:  params.Title,
		Body:   params.Body,
		Draft:  params.Draft,
	}
	s.prs[repoKey] = append(s.prs[repoKey], pr)
	return pr, nil
}

func (s *Stub) ListPRsByHead(_ context.Context, owner, repo, head string) ([]port.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []port.PullRequest
	for _, pr := range s.prs[owner+"/"+repo] {
		if pr.Head == head {
			matches = append(matches, pr)
		}
	}
	return matches, nil
}

func (s *Stub) AddIssueComment(_ context.Context, owner, repo string, number int, body string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := issueKey(owner, repo, number)
	id := s.nextID
	s.nextID++
	s.comments[key] = append(s.comments[key], port.Comment{
		ID:          id,
		Body:        body,
		AuthorLogin: "ai-issue-resolver[bot]",
		AuthorIsBot: true,
		CreatedAt:   time.Now().UTC(),
	})
	return id, nil
}

func (s *Stub) DeleteIssueComment(_ context.Context, owner, repo string, commentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Comments are keyed by issue, but a commentID is globally unique in this
	// stub; scan every issue thread for owner/repo.
	prefix := owner + "/" + repo + "#"
	for key, list := range s.comments {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		filtered := list[:0]
		for _, c := range list {
			if c.ID != commentID {
				filtered = append(filtered, c)
			}
		}
		s.comments[key] = filtered
	}
	return nil
}

func (s *Stub) GetInstallationToken(context.Context) (string, error) {
	return "stub-installation-token", nil
}

func (s *Stub) DefaultBranch(context.Context, string, string) (string, error) {
	return s.defaultBranch, nil
}

// CreatePRCalls reports how many times CreatePR has been invoked. Intended
// for tests asserting a PR was (or wasn't) attempted.
func (s *Stub) CreatePRCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPRCalls
}
