package forge

import (
	"context"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-issue-resolver/internal/port"
	"github.com/fairyhunter13/ai-issue-resolver/internal/resilience"
)

// retryablePattern matches the §4.E retryable conditions: HTTP 429/5xx and
// messages indicating rate limiting, timeouts, or transient failure.
var retryablePattern = regexp.MustCompile(`(?i)rate limit|timeout|temporary|try again|\b429\b|\b500\b|\b502\b|\b503\b|\b504\b`)

// IsRetryable reports whether err matches one of the §4.E retryable
// conditions for ForgeClient operations.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return retryablePattern.MatchString(err.Error())
}

// Retrying wraps a ForgeClient with the Queue's backoff policy (§4.B base
// 2s, exponential) plus circuit-breaking via resilience.ObservableClient,
// applied uniformly to every forge operation.
type Retrying struct {
	inner      port.ForgeClient
	maxRetries int
	observable *resilience.ObservableClient
}

// NewRetrying wraps inner with retry + circuit-breaker instrumentation.
func NewRetrying(inner port.ForgeClient, maxRetries int) *Retrying {
	return &Retrying{
		inner:      inner,
		maxRetries: maxRetries,
		observable: resilience.NewObservableClient(
			resilience.ConnectionTypeForge,
			resilience.OperationTypeRequest,
			"forge-api",
			30*time.Second, 5*time.Second, 2*time.Minute,
		),
	}
}

func (r *Retrying) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return r.observable.ExecuteWithMetrics(ctx, op, func(opCtx context.Context) error {
		base := backoff.NewExponentialBackOff()
		base.InitialInterval = 2 * time.Second
		policy := backoff.WithContext(backoff.WithMaxRetries(base, uint64(r.maxRetries)), opCtx)
		return backoff.Retry(func() error {
			err := fn(opCtx)
			if err == nil {
				return nil
			}
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}, policy)
	})
}

func (r *Retrying) GetIssue(ctx context.Context, owner, repo string, number int) (port.Issue, error) {
	var out port.Issue
	err := r.withRetry(ctx, "GetIssue", func(c context.Context) error {
		var innerErr error
		out, innerErr = r.inner.GetIssue(c, owner, repo, number)
		return innerErr
	})
	return out, err
}

func (r *Retrying) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]port.Comment, error) {
	var out []port.Comment
	err := r.withRetry(ctx, "ListIssueComments", func(c context.Context) error {
		var innerErr error
		out, innerErr = r.inner.ListIssueComments(c, owner, repo, number)
		return innerErr
	})
	return out, err
}

func (r *Retrying) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return r.withRetry(ctx, "AddLabels", func(c context.Context) error {
		return r.inner.AddLabels(c, owner, repo, number, labels)
	})
}

func (r *Retrying) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return r.withRetry(ctx, "RemoveLabel", func(c context.Context) error {
		return r.inner.RemoveLabel(c, owner, repo, number, label)
	})
}

func (r *Retrying) CreatePR(ctx context.Context, owner, repo string, params port.CreatePRParams) (port.PullRequest, error) {
	var out port.PullRequest
	err := r.withRetry(ctx, "CreatePR", func(c context.Context) error {
		var innerErr error
		out, innerErr = r.inner.CreatePR(c, owner, repo, params)
		return innerErr
	})
	return out, err
}

func (r *Retrying) ListPRsByHead(ctx context.Context, owner, repo, head string) ([]port.PullRequest, error) {
	var out []port.PullRequest
	err := r.withRetry(ctx, "ListPRsByHead", func(c context.Context) error {
		var innerErr error
		out, innerErr = r.inner.ListPRsByHead(c, owner, repo, head)
		return innerErr
	})
	return out, err
}

func (r *Retrying) AddIssueComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	var id int64
	err := r.withRetry(ctx, "AddIssueComment", func(c context.Context) error {
		var innerErr error
		id, innerErr = r.inner.AddIssueComment(c, owner, repo, number, body)
		return innerErr
	})
	return id, err
}

func (r *Retrying) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	return r.withRetry(ctx, "DeleteIssueComment", func(c context.Context) error {
		return r.inner.DeleteIssueComment(c, owner, repo, commentID)
	})
}

func (r *Retrying) GetInstallationToken(ctx context.Context) (string, error) {
	var token string
	err := r.withRetry(ctx, "GetInstallationToken", func(c context.Context) error {
		var innerErr error
		token, innerErr = r.inner.GetInstallationToken(c)
		return innerErr
	})
	return token, err
}

func (r *Retrying) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var branch string
	err := r.withRetry(ctx, "DefaultBranch", func(c context.Context) error {
		var innerErr error
		branch, innerErr = r.inner.DefaultBranch(c, owner, repo)
		return innerErr
	})
	return branch, err
}
