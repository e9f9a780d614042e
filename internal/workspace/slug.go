// Package workspace implements per-issue git worktree allocation atop a
// shared local clone cache, grounded on the teacher's filesystem-isolation
// conventions (internal/config path handling) and on the git subprocess
// invocation pattern from the reference ultra-engineer workflow package.
package workspace

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const maxSlugLen = 25

// Slug sanitizes title into the branch-name component required by §4.C:
// lowercase, non-alphanumeric runs collapsed to a single dash, trimmed of
// leading/trailing dashes, capped at maxSlugLen characters. An all-symbol
// title yields an empty slug.
func Slug(title string) string {
	lower := strings.ToLower(title)
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.Trim(out[:maxSlugLen], "-")
	}
	return out
}

// randSuffix returns a 3-character lowercase-alphanumeric random string.
func randSuffix() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("workspace: generate random suffix: %w", err)
	}
	out := make([]byte, 3)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// BranchName builds the §6 branch-name format:
// ai-fix/{N}-{slug}-{YYYYMMDD-HHMM}[-{model}]-{rand3}.
func BranchName(issueNumber int, title, modelName string, now time.Time) (string, error) {
	suffix, err := randSuffix()
	if err != nil {
		return "", err
	}
	stamp := now.UTC().Format("20060102-1504")
	slug := Slug(title)

	var b strings.Builder
	fmt.Fprintf(&b, "ai-fix/%d", issueNumber)
	if slug != "" {
		b.WriteByte('-')
		b.WriteString(slug)
	}
	b.WriteByte('-')
	b.WriteString(stamp)
	if modelName != "" {
		b.WriteByte('-')
		b.WriteString(Slug(modelName))
	}
	b.WriteByte('-')
	b.WriteString(suffix)
	return b.String(), nil
}

// WorktreeDirName derives a filesystem-safe directory name from a branch
// name, replacing the path separator with an underscore so the worktree can
// live as a single path segment under the worktrees base directory.
func WorktreeDirName(branchName string) string {
	return strings.ReplaceAll(branchName, "/", "_")
}
