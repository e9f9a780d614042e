package workspace

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlug_LowercasesAndCollapsesDashes(t *testing.T) {
	require.Equal(t, "fix-the-null-pointer", Slug("Fix The!!  Null---Pointer"))
}

func TestSlug_TrimsLeadingTrailingDashes(t *testing.T) {
	require.Equal(t, "bug", Slug("***Bug***"))
}

func TestSlug_CapsAtMaxLength(t *testing.T) {
	title := "this is an extremely long issue title that definitely exceeds the cap"
	slug := Slug(title)
	require.LessOrEqual(t, len(slug), maxSlugLen)
}

func TestSlug_AllSymbolsYieldsEmpty(t *testing.T) {
	require.Equal(t, "", Slug("!!!@@@###"))
}

func TestSlug_MatchesRequiredPattern(t *testing.T) {
	re := regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,24}$`)
	slug := Slug("Fix the parser: null deref")
	require.Regexp(t, re, slug)
}

func TestBranchName_MatchesFormat(t *testing.T) {
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	name, err := BranchName(42, "Fix the parser", "sonnet", now)
	require.NoError(t, err)

	re := regexp.MustCompile(`^ai-fix/42-fix-the-parser-20260305-1430-sonnet-[a-z0-9]{3}$`)
	require.Regexp(t, re, name)
}

func TestBranchName_NoModelOmitsModelSegment(t *testing.T) {
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	name, err := BranchName(7, "Bug", "", now)
	require.NoError(t, err)

	re := regexp.MustCompile(`^ai-fix/7-bug-20260305-1430-[a-z0-9]{3}$`)
	require.Regexp(t, re, name)
}

func TestBranchName_EmptyTitleOmitsSlugSegment(t *testing.T) {
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	name, err := BranchName(7, "!!!", "", now)
	require.NoError(t, err)

	re := regexp.MustCompile(`^ai-fix/7-20260305-1430-[a-z0-9]{3}$`)
	require.Regexp(t, re, name)
}

func TestBranchName_NeverContainsForbiddenCharacters(t *testing.T) {
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	name, err := BranchName(1, "Weird ~^:*?[]@{ Title", "gpt-4o", now)
	require.NoError(t, err)

	for _, forbidden := range []string{" ", "..", "~", "^", ":", "*", "?", "[", "]", "@{"} {
		require.NotContains(t, name, forbidden)
	}
}

func TestWorktreeDirName_ReplacesSlashes(t *testing.T) {
	require.Equal(t, "ai-fix_42-bug-20260305-1430-abc", WorktreeDirName("ai-fix/42-bug-20260305-1430-abc"))
}
