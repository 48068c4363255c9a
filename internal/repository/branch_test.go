package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsRemoteOutput = "abc123\trefs/heads/main\n" +
	"def456\trefs/heads/develop\n" +
	"789abc\trefs/heads/feature/auth\n" +
	"111222\trefs/tags/v1.0.0\n" +
	"333444\trefs/pull/42/head\n" +
	"555666\tHEAD\n"

func TestParseBranches(t *testing.T) {
	branches := ParseBranches(lsRemoteOutput)
	assert.Equal(t, []string{"develop", "feature/auth", "main"}, branches)
}

func TestParseBranchesEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", []string{}},
		{"garbage", "not a ref line\nanother", []string{}},
		{"missing tab", "abc123 refs/heads/main", []string{}},
		{"duplicates", "a\trefs/heads/main\nb\trefs/heads/main", []string{"main"}},
		{"whitespace lines", "\n  \na\trefs/heads/dev\n", []string{"dev"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseBranches(tt.in))
		})
	}
}

func TestParseBranchesIdempotent(t *testing.T) {
	once := ParseBranches(lsRemoteOutput)
	twice := ParseBranches(lsRemoteOutput + "\n" + lsRemoteOutput)
	assert.Equal(t, once, twice)
}

func TestDefaultBranch(t *testing.T) {
	tests := []struct {
		name     string
		branches []string
		want     string
	}{
		{"prefers main", []string{"develop", "main", "master"}, "main"},
		{"falls back to master", []string{"develop", "master"}, "master"},
		{"first element otherwise", []string{"alpha", "beta"}, "alpha"},
		{"empty list", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultBranch(tt.branches))
		})
	}
}

func TestValidateBranchEmptyRequested(t *testing.T) {
	v := ValidateBranch("", []string{"main"})
	assert.False(t, v.IsValid)
	assert.Equal(t, "branch name is empty", v.Message)
}

func TestValidateBranchNoAvailable(t *testing.T) {
	v := ValidateBranch("main", nil)
	assert.False(t, v.IsValid)
	assert.Equal(t, "no available branches", v.Message)
}

func TestValidateBranchExactMatch(t *testing.T) {
	v := ValidateBranch("develop", []string{"develop", "main"})
	assert.True(t, v.IsValid)
	assert.Empty(t, v.SuggestedBranch)
}

func TestValidateBranchSuggestsClosest(t *testing.T) {
	v := ValidateBranch("developp", []string{"main", "develop", "feature/auth"})
	require.False(t, v.IsValid)
	assert.Equal(t, "develop", v.SuggestedBranch)
}

func TestValidateBranchFallsBackToDefault(t *testing.T) {
	// Nothing scores above the noise floor, so the default wins.
	v := ValidateBranch("zzzzzzzzzzzz", []string{"main", "develop"})
	require.False(t, v.IsValid)
	assert.Equal(t, "main", v.SuggestedBranch)
}

func TestOptimalBranch(t *testing.T) {
	available := []string{"develop", "feature/auth", "main"}

	branch, userPick := OptimalBranch("develop", available)
	assert.Equal(t, "develop", branch)
	assert.True(t, userPick)

	branch, userPick = OptimalBranch("nonexistent-branch", available)
	assert.Equal(t, "main", branch)
	assert.False(t, userPick)

	branch, userPick = OptimalBranch("", available)
	assert.Equal(t, "main", branch)
	assert.False(t, userPick)
}

func TestSimilarityScoring(t *testing.T) {
	assert.Equal(t, 100, similarity("main", "MAIN"))
	assert.Equal(t, 80, similarity("auth", "feature/auth"))
	assert.Equal(t, 75, similarity("feat", "fear")) // edit distance 1 over length 4
	assert.Equal(t, 0, similarity("", ""))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("main", "main"))
	assert.Equal(t, 1, levenshtein("main", "mains"))
	assert.Equal(t, 4, levenshtein("", "main"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
}
