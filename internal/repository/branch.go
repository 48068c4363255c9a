// Package repository implements the repository connection engine: remote
// probing with typed error classification and bounded retries, branch
// discovery and validation, metadata caching, and workspace materialization
// for workers.
package repository

import (
	"sort"
	"strings"

	"github.com/coderelay/coderelay/internal/storage"
)

const branchRefPrefix = "refs/heads/"

// ParseBranches extracts branch names from ls-remote output: tab-separated
// "<hash>\t<ref>" lines. Only refs/heads/ entries count; tags, pull refs,
// and HEAD are discarded. Returns a sorted, de-duplicated list; malformed
// or empty input yields an empty list.
func ParseBranches(raw string) []string {
	seen := make(map[string]bool)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		ref := strings.TrimSpace(parts[1])
		if !strings.HasPrefix(ref, branchRefPrefix) {
			continue
		}
		name := strings.TrimPrefix(ref, branchRefPrefix)
		if name != "" {
			seen[name] = true
		}
	}

	branches := make([]string, 0, len(seen))
	for name := range seen {
		branches = append(branches, name)
	}
	sort.Strings(branches)
	return branches
}

// DefaultBranch picks the conventional default: main, then master, then the
// first branch. Empty input returns "".
func DefaultBranch(branches []string) string {
	for _, b := range branches {
		if b == "main" {
			return "main"
		}
	}
	for _, b := range branches {
		if b == "master" {
			return "master"
		}
	}
	if len(branches) > 0 {
		return branches[0]
	}
	return ""
}

// ValidateBranch checks a requested branch against the available set and,
// when the branch is missing, ranks the closest matches as suggestions.
func ValidateBranch(requested string, available []string) storage.BranchValidation {
	if strings.TrimSpace(requested) == "" {
		return storage.BranchValidation{
			IsValid:           false,
			Message:           "branch name is empty",
			AvailableBranches: available,
		}
	}
	if len(available) == 0 {
		return storage.BranchValidation{
			IsValid: false,
			Message: "no available branches",
		}
	}

	for _, b := range available {
		if b == requested {
			return storage.BranchValidation{
				IsValid:           true,
				AvailableBranches: available,
			}
		}
	}

	suggestions := rankSuggestions(requested, available)
	suggested := DefaultBranch(available)
	if len(suggestions) > 0 {
		suggested = suggestions[0]
	}

	return storage.BranchValidation{
		IsValid:           false,
		Message:           "branch '" + requested + "' not found",
		SuggestedBranch:   suggested,
		AvailableBranches: available,
	}
}

// OptimalBranch resolves the branch to actually use: the user's choice when
// it exists on the remote, otherwise the suggestion or default. The second
// return value reports whether the user's requested branch was honored.
func OptimalBranch(requested string, available []string) (string, bool) {
	if strings.TrimSpace(requested) != "" {
		validation := ValidateBranch(requested, available)
		if validation.IsValid {
			return requested, true
		}
		if validation.SuggestedBranch != "" {
			return validation.SuggestedBranch, false
		}
	}
	return DefaultBranch(available), false
}

// rankSuggestions scores each available branch against the requested name
// and returns up to three candidates scoring above the noise floor.
func rankSuggestions(requested string, available []string) []string {
	type scored struct {
		name  string
		score int
	}

	var candidates []scored
	for _, b := range available {
		score := similarity(requested, b)
		if score > 30 {
			candidates = append(candidates, scored{name: b, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

// similarity scores two branch names 0..100, case-insensitively.
func similarity(a, b string) int {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 100
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 80
	}
	if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
		return 60
	}

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	score := (maxLen - levenshtein(a, b)) * 100 / maxLen
	if score < 0 {
		return 0
	}
	return score
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
