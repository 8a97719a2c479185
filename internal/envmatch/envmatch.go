// Package envmatch maps branch names to project environments.
//
// Matching is a pure function over the project's ordered environment
// list: production (index 0) wins exact matches unconditionally, then
// the remaining environments are scanned in priority order with literal
// or glob comparison. Supported glob shapes are "prefix*", "*suffix"
// and "prefix*suffix".
package envmatch

import (
	"strings"

	"github.com/ember-sh/ember/internal/model"
)

// UnmatchedKey is the Group bucket for branches no environment claims.
const UnmatchedKey = "unmatched"

// Match returns the environment the branch deploys to, or nil.
func Match(branch string, envs []model.Environment) *model.Environment {
	if len(envs) == 0 {
		return nil
	}
	if envs[0].Branch == branch {
		return &envs[0]
	}
	for i := 1; i < len(envs); i++ {
		if patternMatches(envs[i].Branch, branch) {
			return &envs[i]
		}
	}
	return nil
}

// Group buckets branches by the slug of their matching environment.
// Branches with no match land under UnmatchedKey.
func Group(branches []string, envs []model.Environment) map[string][]string {
	out := make(map[string][]string)
	for _, b := range branches {
		if env := Match(b, envs); env != nil {
			out[env.Slug] = append(out[env.Slug], b)
		} else {
			out[UnmatchedKey] = append(out[UnmatchedKey], b)
		}
	}
	return out
}

func patternMatches(pattern, branch string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return pattern == branch
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	if len(branch) < len(prefix)+len(suffix) {
		return false
	}
	return strings.HasPrefix(branch, prefix) && strings.HasSuffix(branch, suffix)
}
