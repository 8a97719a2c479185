// Package names holds the subdomain conventions shared by the alias
// store, the router config writer and the deployment state machine.
package names

import (
	"strings"

	"github.com/ember-sh/ember/internal/model"
)

// maxLabelLen is the DNS limit on a single label.
const maxLabelLen = 63

// EnvironmentAlias is the subdomain of an environment's current
// deployment. Production gets the bare project slug; every other
// environment gets the "-env-" form.
func EnvironmentAlias(projectSlug string, env model.Environment) string {
	if env.ID == model.ProductionEnvironmentID {
		return projectSlug
	}
	return truncate(projectSlug + "-env-" + env.Slug)
}

// EnvironmentIDAlias is the stable per-environment subdomain that
// survives environment renames (slugs can change, ids cannot).
func EnvironmentIDAlias(projectSlug, environmentID string) string {
	return truncate(projectSlug + "-env-id-" + environmentID)
}

// BranchAlias is the subdomain for a branch's latest deployment.
func BranchAlias(projectSlug, branch string) string {
	return truncate(projectSlug + "-branch-" + Sanitize(branch))
}

// truncate caps a subdomain at the DNS label limit, trimming any
// trailing hyphen the cut leaves behind.
func truncate(s string) string {
	if len(s) <= maxLabelLen {
		return s
	}
	return strings.TrimRight(s[:maxLabelLen], "-")
}

// Sanitize lowercases the input and replaces every character outside
// [a-z0-9-] with '-', making it safe as a DNS label fragment.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
