// Package evaluator classifies a parsed access-log record against the
// active configuration. Evaluate is a pure function: given the same
// record and Config it always returns the same Classification.
package evaluator

import (
	"strings"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

// statusGated is the set of status codes that make a sensitive_files or
// cms_attacks path match count as a violation. A 200 to a path that
// happens to exist is not a probe.
var statusGated = map[int]struct{}{
	401: {},
	403: {},
	404: {},
}

// injectionPatterns flags common SQL-injection and XSS payloads in the
// request path. Unlike sensitive_files and cms_attacks these are not
// configurable and apply regardless of response status, since a
// well-formed injection attempt is suspicious whether or not it
// succeeded.
var injectionPatterns = []string{
	"union+select",
	"eval(",
	"<script>",
}

// Evaluate classifies rec against cfg.Compiled in the fixed order the
// rule set requires: instant_ban first (status-agnostic, short-circuits
// everything else), then sensitive_files, then cms_attacks, then
// injection patterns, then bad_user_agents. Multiple scored matches on
// one line still yield a single ClassScore.
func Evaluate(rec *models.LogRecord, cfg *config.Config) models.Classification {
	compiled := cfg.Compiled
	path := strings.ToLower(rec.Path)

	if containsAny(path, compiled.InstantBan) {
		return models.ClassInstantBan
	}

	if _, gated := statusGated[rec.Status]; gated {
		if containsAny(path, compiled.SensitiveFiles) {
			return models.ClassScore
		}
		if containsAny(path, compiled.CMSAttacks) {
			return models.ClassScore
		}
	}

	if containsAny(path, injectionPatterns) {
		return models.ClassScore
	}

	ua := strings.ToLower(rec.UserAgent)
	if containsAny(ua, compiled.BadUserAgents) {
		return models.ClassScore
	}

	return models.ClassIgnore
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
