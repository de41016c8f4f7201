// Package ratelimit provides fixed window rate limiting per client and path
// class, with counters kept in the shared store.
package ratelimit

import (
	"strings"
	"time"

	"github.com/vyrodovalexey/avaregion/internal/config"
)

// DefaultClass is the path class of requests no configured class matches.
const DefaultClass = "default"

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Class is the path class the request was counted against.
	Class string

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the current window ends.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying when not allowed.
	RetryAfter time.Duration
}

// Rule is the quota of one path class.
type Rule struct {
	Class  string
	Limit  int
	Window time.Duration
}

// Rules maps request paths to quotas. Classes are matched by longest prefix.
type Rules struct {
	fallback Rule
	classes  []classRule
}

type classRule struct {
	prefix string
	rule   Rule
}

// RulesFrom builds rules from the configuration section.
func RulesFrom(cfg config.RateLimitConfig) *Rules {
	r := &Rules{
		fallback: Rule{
			Class:  DefaultClass,
			Limit:  cfg.Default.Limit,
			Window: cfg.Default.Window.Duration(),
		},
	}
	for _, pc := range cfg.Classes {
		window := pc.Window.Duration()
		if window <= 0 {
			window = r.fallback.Window
		}
		rule := Rule{Class: pc.Name, Limit: pc.Limit, Window: window}
		for _, prefix := range pc.Prefixes {
			r.classes = append(r.classes, classRule{prefix: prefix, rule: rule})
		}
	}
	return r
}

// Classify returns the rule that applies to path.
func (r *Rules) Classify(path string) Rule {
	best := -1
	for i, c := range r.classes {
		if !matchPrefix(path, c.prefix) {
			continue
		}
		if best < 0 || len(c.prefix) > len(r.classes[best].prefix) {
			best = i
		}
	}
	if best < 0 {
		return r.fallback
	}
	return r.classes[best].rule
}

// matchPrefix matches whole path segments, so /auth does not match
// /authors.
func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
