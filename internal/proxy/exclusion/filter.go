// Package exclusion implements the Exclusion Filter: given a captured
// request's URL and a project's configured exclusion rules, decides
// whether that request should bypass capture/interception entirely.
package exclusion

import (
	"regexp"
	"strings"
	"sync"

	"github.com/relaywire/proxycore/internal/common/urlutil"
	"github.com/relaywire/proxycore/pkg/types"
)

// Filter evaluates a project's exclusion rules against request URLs.
// Compiled regex patterns are cached by rule ID so repeated evaluation
// against the same rule set doesn't recompile on every request.
type Filter struct {
	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp // rule ID -> compiled pattern, nil entry means malformed
}

// New returns a ready Filter.
func New() *Filter {
	return &Filter{regexes: make(map[string]*regexp.Regexp)}
}

// IsExcluded evaluates rules in order; the first match wins. Malformed
// patterns never match - a bad rule is treated as absent, not as a
// catch-all.
func (f *Filter) IsExcluded(rawURL string, rules []types.ExclusionRule) bool {
	for _, rule := range rules {
		if f.matches(rawURL, rule) {
			return true
		}
	}
	return false
}

func (f *Filter) matches(rawURL string, rule types.ExclusionRule) bool {
	switch rule.Kind {
	case types.ExclusionDomain:
		host := urlutil.ExtractHost(rawURL)
		if host == "" {
			return false
		}
		return strings.Contains(host, strings.ToLower(rule.Pattern))

	case types.ExclusionURL:
		return strings.Contains(rawURL, rule.Pattern)

	case types.ExclusionRegex:
		re := f.compiled(rule)
		if re == nil {
			return false
		}
		return re.MatchString(rawURL)

	default:
		return false
	}
}

func (f *Filter) compiled(rule types.ExclusionRule) *regexp.Regexp {
	f.mu.RLock()
	re, ok := f.regexes[rule.ID]
	f.mu.RUnlock()
	if ok {
		return re
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if re, ok := f.regexes[rule.ID]; ok {
		return re
	}

	compiled, err := regexp.Compile(rule.Pattern)
	if err != nil {
		f.regexes[rule.ID] = nil
		return nil
	}
	f.regexes[rule.ID] = compiled
	return compiled
}

// Invalidate drops a cached compiled pattern, forcing recompilation next
// time the rule is evaluated. Call this when a rule's pattern is edited
// without changing its ID.
func (f *Filter) Invalidate(ruleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regexes, ruleID)
}
