// Package rewrite implements the Rewrite Rule Engine: a pure,
// no-I/O match/replace pipeline applied to first lines, headers, and
// bodies at each of the six rewrite scopes.
//
// Backreferences in replacement strings follow Go's native regexp
// replacement-template convention (`$1`, `${name}`) consistently across
// all scopes, per the documented Open Question resolution in DESIGN.md.
package rewrite

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/relaywire/proxycore/pkg/types"
)

// Engine applies match/replace rules. It holds no state but a cache of
// compiled regex patterns keyed by pattern identity, so repeated calls
// against the same rule set across many exchanges don't recompile.
type Engine struct {
	logger *zap.Logger
	sink   WarningSink
	obs    Observer

	mu    sync.RWMutex
	cache map[uint64]*regexp.Regexp // nil value means the pattern is invalid
}

// Observer counts rule applications per rule and scope
// (internal/proxy/metrics.Collector implements it).
type Observer interface {
	RecordRewriteApplied(ruleID, scope string)
}

// WarningSink receives rule-engine warnings for out-of-band inspection
// (internal/proxy/chsink.Sink implements this), independent of and in
// addition to the zap log line emitted alongside every warning.
type WarningSink interface {
	RecordWarning(ruleID, kind, detail string)
}

// New returns a ready Engine. logger may be nil, in which case malformed
// rules and invalid patterns are silently skipped rather than logged.
func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger, cache: make(map[uint64]*regexp.Regexp)}
}

// SetWarningSink attaches sink as the destination for every future
// malformed-rule and invalid-pattern warning, in addition to the zap log
// line. Passing nil detaches it. Not safe to call concurrently with
// Apply*.
func (e *Engine) SetWarningSink(sink WarningSink) {
	e.sink = sink
}

// SetObserver attaches obs as the destination for rule-application
// counts. Passing nil detaches it. Not safe to call concurrently with
// Apply*.
func (e *Engine) SetObserver(obs Observer) {
	e.obs = obs
}

func (e *Engine) observe(r types.MatchReplaceRule, scope types.RewriteScope) {
	if e.obs != nil {
		e.obs.RecordRewriteApplied(r.ID, string(scope))
	}
}

func enabledForScope(rules []types.MatchReplaceRule, scope types.RewriteScope) []types.MatchReplaceRule {
	out := make([]types.MatchReplaceRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.Scope == scope {
			out = append(out, r)
		}
	}
	return out
}

// ApplyFirstLine runs every enabled rule for scope (request_first_line or
// response_first_line) against line, in index order.
func (e *Engine) ApplyFirstLine(line string, rules []types.MatchReplaceRule, scope types.RewriteScope) string {
	for _, r := range enabledForScope(rules, scope) {
		line = e.applyToString(line, r)
		e.observe(r, scope)
	}
	return line
}

// ApplyBody runs every enabled rule for scope (request_body or
// response_body) against body, in index order.
func (e *Engine) ApplyBody(body []byte, rules []types.MatchReplaceRule, scope types.RewriteScope) []byte {
	for _, r := range enabledForScope(rules, scope) {
		body = e.applyToBytes(body, r)
		e.observe(r, scope)
	}
	return body
}

// ApplyHeaders runs every enabled rule for scope (request_header or
// response_header) against each header, synthesising "Name: Value",
// applying the rule chain, and reparsing. A rule whose output has no
// colon or an invalid header name leaves that header's line unchanged
// for that rule and is logged as malformed. A rule whose output is
// empty deletes the header.
func (e *Engine) ApplyHeaders(headers types.Headers, rules []types.MatchReplaceRule, scope types.RewriteScope) types.Headers {
	scoped := enabledForScope(rules, scope)
	if len(scoped) == 0 {
		return headers
	}
	for _, r := range scoped {
		e.observe(r, scope)
	}

	out := make(types.Headers, 0, len(headers))
	for _, h := range headers {
		line := h.Name + ": " + h.Value
		deleted := false

		for _, r := range scoped {
			candidate := e.applyToString(line, r)
			if candidate == "" {
				deleted = true
				break
			}
			name, value, ok := splitHeaderLine(candidate)
			if !ok || !httpguts.ValidHeaderFieldName(name) {
				e.warnMalformed(r, line)
				continue
			}
			_ = value
			line = candidate
		}

		if deleted {
			continue
		}
		name, value, _ := splitHeaderLine(line)
		out = append(out, types.Header{Name: name, Value: value})
	}
	return out
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx == -1 {
		return "", "", false
	}
	return line[:idx], strings.TrimPrefix(line[idx+1:], " "), true
}

func (e *Engine) warnMalformed(r types.MatchReplaceRule, line string) {
	if e.logger != nil {
		e.logger.Warn("rewrite rule produced malformed header, left unchanged",
			zap.String("rule_id", r.ID),
			zap.String("line", line),
		)
	}
	if e.sink != nil {
		e.sink.RecordWarning(r.ID, "malformed_header", line)
	}
}

func (e *Engine) applyToString(input string, r types.MatchReplaceRule) string {
	if !r.IsRegex {
		return strings.ReplaceAll(input, r.Match, r.Replacement)
	}
	re := e.compiled(r)
	if re == nil {
		return input
	}
	return re.ReplaceAllString(input, r.Replacement)
}

func (e *Engine) applyToBytes(input []byte, r types.MatchReplaceRule) []byte {
	if !r.IsRegex {
		return bytes.ReplaceAll(input, []byte(r.Match), []byte(r.Replacement))
	}
	re := e.compiled(r)
	if re == nil {
		return input
	}
	return re.ReplaceAll(input, []byte(r.Replacement))
}

// compiled returns the cached compiled pattern for r, compiling and
// caching it on first use. Invalid patterns are cached as nil so the
// rule is treated as disabled (and is only warned about once).
func (e *Engine) compiled(r types.MatchReplaceRule) *regexp.Regexp {
	key := xxhash.Sum64String(r.Match)

	e.mu.RLock()
	re, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return re
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.cache[key]; ok {
		return re
	}

	compiled, err := regexp.Compile(r.Match)
	if err != nil {
		e.cache[key] = nil
		if e.logger != nil {
			e.logger.Warn("invalid regex rewrite pattern, rule disabled",
				zap.String("rule_id", r.ID),
				zap.String("pattern", r.Match),
				zap.Error(err),
			)
		}
		if e.sink != nil {
			e.sink.RecordWarning(r.ID, "invalid_regex", err.Error())
		}
		return nil
	}
	e.cache[key] = compiled
	return compiled
}

// InvalidatePattern drops a cached compiled pattern, forcing
// recompilation next time it's used. Call this when a rule's match
// string is edited.
func (e *Engine) InvalidatePattern(pattern string) {
	key := xxhash.Sum64String(pattern)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, key)
}
