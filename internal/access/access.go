// Package access implements the Access Control matcher (C4): given a
// candidate rule set and a peer identifier, decide allow or block per the
// gateway's deterministic precedence rules.
package access

import (
	"strings"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// Decision is the outcome of evaluating a peer against a rule set.
type Decision struct {
	Allowed     bool
	MatchedRule *store.AccessRule
}

// Evaluate decides allow/block for peerID against candidates, which must be
// every rule scoped to instanceName plus every global rule
// (store.AccessRuleStore.ListCandidates's contract). Evaluation order:
//
//  1. Instance-scoped rules for instanceName are considered before global
//     rules — an instance-scoped match always wins over any global rule,
//     regardless of specificity.
//  2. Within a set, an exact (non-wildcard) match beats any wildcard match;
//     among wildcard matches, a longer prefix beats a shorter one.
//  3. At equal specificity, block wins over allow.
//  4. If nothing matches, the default is allow.
func Evaluate(instanceName, peerID string, candidates []store.AccessRule) Decision {
	var instanceScoped, global []store.AccessRule
	for _, r := range candidates {
		if r.InstanceName == instanceName && instanceName != "" {
			instanceScoped = append(instanceScoped, r)
		} else if r.InstanceName == "" {
			global = append(global, r)
		}
	}

	if best, ok := bestMatch(peerID, instanceScoped); ok {
		return Decision{Allowed: best.RuleType == store.RuleAllow, MatchedRule: &best}
	}
	if best, ok := bestMatch(peerID, global); ok {
		return Decision{Allowed: best.RuleType == store.RuleAllow, MatchedRule: &best}
	}
	return Decision{Allowed: true}
}

// bestMatch picks the highest-precedence rule in rules that matches peerID.
func bestMatch(peerID string, rules []store.AccessRule) (store.AccessRule, bool) {
	var best store.AccessRule
	bestSpecificity := -1
	bestIsExact := false
	found := false

	for _, r := range rules {
		specificity, isExact, matched := matchSpecificity(peerID, r.PhoneNumber)
		if !matched {
			continue
		}
		switch {
		case !found:
			best, bestSpecificity, bestIsExact, found = r, specificity, isExact, true
		case isExact && !bestIsExact:
			best, bestSpecificity, bestIsExact = r, specificity, isExact
		case isExact == bestIsExact && specificity > bestSpecificity:
			best, bestSpecificity, bestIsExact = r, specificity, isExact
		case isExact == bestIsExact && specificity == bestSpecificity && r.RuleType == store.RuleBlock && best.RuleType != store.RuleBlock:
			best = r
		}
	}
	return best, found
}

// matchSpecificity reports whether pattern matches peerID, and if so its
// specificity (higher wins) and whether the match was exact (non-wildcard).
func matchSpecificity(peerID, pattern string) (specificity int, isExact bool, matched bool) {
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(peerID, prefix) {
			return len(prefix), false, true
		}
		return 0, false, false
	}
	if pattern == peerID {
		return len(pattern), true, true
	}
	return 0, false, false
}
