package core

import "github.com/google/uuid"

// Matching is a pure set-membership test: there is no scoring and no
// precedence between rules, so an entity can accumulate flags from many rules
// at once. All matchers skip inactive rules and rules for the wrong level
// defensively, even though callers normally filter at query time.

// MatchCaseRules returns the flag IDs of active Case-level rules whose
// matching values contain the case's type reference code.
func MatchCaseRules(rules []FlaggingRule, caseTypeRef string) []uuid.UUID {
	var flags []uuid.UUID
	for _, rule := range rules {
		if !rule.Active() || rule.Level != LevelCase {
			continue
		}
		if containsValue(rule.MatchingValues, caseTypeRef) {
			flags = append(flags, rule.FlagID)
		}
	}
	return flags
}

// MatchGoodRules returns the flag IDs of active Good-level rules whose
// matching values intersect the good's classification ratings. Rules marked
// verified-goods-only are skipped for goods whose classification has not been
// verified; goods-type records have no verification lifecycle and are never
// excluded on that basis.
func MatchGoodRules(rules []FlaggingRule, good Good) []uuid.UUID {
	var flags []uuid.UUID
	for _, rule := range rules {
		if !rule.Active() || rule.Level != LevelGood {
			continue
		}
		if rule.VerifiedGoodsOnly() && good.Kind == KindGood && good.Status != GoodStatusVerified {
			continue
		}
		if overlaps(rule.MatchingValues, good.Ratings) {
			flags = append(flags, rule.FlagID)
		}
	}
	return flags
}

// MatchDestinationRules returns the flag IDs of active Destination-level
// rules whose matching values contain the destination's country code.
func MatchDestinationRules(rules []FlaggingRule, countryCode string) []uuid.UUID {
	var flags []uuid.UUID
	for _, rule := range rules {
		if !rule.Active() || rule.Level != LevelDestination {
			continue
		}
		if containsValue(rule.MatchingValues, countryCode) {
			flags = append(flags, rule.FlagID)
		}
	}
	return flags
}

// VerifiedGoodsOnly reports whether the rule carries an explicit
// verified-goods-only qualifier set to true.
func (r FlaggingRule) VerifiedGoodsOnly() bool {
	return r.IsForVerifiedGoodsOnly != nil && *r.IsForVerifiedGoodsOnly
}

// MatchesCaseType reports whether a Case-level rule matches the given
// case-type reference. Used by retroactive application to prefilter cases.
func (r FlaggingRule) MatchesCaseType(caseTypeRef string) bool {
	return r.Level == LevelCase && containsValue(r.MatchingValues, caseTypeRef)
}

func containsValue(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func overlaps(left, right []string) bool {
	if len(left) == 0 || len(right) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(left))
	for _, v := range left {
		set[v] = struct{}{}
	}
	for _, v := range right {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
