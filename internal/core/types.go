// Package core implements the pure domain logic of the case engine: the
// case-status state machine with its transition guard, the declarative
// flagging-rule evaluator, and the flag aggregation ordering. Nothing in this
// package touches the database; callers supply snapshots and apply the
// results.
package core

import "github.com/google/uuid"

// FlagLevel is the entity category a flag or flagging rule applies to.
type FlagLevel string

const (
	LevelGood         FlagLevel = "Good"
	LevelDestination  FlagLevel = "Destination"
	LevelCase         FlagLevel = "Case"
	LevelOrganisation FlagLevel = "Organisation"
)

// ValidFlagLevel reports whether level is one of the known flag levels.
func ValidFlagLevel(level FlagLevel) bool {
	switch level {
	case LevelGood, LevelDestination, LevelCase, LevelOrganisation:
		return true
	}
	return false
}

// FlagStatus is the lifecycle status of a flag or flagging rule. Flags and
// rules are deactivated rather than deleted so historical audit payloads that
// reference them stay resolvable.
type FlagStatus string

const (
	FlagStatusActive      FlagStatus = "Active"
	FlagStatusDeactivated FlagStatus = "Deactivated"
)

// Flag is a named warning marker attachable to a case, good,
// destination/party, or organisation.
type Flag struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	Level            FlagLevel  `json:"level"`
	Status           FlagStatus `json:"status"`
	Priority         int        `json:"priority"`
	TeamID           uuid.UUID  `json:"team_id"`
	Label            string     `json:"label,omitempty"`
	Colour           string     `json:"colour,omitempty"`
	BlocksFinalising bool       `json:"blocks_finalising"`
	RemovableBy      string     `json:"removable_by,omitempty"`
}

// FlaggingRule is a declarative predicate that causes a flag to be attached
// when its matching criteria are met. MatchingValues are interpreted
// according to Level: case-type reference codes for Case rules, control-list
// ratings for Good rules, and country codes for Destination rules.
//
// IsForVerifiedGoodsOnly must be set explicitly for Good-level rules because
// it changes match semantics; it is nil for every other level.
type FlaggingRule struct {
	ID                     uuid.UUID  `json:"id"`
	TeamID                 uuid.UUID  `json:"team_id"`
	Level                  FlagLevel  `json:"level"`
	FlagID                 uuid.UUID  `json:"flag_id"`
	FlagStatus             FlagStatus `json:"flag_status"`
	Status                 FlagStatus `json:"status"`
	MatchingValues         []string   `json:"matching_values"`
	IsForVerifiedGoodsOnly *bool      `json:"is_for_verified_goods_only,omitempty"`
}

// Active reports whether the rule takes part in matching: both the rule and
// its referenced flag must be active. Deactivating either excludes the rule
// from all future matching without detaching flags it already attached.
func (r FlaggingRule) Active() bool {
	return r.Status == FlagStatusActive && r.FlagStatus == FlagStatusActive
}

// GoodStatus is the classification-review state of a good. Classification is
// a two-phase process: a draft classification becomes trustworthy only once
// verified, which is what the verified-goods-only rule qualifier keys off.
type GoodStatus string

const (
	GoodStatusDraft     GoodStatus = "draft"
	GoodStatusSubmitted GoodStatus = "submitted"
	GoodStatusVerified  GoodStatus = "verified"
)

// GoodKind distinguishes reusable organisation goods from the per-case
// goods-type records used by open-licence-style cases. Goods-type records
// have no verification lifecycle, so verified-only rules never exclude them.
type GoodKind string

const (
	KindGood      GoodKind = "good"
	KindGoodsType GoodKind = "goods_type"
)

// Good is the evaluator's snapshot of a good (or goods-type record) on a
// case.
type Good struct {
	ID      uuid.UUID
	Kind    GoodKind
	Status  GoodStatus
	Ratings []string
}

// DestinationKind distinguishes party destinations from the country records
// that open-licence cases carry directly.
type DestinationKind string

const (
	KindParty   DestinationKind = "party"
	KindCountry DestinationKind = "country"
)

// Destination is the evaluator's snapshot of an active destination on a
// case: either a party with its country, or a bare country record.
type Destination struct {
	PartyID     uuid.UUID
	Kind        DestinationKind
	CountryCode string
}

// SubType identifies how a case exposes its goods and destinations. The
// engine dispatches on this tag rather than on concrete case models.
type SubType string

const (
	SubTypeStandard   SubType = "standard"
	SubTypeOpen       SubType = "open"
	SubTypeExhibition SubType = "exhibition_clearance"
	SubTypeGifting    SubType = "gifting_clearance"
	SubTypeF680       SubType = "f680_clearance"
	SubTypeEUA        SubType = "end_user_advisory"
	SubTypeGoods      SubType = "goods_query"
	SubTypeHMRC       SubType = "hmrc_query"
)

// Permission names a capability a caseworker may hold.
type Permission string

const (
	PermissionManageFinalAdvice   Permission = "manage_final_advice"
	PermissionReopenClosedCases   Permission = "reopen_closed_cases"
	PermissionManageFlaggingRules Permission = "manage_flagging_rules"
	PermissionActivateFlags       Permission = "activate_flags"
)

// Actor is the caseworker attempting an operation, with the team membership
// and capabilities the transition guard needs.
type Actor struct {
	ID               uuid.UUID
	Name             string
	TeamID           uuid.UUID
	IsFinalisingTeam bool
	Permissions      map[Permission]bool
}

// HasPermission reports whether the actor holds the named capability.
func (a Actor) HasPermission(p Permission) bool {
	return a.Permissions[p]
}
