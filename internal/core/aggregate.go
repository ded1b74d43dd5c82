package core

import (
	"sort"

	"github.com/google/uuid"
)

// SourceCategory ranks where a flag was reached from when aggregating a
// case's flags for display. Goods flags sort before destination flags, which
// sort before the case's own flags; organisation flags (and anything else)
// come last.
type SourceCategory int

const (
	CategoryGood        SourceCategory = 0
	CategoryDestination SourceCategory = 1
	CategoryCase        SourceCategory = 2
	CategoryOther       SourceCategory = 3
)

// FlagSource pairs a flag with the category of the path it was reached
// through.
type FlagSource struct {
	Flag     Flag
	Category SourceCategory
}

// OrderedFlag is one entry in the aggregated flag view for a case.
type OrderedFlag struct {
	Flag
	MyTeam   bool           `json:"my_team"`
	Category SourceCategory `json:"category"`
}

// OrderOptions controls truncation and de-duplication of the aggregated
// list. Limit <= 0 means no truncation. Distinct collapses flags reachable
// via more than one path to a single entry; some call sites want per-source
// counts and leave it off.
type OrderOptions struct {
	Limit    int
	Distinct bool
}

// OrderFlags produces the total display order over the collected flag
// sources:
//
//  1. Flags owned by the requesting team before all others.
//  2. Then by source category: Good < Destination < Case < other.
//  3. Then by the flag's own priority, ascending.
//
// Ties beyond that keep their input order (the sort is stable but not
// contractually ordered further). When Distinct is set, a flag reachable via
// several sources is kept once, at its best-sorted position.
func OrderFlags(sources []FlagSource, requestingTeam uuid.UUID, opts OrderOptions) []OrderedFlag {
	ordered := make([]OrderedFlag, 0, len(sources))
	for _, source := range sources {
		ordered = append(ordered, OrderedFlag{
			Flag:     source.Flag,
			MyTeam:   source.Flag.TeamID == requestingTeam,
			Category: source.Category,
		})
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].MyTeam != ordered[j].MyTeam {
			return ordered[i].MyTeam
		}
		if ordered[i].Category != ordered[j].Category {
			return ordered[i].Category < ordered[j].Category
		}
		return ordered[i].Priority < ordered[j].Priority
	})

	if opts.Distinct {
		seen := make(map[uuid.UUID]struct{}, len(ordered))
		distinct := ordered[:0]
		for _, flag := range ordered {
			if _, ok := seen[flag.ID]; ok {
				continue
			}
			seen[flag.ID] = struct{}{}
			distinct = append(distinct, flag)
		}
		ordered = distinct
	}

	if opts.Limit > 0 && len(ordered) > opts.Limit {
		ordered = ordered[:opts.Limit]
	}

	return ordered
}
