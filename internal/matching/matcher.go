// Package matching classifies two partners' whitelist token sets into
// overlapping, complementary and potentially conflicting topics.
package matching

import (
	"slices"
)

// Pair is an (A token, B token) pairing
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Result is the outcome of a match. Slices are sorted and never nil.
type Result struct {
	Overlap           []string `json:"overlap"`
	Complementary     []Pair   `json:"complementary"`
	PotentialConflict []Pair   `json:"potential_conflict"`
	TableVersion      string   `json:"table_version"`
}

// Matcher applies a compatibility table. It performs no I/O and holds no mutable state.
type Matcher struct {
	table *Table
}

// NewMatcher creates a matcher over table
func NewMatcher(table *Table) *Matcher {
	return &Matcher{table: table}
}

// Match computes overlap as set intersection and classifies every cross
// pairing found in the table. Output depends only on the two sets.
func (m *Matcher) Match(a, b []string) Result {
	sa, sb := normalize(a), normalize(b)
	res := Result{
		Overlap:           []string{},
		Complementary:     []Pair{},
		PotentialConflict: []Pair{},
		TableVersion:      m.table.Version(),
	}

	for _, x := range sa {
		if _, found := slices.BinarySearch(sb, x); found {
			res.Overlap = append(res.Overlap, x)
		}
	}

	for _, x := range sa {
		for _, y := range sb {
			rel, ok := m.table.Lookup(x, y)
			if !ok {
				continue
			}
			switch rel {
			case Complementary:
				res.Complementary = append(res.Complementary, Pair{A: x, B: y})
			case PotentialConflict:
				res.PotentialConflict = append(res.PotentialConflict, Pair{A: x, B: y})
			}
		}
	}
	return res
}

func normalize(tokens []string) []string {
	out := slices.Clone(tokens)
	slices.Sort(out)
	return slices.Compact(out)
}
