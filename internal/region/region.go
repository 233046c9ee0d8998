// Package region maps US state codes to the four coarse regions used by every
// rollup, and classifies device user-agent strings.
//
// The lookup table below is the only copy of the mapping. Both the Go
// classifier and the SQL fragment rendered by SQLCase are generated from it,
// so rows enriched at load time and rows recomputed during aggregation can
// never disagree.
package region

import (
	"sort"
	"strings"
)

// Region is one of the fixed geographic groupings.
type Region string

const (
	Northeast Region = "Northeast"
	Southeast Region = "Southeast"
	Midwest   Region = "Midwest"
	West      Region = "West"
	Unknown   Region = "Unknown"
)

// String returns the region name.
func (r Region) String() string {
	return string(r)
}

// Valid reports whether r is one of the five known region names.
func (r Region) Valid() bool {
	switch r {
	case Northeast, Southeast, Midwest, West, Unknown:
		return true
	}
	return false
}

var stateToRegion = map[string]Region{
	// Northeast
	"CT": Northeast, "ME": Northeast, "MA": Northeast, "NH": Northeast,
	"RI": Northeast, "VT": Northeast, "NJ": Northeast, "NY": Northeast,
	"PA": Northeast,

	// Southeast
	"DE": Southeast, "FL": Southeast, "GA": Southeast, "MD": Southeast,
	"NC": Southeast, "SC": Southeast, "VA": Southeast, "DC": Southeast,
	"WV": Southeast, "AL": Southeast, "KY": Southeast, "MS": Southeast,
	"TN": Southeast, "AR": Southeast, "LA": Southeast, "TX": Southeast,
	"OK": Southeast,

	// Midwest
	"IL": Midwest, "IN": Midwest, "MI": Midwest, "OH": Midwest,
	"WI": Midwest, "IA": Midwest, "KS": Midwest, "MN": Midwest,
	"MO": Midwest, "NE": Midwest, "ND": Midwest, "SD": Midwest,

	// West
	"AZ": West, "CA": West, "CO": West, "ID": West, "MT": West,
	"NV": West, "NM": West, "OR": West, "UT": West, "WA": West,
	"WY": West, "AK": West, "HI": West,
}

// padding is the set of characters trimmed from a state code. SQLCase
// renders the same set, so Go and SQL classify padded codes alike.
const padding = " \t\n\r"

func normalize(state string) string {
	return strings.ToUpper(strings.Trim(state, padding))
}

// Of returns the region for a two-letter state code. The lookup is
// case-insensitive and ignores surrounding spaces, tabs and line breaks;
// empty or unrecognized codes map to Unknown.
func Of(state string) Region {
	if r, ok := stateToRegion[normalize(state)]; ok {
		return r
	}
	return Unknown
}

// Resolve prefers a region cached on the event at load time and falls back to
// recomputing it from the state code when the cached value is absent or not
// a known region name.
func Resolve(cached, state string) Region {
	if r := Region(strings.TrimSpace(cached)); r != "" && r.Valid() {
		return r
	}
	return Of(state)
}

// All returns the five regions in a fixed order.
func All() []Region {
	return []Region{Northeast, Southeast, Midwest, West, Unknown}
}

// States returns every mapped state code, sorted.
func States() []string {
	codes := make([]string, 0, len(stateToRegion))
	for code := range stateToRegion {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// IsKnownState reports whether the code is present in the lookup table.
func IsKnownState(state string) bool {
	_, ok := stateToRegion[normalize(state)]
	return ok
}

// SQLCase renders the lookup table as a searched SQL CASE expression over
// column. The column is interpolated verbatim and must be a trusted
// identifier.
func SQLCase(column string) string {
	norm := "UPPER(BTRIM(" + column + ", E'\\t\\n\\r '))"

	var b strings.Builder
	b.WriteString("CASE")
	for _, r := range All() {
		if r == Unknown {
			continue
		}
		b.WriteString(" WHEN ")
		b.WriteString(norm)
		b.WriteString(" IN ('")
		b.WriteString(strings.Join(statesIn(r), "','"))
		b.WriteString("') THEN '")
		b.WriteString(string(r))
		b.WriteString("'")
	}
	b.WriteString(" ELSE 'Unknown' END")
	return b.String()
}

func statesIn(r Region) []string {
	var codes []string
	for code, rr := range stateToRegion {
		if rr == r {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}
