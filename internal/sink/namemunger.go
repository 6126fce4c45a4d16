package sink

import "regexp"

// Rewrite is one (pattern, replacement) rule a custom data source can
// apply to a label before it reaches the rollup. $1, $2, ... in
// replacement refer to pattern's capture groups, per regexp.ReplaceAll.
type Rewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// NameMunger holds an ordered list of rewrite rules. The first rule whose
// pattern matches a label wins; a label that matches nothing passes
// through unchanged. This is the only place in the module regex-based
// rewriting happens; it uses the stdlib regexp package (see DESIGN.md for
// why no third-party regex library was used instead).
type NameMunger struct {
	rewrites []Rewrite
}

// NewNameMunger builds a munger from an ordered rule list.
func NewNameMunger(rewrites []Rewrite) *NameMunger {
	return &NameMunger{rewrites: rewrites}
}

// Munge applies the first matching rewrite rule to name, or returns name
// unchanged if none match.
func (m *NameMunger) Munge(name string) string {
	if m == nil {
		return name
	}
	for _, rw := range m.rewrites {
		if rw.Pattern.MatchString(name) {
			return rw.Pattern.ReplaceAllString(name, rw.Replacement)
		}
	}
	return name
}
