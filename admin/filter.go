package admin

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TableFilter matches transactions by their destination tables using glob patterns
type TableFilter struct {
	tableGlobs []glob.Glob
}

// NewTableFilter compiles the patterns. Empty patterns match everything.
func NewTableFilter(patterns ...string) (*TableFilter, error) {
	filter := &TableFilter{tableGlobs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}
	return filter, nil
}

// Match returns true if any table matches. With no patterns everything
// matches, including transactions that have not written yet.
func (f *TableFilter) Match(tables []string) bool {
	if len(f.tableGlobs) == 0 {
		return true
	}
	for _, table := range tables {
		for _, g := range f.tableGlobs {
			if g.Match(table) {
				return true
			}
		}
	}
	return false
}
