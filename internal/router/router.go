package router

import (
	"sort"
	"strings"

	"github.com/fabian4/webfront-go/internal/config"
)

// Table dispatches a request path to a route. Rules are held sorted by
// prefix length descending; the stable sort keeps declaration order for
// equal-length prefixes, so a linear scan gives longest-prefix-wins with
// declaration order breaking ties.
type Table struct {
	rules []config.Route
}

func New(routes []config.Route) *Table {
	rules := make([]config.Route, len(routes))
	copy(rules, routes)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].PathPrefix) > len(rules[j].PathPrefix)
	})
	return &Table{rules: rules}
}

// Match returns the route for path, or nil when no rule matches. Prefixes
// are plain string prefixes, like nginx prefix locations: "/static/"
// matches "/static/app.css" but not "/static". With the mandatory "/"
// catch-all in place Match never returns nil.
func (t *Table) Match(path string) *config.Route {
	for i := range t.rules {
		if strings.HasPrefix(path, t.rules[i].PathPrefix) {
			return &t.rules[i]
		}
	}
	return nil
}
