package expr

import "strings"

// aggregateFuncs is the fixed set of aggregate function names. Traversal does
// not stop at aggregates; the flag only matters for join planning.
var aggregateFuncs = map[string]struct{}{
	"sum":        {},
	"count":      {},
	"avg":        {},
	"min":        {},
	"max":        {},
	"count_if":   {},
	"stddev":     {},
	"stddev_pop": {},
	"variance":   {},
	"var_pop":    {},
	"array_agg":  {},
	"string_agg": {},
	"bool_and":   {},
	"bool_or":    {},
}

// IsAggregateFunc reports whether name is an aggregate function,
// case-insensitively.
func IsAggregateFunc(name string) bool {
	_, ok := aggregateFuncs[strings.ToLower(name)]
	return ok
}
