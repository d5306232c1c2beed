package tokenizer

import "strings"

// KeywordSet lists SQL reserved words recognized by the tokenizer (upper-case).
// The set covers the query-syntax keywords the planner needs to recognize; it
// is not a complete reserved-word list of any engine. Bare identifiers matching
// an entry tokenize as RESERVED. Quoting always yields an
// identifier regardless of this set.
var KeywordSet = map[string]struct{}{
	"ALL": {}, "AND": {}, "ANY": {}, "AS": {}, "ASC": {}, "BETWEEN": {}, "BY": {},
	"CASE": {}, "CAST": {}, "CROSS": {}, "CURRENT_DATE": {}, "CURRENT_TIME": {},
	"CURRENT_TIMESTAMP": {}, "DESC": {}, "DISTINCT": {}, "ELSE": {}, "END": {},
	"EXCEPT": {}, "EXISTS": {}, "FALSE": {}, "FILTER": {}, "FOLLOWING": {},
	"FOR": {}, "FROM": {}, "FULL": {}, "GROUP": {}, "HAVING": {}, "IN": {},
	"INNER": {}, "INTERSECT": {}, "INTERVAL": {}, "IS": {}, "JOIN": {},
	"LATERAL": {}, "LEFT": {}, "LIKE": {}, "LIMIT": {}, "NATURAL": {}, "NOT": {},
	"NULL": {}, "OFFSET": {}, "ON": {}, "OR": {}, "ORDER": {}, "OUTER": {},
	"OVER": {}, "PARTITION": {}, "PRECEDING": {}, "RANGE": {}, "RIGHT": {},
	"ROW": {}, "ROWS": {}, "SELECT": {}, "THEN": {}, "TRUE": {}, "UNBOUNDED": {},
	"UNION": {}, "USING": {}, "VALUES": {}, "WHEN": {}, "WHERE": {}, "WINDOW": {},
	"WITH": {},
}

// IsReservedWord reports whether word is a reserved keyword, case-insensitively.
func IsReservedWord(word string) bool {
	_, ok := KeywordSet[strings.ToUpper(word)]
	return ok
}
