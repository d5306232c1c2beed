// Package dialect adapts planner output to a concrete target engine: function
// renames, array literal syntax, and identifier quote normalization. The
// conversion is idempotent and semantics-preserving; unknown constructs pass
// through untouched.
package dialect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/formatter"
	"github.com/shibukawa/semql/tokenizer"
)

// bareIdentRe validates identifiers that survive without quoting after quote
// normalization. Compiled once; conversion runs on every plan.
var bareIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// functionRenames maps engine-specific function spellings per dialect.
var functionRenames = map[semql.Dialect]map[string]string{
	semql.DialectPostgres: {
		"generate_array": "generate_series",
		"array_length":   "cardinality",
	},
	semql.DialectDuckDB: {
		"generate_array": "generate_series",
		"array_length":   "len",
	},
	semql.DialectMySQL: {
		"generate_array": "json_array",
	},
	semql.DialectSQLite: {},
}

// Convert rewrites sql for the target dialect. The empty dialect defaults to
// postgres; unknown dialects fail with ErrUnsupportedDialect.
func Convert(sql string, d semql.Dialect) (string, error) {
	if d == "" {
		d = semql.DialectPostgres
	}

	renames, ok := functionRenames[d]
	if !ok {
		return "", fmt.Errorf("%w: %q", semql.ErrUnsupportedDialect, d)
	}

	tokens, err := tokenizer.Tokenize(sql)
	if err != nil {
		// Dialect conversion is a best-effort final pass; statements the
		// tokenizer cannot handle pass through untouched.
		return sql, nil
	}

	out := make([]tokenizer.Token, 0, len(tokens))

	for pos := 0; pos < len(tokens); pos++ {
		token := tokens[pos]

		switch token.Type {
		case tokenizer.IDENTIFIER:
			if pos+1 < len(tokens) && tokens[pos+1].Type == tokenizer.OPENED_PARENS {
				if renamed, ok := renames[strings.ToLower(token.Value)]; ok {
					token.Value = renamed
				}
			}

			// ARRAY[...] for engines without native array literals
			if strings.EqualFold(token.Value, "ARRAY") &&
				pos+1 < len(tokens) && tokens[pos+1].Type == tokenizer.OTHER && tokens[pos+1].Value == "[" &&
				!d.HasFeature(semql.FeatureArrayLiteral) {
				converted, next := convertArrayLiteral(tokens, pos)
				out = append(out, converted...)
				pos = next - 1
				continue
			}

		case tokenizer.QUOTED_IDENTIFIER:
			token = normalizeQuote(token, d)
		}

		out = append(out, token)
	}

	return formatter.Render(out), nil
}

// normalizeQuote converts identifier quoting to the dialect's convention:
// backticks for MySQL, double quotes elsewhere. Identifiers that are bare-safe
// keep their quotes; quoting carries case sensitivity.
func normalizeQuote(token tokenizer.Token, d semql.Dialect) tokenizer.Token {
	name := token.Identifier()

	if d.HasFeature(semql.FeatureBacktickQuote) {
		token.Value = "`" + strings.ReplaceAll(name, "`", "``") + "`"
		return token
	}

	token.Value = `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	return token
}

// convertArrayLiteral rewrites ARRAY[a, b] into json_array(a, b) and returns
// the converted tokens plus the index after the closing bracket.
func convertArrayLiteral(tokens []tokenizer.Token, pos int) ([]tokenizer.Token, int) {
	out := []tokenizer.Token{
		{Type: tokenizer.IDENTIFIER, Value: "json_array", Position: tokens[pos].Position},
		{Type: tokenizer.OPENED_PARENS, Value: "(", Position: tokens[pos].Position},
	}

	pos += 2 // skip ARRAY and [

	depth := 1
	for ; pos < len(tokens); pos++ {
		token := tokens[pos]
		if token.Type == tokenizer.OTHER && token.Value == "[" {
			depth++
		}
		if token.Type == tokenizer.OTHER && token.Value == "]" {
			depth--
			if depth == 0 {
				out = append(out, tokenizer.Token{Type: tokenizer.CLOSED_PARENS, Value: ")", Position: token.Position})
				return out, pos + 1
			}
		}
		out = append(out, token)
	}

	return out, pos
}

// IsValidIdentifier reports whether name needs no quoting in any supported
// dialect.
func IsValidIdentifier(name string) bool {
	return bareIdentRe.MatchString(name) && !tokenizer.IsReservedWord(name)
}
