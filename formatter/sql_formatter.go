// Package formatter renders token streams back into canonical SQL text. It is
// the single source of truth for spacing, keyword casing, and identifier
// quoting, so that identical inputs always produce byte-identical SQL.
package formatter

import (
	"regexp"
	"strings"

	"github.com/shibukawa/semql/tokenizer"
)

// bareIdentRe matches identifiers that may appear unquoted.
var bareIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdent returns name quoted for use as a SQL identifier. Names that are
// valid bare identifiers and not reserved words are returned as written;
// everything else is wrapped in double quotes with embedded quotes doubled.
func QuoteIdent(name string) string {
	if bareIdentRe.MatchString(name) && !tokenizer.IsReservedWord(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// MustQuote always wraps name in double quotes. Generated CTE names use this
// so that logical object names survive case-sensitively in any engine.
func MustQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuotePath quotes a dotted identifier path part by part.
func QuotePath(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = QuoteIdent(part)
	}
	return strings.Join(quoted, ".")
}

// Render joins significant tokens into canonical SQL text. Keywords are
// upper-cased, identifiers keep their case, and spacing follows fixed rules so
// the output is deterministic.
func Render(tokens []tokenizer.Token) string {
	var builder strings.Builder

	var prev *tokenizer.Token
	for i := range tokens {
		token := tokens[i]
		if token.Type == tokenizer.WHITESPACE || token.Type == tokenizer.LINE_COMMENT || token.Type == tokenizer.BLOCK_COMMENT {
			continue
		}

		if prev != nil && needsSpace(*prev, token) {
			builder.WriteByte(' ')
		}

		builder.WriteString(tokenText(token))

		prev = &tokens[i]
	}

	return builder.String()
}

func tokenText(token tokenizer.Token) string {
	if token.Type == tokenizer.RESERVED {
		return strings.ToUpper(token.Value)
	}
	return token.Value
}

// needsSpace decides whether a single space separates prev and next.
func needsSpace(prev, next tokenizer.Token) bool {
	switch next.Type {
	case tokenizer.COMMA, tokenizer.CLOSED_PARENS, tokenizer.SEMICOLON, tokenizer.DOT:
		return false
	}

	switch prev.Type {
	case tokenizer.OPENED_PARENS, tokenizer.DOT:
		return false
	}

	// array subscripts and literals hug their brackets
	if next.Type == tokenizer.OTHER && next.Value == "]" {
		return false
	}
	if prev.Type == tokenizer.OTHER && prev.Value == "[" {
		return false
	}
	if next.Type == tokenizer.OTHER && next.Value == "[" {
		switch prev.Type {
		case tokenizer.IDENTIFIER, tokenizer.QUOTED_IDENTIFIER:
			return false
		}
	}

	if next.Type == tokenizer.OPENED_PARENS {
		// function calls and qualified names hug their parenthesis; keywords
		// such as IN or VALUES keep a space before the group
		switch prev.Type {
		case tokenizer.IDENTIFIER, tokenizer.QUOTED_IDENTIFIER:
			return false
		}
		// CAST(expr AS type) is call-shaped despite being a keyword
		if prev.IsKeyword("CAST") {
			return false
		}
	}

	return true
}

// RenderSQL tokenizes input and renders it canonically. Inputs that fail to
// tokenize are returned unchanged.
func RenderSQL(input string) string {
	tokens, err := tokenizer.Tokenize(input)
	if err != nil {
		return input
	}
	return Render(tokens)
}
