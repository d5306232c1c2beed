// Package planner rewrites SQL written against the logical catalog into
// executable SQL: it analyzes the incoming statement, builds one CTE per
// referenced catalog object, and splices the CTEs into the statement in
// dependency order.
package planner

import (
	"fmt"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/tokenizer"
)

// TableRef is one table reference found in FROM/JOIN position. Start/End is
// the token span of the dotted name, excluding the alias.
type TableRef struct {
	Start int
	End   int
	// FullEnd extends End past the alias tokens, if any.
	FullEnd int
	Parts   []string
	Alias   string
	// Object is the resolved catalog object name; empty for remote tables.
	Object string
}

// Statement is the token-level model of one SQL statement: the significant
// tokens, the names its own WITH clause declares, and every table reference,
// including those inside subqueries.
type Statement struct {
	Tokens    []tokenizer.Token
	CTENames  map[string]struct{}
	TableRefs []*TableRef
}

// parseStatement tokenizes input and extracts the statement structure. It
// never rejects valid-but-unknown SQL shapes; only tokenizer-level errors are
// reported.
func parseStatement(input string) (*Statement, error) {
	tokens, err := tokenizer.Tokenize(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", semql.ErrParse, err)
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty statement", semql.ErrParse)
	}

	stmt := &Statement{
		Tokens:   tokens,
		CTENames: make(map[string]struct{}),
	}

	stmt.collectCTENames()
	stmt.collectTableRefs()

	return stmt, nil
}

// collectCTENames records the names a leading WITH clause declares so they can
// shadow catalog objects during resolution.
func (s *Statement) collectCTENames() {
	pos := 0
	if pos >= len(s.Tokens) || !s.Tokens[pos].IsKeyword("WITH") {
		return
	}
	pos++

	if pos < len(s.Tokens) && s.Tokens[pos].IsKeyword("RECURSIVE") {
		pos++
	}

	for pos < len(s.Tokens) {
		if !s.Tokens[pos].IsIdentifier() {
			return
		}
		s.CTENames[s.Tokens[pos].Identifier()] = struct{}{}
		pos++

		// optional column list
		if pos < len(s.Tokens) && s.Tokens[pos].Type == tokenizer.OPENED_PARENS {
			pos = skipParens(s.Tokens, pos)
		}

		if pos >= len(s.Tokens) || !s.Tokens[pos].IsKeyword("AS") {
			return
		}
		pos++

		if pos >= len(s.Tokens) || s.Tokens[pos].Type != tokenizer.OPENED_PARENS {
			return
		}
		pos = skipParens(s.Tokens, pos)

		if pos < len(s.Tokens) && s.Tokens[pos].Type == tokenizer.COMMA {
			pos++
			continue
		}
		return
	}
}

// collectTableRefs finds every table factor after FROM and JOIN keywords,
// anywhere in the statement including subqueries.
func (s *Statement) collectTableRefs() {
	for pos := 0; pos < len(s.Tokens); pos++ {
		token := s.Tokens[pos]
		if !token.IsKeyword("FROM") && !token.IsKeyword("JOIN") {
			continue
		}

		next := pos + 1
		for {
			next = s.scanTableFactor(next)

			// comma-separated factor lists only follow FROM
			if token.IsKeyword("FROM") && next < len(s.Tokens) && s.Tokens[next].Type == tokenizer.COMMA {
				next++
				continue
			}
			break
		}
		pos = next - 1
	}
}

// scanTableFactor reads one table factor starting at pos and returns the
// position after it (including its alias). Parenthesized factors (subqueries)
// are skipped here; their inner FROM clauses are found by the outer scan.
func (s *Statement) scanTableFactor(pos int) int {
	if pos >= len(s.Tokens) {
		return pos
	}

	if s.Tokens[pos].Type == tokenizer.OPENED_PARENS {
		return pos + 1
	}

	if !s.Tokens[pos].IsIdentifier() {
		return pos
	}

	ref := &TableRef{Start: pos}

	for {
		ref.Parts = append(ref.Parts, s.Tokens[pos].Identifier())
		pos++

		if pos+1 < len(s.Tokens) && s.Tokens[pos].Type == tokenizer.DOT && s.Tokens[pos+1].IsIdentifier() {
			pos++
			continue
		}
		break
	}
	ref.End = pos

	// table-valued functions are not table references
	if pos < len(s.Tokens) && s.Tokens[pos].Type == tokenizer.OPENED_PARENS {
		return skipParens(s.Tokens, pos)
	}

	pos = s.scanAlias(ref, pos)
	ref.FullEnd = pos

	s.TableRefs = append(s.TableRefs, ref)

	return pos
}

// scanAlias reads an optional [AS] alias after a table factor.
func (s *Statement) scanAlias(ref *TableRef, pos int) int {
	if pos < len(s.Tokens) && s.Tokens[pos].IsKeyword("AS") {
		if pos+1 < len(s.Tokens) && s.Tokens[pos+1].IsIdentifier() {
			ref.Alias = s.Tokens[pos+1].Identifier()
			return pos + 2
		}
		return pos + 1
	}

	if pos < len(s.Tokens) && s.Tokens[pos].Type == tokenizer.IDENTIFIER {
		ref.Alias = s.Tokens[pos].Identifier()
		return pos + 1
	}

	return pos
}

// skipParens advances from an opening parenthesis past its matching close.
func skipParens(tokens []tokenizer.Token, pos int) int {
	depth := 0
	for ; pos < len(tokens); pos++ {
		switch tokens[pos].Type {
		case tokenizer.OPENED_PARENS:
			depth++
		case tokenizer.CLOSED_PARENS:
			depth--
			if depth == 0 {
				return pos + 1
			}
		}
	}
	return pos
}
