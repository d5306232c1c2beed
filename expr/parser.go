package expr

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/formatter"
	"github.com/shibukawa/semql/tokenizer"
)

// Parse parses a calculated-field expression or scalar SQL fragment. It is
// total: invalid input returns an error wrapping semql.ErrParse, and work is
// linear in the input size.
func Parse(input string) (Node, error) {
	tokens, err := tokenizer.Tokenize(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", semql.ErrParse, err)
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty expression", semql.ErrParse)
	}

	p := &parser{tokens: tokens}

	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if !p.eof() {
		return nil, p.errorf("unexpected token %q", p.peek().Value)
	}

	return node, nil
}

type parser struct {
	tokens []tokenizer.Token
	pos    int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.tokens)
}

func (p *parser) peek() tokenizer.Token {
	if p.eof() {
		return tokenizer.Token{Type: tokenizer.EOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) tokenizer.Token {
	if p.pos+offset >= len(p.tokens) {
		return tokenizer.Token{Type: tokenizer.EOF}
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) next() tokenizer.Token {
	token := p.peek()
	p.pos++
	return token
}

func (p *parser) matchType(tokenType tokenizer.TokenType) bool {
	if p.peek().Type == tokenType {
		p.pos++
		return true
	}
	return false
}

func (p *parser) matchKeyword(word string) bool {
	if p.peek().IsKeyword(word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectType(tokenType tokenizer.TokenType, what string) (tokenizer.Token, error) {
	token := p.peek()
	if token.Type != tokenType {
		return tokenizer.Token{}, p.errorf("expected %s, found %q", what, token.Value)
	}
	p.pos++
	return token, nil
}

func (p *parser) expectKeyword(word string) error {
	if !p.matchKeyword(word) {
		return p.errorf("expected %s, found %q", word, p.peek().Value)
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	token := p.peek()
	suffix := fmt.Sprintf(" at line %d, column %d", token.Position.Line, token.Position.Column)
	if token.Type == tokenizer.EOF {
		suffix = " at end of expression"
	}
	return fmt.Errorf("%w: %s%s", semql.ErrParse, fmt.Sprintf(format, args...), suffix)
}

// parseExpr is the entry point: OR has the lowest precedence.
func (p *parser) parseExpr() (Node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.matchKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "OR", Left: left, Right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.matchKeyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", Left: left, Right: right}
	}

	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	// NOT binds tighter than AND but looser than comparisons, except for the
	// postfix forms (NOT IN, NOT LIKE, NOT BETWEEN) handled in parseComparison.
	if p.peek().IsKeyword("NOT") && !p.peekAt(1).IsKeyword("IN") && !p.peekAt(1).IsKeyword("LIKE") && !p.peekAt(1).IsKeyword("BETWEEN") {
		p.pos++

		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return &Unary{Op: "NOT", Operand: operand}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		token := p.peek()

		switch token.Type {
		case tokenizer.EQUAL, tokenizer.NOT_EQUAL, tokenizer.LESS_THAN,
			tokenizer.LESS_EQUAL, tokenizer.GREATER_THAN, tokenizer.GREATER_EQUAL:
			p.pos++

			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			left = &Binary{Op: canonicalOp(token), Left: left, Right: right}
			continue
		}

		negated := false
		if token.IsKeyword("NOT") && (p.peekAt(1).IsKeyword("IN") || p.peekAt(1).IsKeyword("LIKE") || p.peekAt(1).IsKeyword("BETWEEN")) {
			negated = true
			p.pos++
			token = p.peek()
		}

		switch {
		case token.IsKeyword("LIKE"):
			p.pos++

			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			op := "LIKE"
			if negated {
				op = "NOT LIKE"
			}
			left = &Binary{Op: op, Left: left, Right: right}
			continue
		case token.IsKeyword("BETWEEN"):
			p.pos++

			low, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("AND"); err != nil {
				return nil, err
			}
			high, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			left = &Between{Expr: left, Low: low, High: high, Not: negated}
			continue
		case token.IsKeyword("IN"):
			p.pos++

			items, err := p.parseInItems()
			if err != nil {
				return nil, err
			}

			left = &InList{Expr: left, Items: items, Not: negated}
			continue
		case token.IsKeyword("IS"):
			p.pos++

			isNot := p.matchKeyword("NOT")
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}

			left = &IsNull{Expr: left, Not: isNot}
			continue
		}

		return left, nil
	}
}

func (p *parser) parseInItems() ([]Node, error) {
	if _, err := p.expectType(tokenizer.OPENED_PARENS, "'('"); err != nil {
		return nil, err
	}

	if p.peek().IsKeyword("SELECT") || p.peek().IsKeyword("WITH") {
		sub, err := p.captureSubquery()
		if err != nil {
			return nil, err
		}
		return []Node{sub}, nil
	}

	var items []Node
	for {
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)

		if p.matchType(tokenizer.COMMA) {
			continue
		}
		break
	}

	if _, err := p.expectType(tokenizer.CLOSED_PARENS, "')'"); err != nil {
		return nil, err
	}

	return items, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().Type {
		case tokenizer.PLUS, tokenizer.MINUS, tokenizer.CONCAT:
			token := p.next()

			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}

			left = &Binary{Op: token.Value, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().Type {
		case tokenizer.MULTIPLY, tokenizer.DIVIDE, tokenizer.MODULO:
			token := p.next()

			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}

			left = &Binary{Op: token.Value, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (Node, error) {
	switch p.peek().Type {
	case tokenizer.MINUS, tokenizer.PLUS:
		token := p.next()

		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &Unary{Op: token.Value, Operand: operand}, nil
	}

	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	token := p.peek()

	switch {
	case token.Type == tokenizer.NUMBER:
		p.pos++

		number, err := decimal.NewFromString(token.Value)
		if err != nil {
			return nil, p.errorf("invalid number %q", token.Value)
		}

		return &Literal{Kind: LiteralNumber, Number: number}, nil

	case token.Type == tokenizer.STRING:
		p.pos++
		return &Literal{Kind: LiteralString, Text: unquoteString(token.Value)}, nil

	case token.IsKeyword("TRUE"):
		p.pos++
		return &Literal{Kind: LiteralBool, Bool: true}, nil

	case token.IsKeyword("FALSE"):
		p.pos++
		return &Literal{Kind: LiteralBool, Bool: false}, nil

	case token.IsKeyword("NULL"):
		p.pos++
		return &Literal{Kind: LiteralNull}, nil

	case token.IsKeyword("CASE"):
		return p.parseCase()

	case token.IsKeyword("CAST"):
		return p.parseCast()

	case token.Type == tokenizer.OPENED_PARENS:
		if p.peekAt(1).IsKeyword("SELECT") || p.peekAt(1).IsKeyword("WITH") {
			p.pos++
			return p.captureSubquery()
		}

		p.pos++

		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}

		if _, err := p.expectType(tokenizer.CLOSED_PARENS, "')'"); err != nil {
			return nil, err
		}

		return &Paren{Expr: inner}, nil

	case token.IsIdentifier():
		if p.peekAt(1).Type == tokenizer.OPENED_PARENS && token.Type == tokenizer.IDENTIFIER {
			return p.parseFuncCall()
		}
		return p.parseColumnRef()
	}

	return nil, p.errorf("unexpected token %q", token.Value)
}

func (p *parser) parseCase() (Node, error) {
	p.pos++ // CASE

	result := &Case{}

	if !p.peek().IsKeyword("WHEN") {
		operand, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		result.Operand = operand
	}

	for p.matchKeyword("WHEN") {
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}

		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}

		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}

		result.Whens = append(result.Whens, When{Cond: cond, Result: value})
	}

	if len(result.Whens) == 0 {
		return nil, p.errorf("CASE requires at least one WHEN arm")
	}

	if p.matchKeyword("ELSE") {
		elseExpr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		result.Else = elseExpr
	}

	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}

	return result, nil
}

func (p *parser) parseCast() (Node, error) {
	p.pos++ // CAST

	if _, err := p.expectType(tokenizer.OPENED_PARENS, "'('"); err != nil {
		return nil, err
	}

	inner, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}

	// The type name runs to the closing parenthesis and may carry its own
	// parenthesized arguments, e.g. DECIMAL(10, 2).
	var typeTokens []tokenizer.Token
	depth := 0
	for {
		token := p.peek()
		if token.Type == tokenizer.EOF {
			return nil, p.errorf("unterminated CAST")
		}
		if token.Type == tokenizer.CLOSED_PARENS && depth == 0 {
			p.pos++
			break
		}
		if token.Type == tokenizer.OPENED_PARENS {
			depth++
		}
		if token.Type == tokenizer.CLOSED_PARENS {
			depth--
		}
		if token.Type == tokenizer.IDENTIFIER {
			token.Value = strings.ToUpper(token.Value)
		}
		typeTokens = append(typeTokens, token)
		p.pos++
	}

	if len(typeTokens) == 0 {
		return nil, p.errorf("CAST requires a type name")
	}

	return &Cast{Expr: inner, Type: formatter.Render(typeTokens)}, nil
}

func (p *parser) parseFuncCall() (Node, error) {
	name := p.next().Value
	p.pos++ // (

	call := &FuncCall{Name: name}

	if p.peek().Type == tokenizer.MULTIPLY {
		p.pos++
		call.Star = true

		if _, err := p.expectType(tokenizer.CLOSED_PARENS, "')'"); err != nil {
			return nil, err
		}
		return call, nil
	}

	if p.matchType(tokenizer.CLOSED_PARENS) {
		return call, nil
	}

	call.Distinct = p.matchKeyword("DISTINCT")

	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)

		if p.matchType(tokenizer.COMMA) {
			continue
		}
		break
	}

	if _, err := p.expectType(tokenizer.CLOSED_PARENS, "')'"); err != nil {
		return nil, err
	}

	return call, nil
}

func (p *parser) parseColumnRef() (Node, error) {
	ref := &ColumnRef{}

	for {
		token := p.peek()
		if !token.IsIdentifier() {
			return nil, p.errorf("expected identifier, found %q", token.Value)
		}
		p.pos++

		ref.Parts = append(ref.Parts, token.Identifier())
		ref.Quoted = append(ref.Quoted, token.Type == tokenizer.QUOTED_IDENTIFIER)

		if p.peek().Type == tokenizer.DOT {
			p.pos++
			continue
		}
		break
	}

	return ref, nil
}

// captureSubquery consumes a balanced (SELECT ...) body. The opening
// parenthesis has already been consumed.
func (p *parser) captureSubquery() (Node, error) {
	start := p.pos
	depth := 0

	for {
		token := p.peek()
		if token.Type == tokenizer.EOF {
			return nil, p.errorf("unterminated subquery")
		}
		if token.Type == tokenizer.OPENED_PARENS {
			depth++
		}
		if token.Type == tokenizer.CLOSED_PARENS {
			if depth == 0 {
				body := p.tokens[start:p.pos]
				p.pos++
				return &Subquery{Body: formatter.Render(body)}, nil
			}
			depth--
		}
		p.pos++
	}
}

func canonicalOp(token tokenizer.Token) string {
	if token.Type == tokenizer.NOT_EQUAL {
		return "<>"
	}
	return token.Value
}

func unquoteString(value string) string {
	if len(value) < 2 {
		return value
	}

	body := value[1 : len(value)-1]
	var builder []byte

	for i := 0; i < len(body); i++ {
		if body[i] == '\'' && i+1 < len(body) && body[i+1] == '\'' {
			builder = append(builder, '\'')
			i++
			continue
		}
		if body[i] == '\\' && i+1 < len(body) {
			builder = append(builder, body[i+1])
			i++
			continue
		}
		builder = append(builder, body[i])
	}

	return string(builder)
}
