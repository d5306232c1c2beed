package tokenizer

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestTokenIterator(t *testing.T) {
	sql := "SELECT id, name FROM users WHERE active = true;"
	tokenizer := NewSQLTokenizer(sql)

	expectedTypes := []TokenType{
		RESERVED, WHITESPACE, IDENTIFIER, COMMA, WHITESPACE, IDENTIFIER, WHITESPACE,
		RESERVED, WHITESPACE, IDENTIFIER, WHITESPACE, RESERVED, WHITESPACE, IDENTIFIER,
		WHITESPACE, EQUAL, WHITESPACE, RESERVED, SEMICOLON, EOF,
	}

	var actualTypes []TokenType
	for token, err := range tokenizer.Tokens() {
		assert.NoError(t, err)

		actualTypes = append(actualTypes, token.Type)

		if token.Type == EOF {
			break
		}
	}

	assert.Equal(t, expectedTypes, actualTypes)
}

func TestTokenIteratorWithOptions(t *testing.T) {
	sql := "SELECT id, name FROM users -- comment\nWHERE active = 1;"
	tokenizer := NewSQLTokenizer(sql, TokenizerOptions{
		SkipWhitespace: true,
		SkipComments:   true,
	})

	expectedTypes := []TokenType{
		RESERVED, IDENTIFIER, COMMA, IDENTIFIER, RESERVED, IDENTIFIER, RESERVED, IDENTIFIER, EQUAL, NUMBER, SEMICOLON, EOF,
	}

	var actualTypes []TokenType
	for token, err := range tokenizer.Tokens() {
		assert.NoError(t, err)

		actualTypes = append(actualTypes, token.Type)

		if token.Type == EOF {
			break
		}
	}

	assert.Equal(t, expectedTypes, actualTypes)
}

func TestBasicTokens(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []Token
	}{
		{
			name:  "operators",
			input: "= <> != <= >= < > + - * / % ||",
			expected: []Token{
				{Type: EQUAL, Value: "="},
				{Type: NOT_EQUAL, Value: "<>"},
				{Type: NOT_EQUAL, Value: "!="},
				{Type: LESS_EQUAL, Value: "<="},
				{Type: GREATER_EQUAL, Value: ">="},
				{Type: LESS_THAN, Value: "<"},
				{Type: GREATER_THAN, Value: ">"},
				{Type: PLUS, Value: "+"},
				{Type: MINUS, Value: "-"},
				{Type: MULTIPLY, Value: "*"},
				{Type: DIVIDE, Value: "/"},
				{Type: MODULO, Value: "%"},
				{Type: CONCAT, Value: "||"},
			},
		},
		{
			name:  "numbers",
			input: "1 2.5 0.25 1e3 1.5E-2",
			expected: []Token{
				{Type: NUMBER, Value: "1"},
				{Type: NUMBER, Value: "2.5"},
				{Type: NUMBER, Value: "0.25"},
				{Type: NUMBER, Value: "1e3"},
				{Type: NUMBER, Value: "1.5E-2"},
			},
		},
		{
			name:  "strings and quoted identifiers",
			input: `'it''s' "Order" ` + "`col`",
			expected: []Token{
				{Type: STRING, Value: "'it''s'"},
				{Type: QUOTED_IDENTIFIER, Value: `"Order"`},
				{Type: QUOTED_IDENTIFIER, Value: "`col`"},
			},
		},
		{
			name:  "punctuation",
			input: "( ) , ; .",
			expected: []Token{
				{Type: OPENED_PARENS, Value: "("},
				{Type: CLOSED_PARENS, Value: ")"},
				{Type: COMMA, Value: ","},
				{Type: SEMICOLON, Value: ";"},
				{Type: DOT, Value: "."},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := Tokenize(tt.input)
			assert.NoError(t, err)
			assert.Equal(t, len(tt.expected), len(tokens))

			for i, expected := range tt.expected {
				assert.Equal(t, expected.Type, tokens[i].Type)
				assert.Equal(t, expected.Value, tokens[i].Value)
			}
		})
	}
}

func TestIdentifierCasePreserved(t *testing.T) {
	tokens, err := Tokenize("SELECT OrderKey FROM Orders")
	assert.NoError(t, err)
	assert.Equal(t, "OrderKey", tokens[1].Value)
	assert.Equal(t, "Orders", tokens[3].Value)
}

func TestQuotedIdentifierUnquote(t *testing.T) {
	tokens, err := Tokenize(`"Or""der"`)
	assert.NoError(t, err)
	assert.Equal(t, QUOTED_IDENTIFIER, tokens[0].Type)
	assert.Equal(t, `Or"der`, tokens[0].Identifier())
}

func TestUnterminatedString(t *testing.T) {
	_, err := Tokenize("'oops")
	assert.IsError(t, err, ErrUnterminatedString)
}

func TestUnterminatedBlockComment(t *testing.T) {
	_, err := NewSQLTokenizer("/* never ends").AllTokens()
	assert.IsError(t, err, ErrUnterminatedComment)
}

func TestKeywordDetectionIsCaseInsensitive(t *testing.T) {
	tokens, err := Tokenize("select From wHeRe")
	assert.NoError(t, err)

	for _, token := range tokens {
		assert.Equal(t, RESERVED, token.Type)
	}
}

func TestLeadingDotNumber(t *testing.T) {
	tokens, err := Tokenize(".5 a.b")
	assert.NoError(t, err)
	assert.Equal(t, NUMBER, tokens[0].Type)
	assert.Equal(t, ".5", tokens[0].Value)
	assert.Equal(t, DOT, tokens[2].Type)
}
