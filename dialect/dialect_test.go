package dialect

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/semql"
)

func TestConvertFunctionRenames(t *testing.T) {
	tests := []struct {
		name     string
		dialect  semql.Dialect
		input    string
		expected string
	}{
		{
			name:     "generate_array to generate_series",
			dialect:  semql.DialectPostgres,
			input:    "SELECT generate_array(1, 10)",
			expected: "SELECT generate_series(1, 10)",
		},
		{
			name:     "array_length to cardinality",
			dialect:  semql.DialectPostgres,
			input:    "SELECT array_length(xs)",
			expected: "SELECT cardinality(xs)",
		},
		{
			name:     "unknown functions pass through",
			dialect:  semql.DialectPostgres,
			input:    "SELECT my_custom_fn(1)",
			expected: "SELECT my_custom_fn(1)",
		},
		{
			name:     "bare identifier is not a function",
			dialect:  semql.DialectPostgres,
			input:    "SELECT generate_array FROM t",
			expected: "SELECT generate_array FROM t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := Convert(tt.input, tt.dialect)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, output)
		})
	}
}

func TestConvertQuoteNormalization(t *testing.T) {
	output, err := Convert("SELECT `name` FROM `Orders`", semql.DialectPostgres)
	assert.NoError(t, err)
	assert.Equal(t, `SELECT "name" FROM "Orders"`, output)

	output, err = Convert(`SELECT "name" FROM "Orders"`, semql.DialectMySQL)
	assert.NoError(t, err)
	assert.Equal(t, "SELECT `name` FROM `Orders`", output)
}

func TestConvertArrayLiteral(t *testing.T) {
	output, err := Convert("SELECT ARRAY[1, 2, 3]", semql.DialectMySQL)
	assert.NoError(t, err)
	assert.Equal(t, "SELECT json_array(1, 2, 3)", output)

	// engines with native array literals keep them
	output, err = Convert("SELECT ARRAY[1, 2, 3]", semql.DialectPostgres)
	assert.NoError(t, err)
	assert.Equal(t, "SELECT ARRAY[1, 2, 3]", output)
}

func TestConvertIsIdempotent(t *testing.T) {
	inputs := []string{
		"SELECT generate_array(1, 10)",
		"SELECT ARRAY[1, 2] FROM `t`",
		`WITH "Orders" AS (SELECT orderkey FROM tpch.orders) SELECT * FROM "Orders"`,
	}

	for _, dialect := range []semql.Dialect{semql.DialectPostgres, semql.DialectDuckDB, semql.DialectMySQL, semql.DialectSQLite} {
		for _, input := range inputs {
			once, err := Convert(input, dialect)
			assert.NoError(t, err)

			twice, err := Convert(once, dialect)
			assert.NoError(t, err)
			assert.Equal(t, once, twice)
		}
	}
}

func TestConvertUnsupportedDialect(t *testing.T) {
	_, err := Convert("SELECT 1", semql.Dialect("oracle"))
	assert.IsError(t, err, semql.ErrUnsupportedDialect)
}

func TestConvertDefaultsToPostgres(t *testing.T) {
	output, err := Convert("SELECT generate_array(1, 3)", "")
	assert.NoError(t, err)
	assert.Equal(t, "SELECT generate_series(1, 3)", output)
}
