package planner

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/testhelper"
)

func TestValidateColumnIsValid(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	tests := []struct {
		name     string
		params   map[string]string
		expected ValidationStatus
	}{
		{
			name:     "physical column",
			params:   map[string]string{"model": "Orders", "column": "orderkey"},
			expected: StatusPass,
		},
		{
			name:     "calculated column",
			params:   map[string]string{"model": "Orders", "column": "customer_name"},
			expected: StatusPass,
		},
		{
			name:     "missing column",
			params:   map[string]string{"model": "Orders", "column": "nope"},
			expected: StatusFail,
		},
		{
			name:     "missing model",
			params:   map[string]string{"model": "Nope", "column": "orderkey"},
			expected: StatusFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := Validate("column_is_valid", tt.params, am)
			assert.NoError(t, err)
			assert.Equal(t, 1, len(results))
			assert.Equal(t, tt.expected, results[0].Status)
		})
	}
}

func TestValidateUnknownRule(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	_, err := Validate("no_such_rule", nil, am)
	assert.IsError(t, err, semql.ErrUnknownRule)
}

func TestValidateMissingParameter(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	_, err := Validate("column_is_valid", map[string]string{"model": "Orders"}, am)
	assert.IsError(t, err, semql.ErrRuleParameter)
}

func TestValidateRelationship(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	results, err := Validate("relationship_is_valid", map[string]string{"name": "OrdersCustomer"}, am)
	assert.NoError(t, err)
	assert.Equal(t, StatusPass, results[0].Status)

	results, err = Validate("relationship_is_valid", map[string]string{"name": "Nope"}, am)
	assert.NoError(t, err)
	assert.Equal(t, StatusFail, results[0].Status)
}

func TestRunCustomRules(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	rules := []semql.CustomRule{
		{
			Name:       "has_models",
			Expression: "size(manifest.models) > 0",
		},
		{
			Name:       "catalog_is_named",
			Expression: `manifest.catalog == "wrong"`,
			Message:    "catalog must be wrong",
		},
		{
			Name:       "broken",
			Expression: "this is not CEL",
		},
	}

	results, err := RunCustomRules(rules, am)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(results))

	assert.Equal(t, StatusPass, results[0].Status)
	assert.Equal(t, StatusFail, results[1].Status)
	assert.Equal(t, "catalog must be wrong", results[1].Message)
	assert.Equal(t, StatusError, results[2].Status)
}
