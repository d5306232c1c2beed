package lineage

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/testhelper"
)

func buildGraph(t *testing.T) *Graph {
	t.Helper()

	g, err := New(testhelper.AnalyzedOrdersManifest(t))
	assert.NoError(t, err)

	return g
}

func TestRequiredFieldsPhysicalColumn(t *testing.T) {
	g := buildGraph(t)

	fields, err := g.RequiredFields([]ColumnKey{{Object: "Orders", Column: "orderkey"}})
	assert.NoError(t, err)

	assert.Equal(t, []ObjectFields{
		{Object: "Orders", Columns: []string{"orderkey"}},
	}, fields)
}

func TestRequiredFieldsToOneCalculated(t *testing.T) {
	g := buildGraph(t)

	fields, err := g.RequiredFields([]ColumnKey{{Object: "Orders", Column: "customer_name"}})
	assert.NoError(t, err)

	// Customer precedes Orders: the Orders CTE joins the Customer CTE.
	assert.Equal(t, []ObjectFields{
		{Object: "Customer", Columns: []string{"custkey", "name"}},
		{Object: "Orders", Columns: []string{"custkey"}},
	}, fields)
}

func TestRequiredFieldsToManyAggregate(t *testing.T) {
	g := buildGraph(t)

	fields, err := g.RequiredFields([]ColumnKey{{Object: "Customer", Column: "total_price"}})
	assert.NoError(t, err)

	assert.Equal(t, []ObjectFields{
		{Object: "Orders", Columns: []string{"custkey", "totalprice"}},
		{Object: "Customer", Columns: []string{"custkey"}},
	}, fields)
}

func TestRequiredFieldsUnionAcrossInputs(t *testing.T) {
	g := buildGraph(t)

	fields, err := g.RequiredFields([]ColumnKey{
		{Object: "Orders", Column: "orderkey"},
		{Object: "Orders", Column: "totalprice"},
	})
	assert.NoError(t, err)

	assert.Equal(t, []ObjectFields{
		{Object: "Orders", Columns: []string{"orderkey", "totalprice"}},
	}, fields)
}

func TestRequiredFieldsObjectCycle(t *testing.T) {
	g := buildGraph(t)

	// Each calculated column alone is fine; requesting both closes the
	// Orders -> Customer -> Orders materialization cycle.
	_, err := g.RequiredFields([]ColumnKey{
		{Object: "Orders", Column: "customer_name"},
		{Object: "Customer", Column: "total_price"},
	})
	assert.IsError(t, err, semql.ErrCycle)
}

func TestRequiredFieldsColumnCycle(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Models[0].Columns = append(m.Models[0].Columns,
		&manifest.Column{Name: "a", Type: "INT", IsCalculated: true, Expression: "b + 1"},
		&manifest.Column{Name: "b", Type: "INT", IsCalculated: true, Expression: "a + 1"},
	)

	am, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err) // cycles are legal to declare

	g, err := New(am)
	assert.NoError(t, err)

	_, err = g.RequiredFields([]ColumnKey{{Object: "Orders", Column: "a"}})
	assert.IsError(t, err, semql.ErrCycle)

	var cycleErr *CycleError
	assert.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, "Orders", cycleErr.Column.Object)
}

func TestRequiredFieldsUnknownColumn(t *testing.T) {
	g := buildGraph(t)

	_, err := g.RequiredFields([]ColumnKey{{Object: "Orders", Column: "nope"}})
	assert.IsError(t, err, semql.ErrUnknownColumn)
}

func TestSourceColumnsIsShallow(t *testing.T) {
	g := buildGraph(t)

	fields, err := g.SourceColumns(ColumnKey{Object: "Orders", Column: "customer_name"})
	assert.NoError(t, err)

	assert.Equal(t, []ObjectFields{
		{Object: "Customer", Columns: []string{"custkey", "name"}},
		{Object: "Orders", Columns: []string{"custkey"}},
	}, fields)
}

func TestMetricColumnsResolveAgainstBase(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Metrics = []*manifest.Metric{
		{
			Name:       "Revenue",
			BaseObject: "Orders",
			Dimensions: []*manifest.Column{{Name: "custkey", Type: "INT"}},
			Measures:   []*manifest.Column{{Name: "revenue", Type: "INT", IsCalculated: true, Expression: "sum(totalprice)"}},
		},
	}

	am, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	g, err := New(am)
	assert.NoError(t, err)

	fields, err := g.RequiredFields([]ColumnKey{
		{Object: "Revenue", Column: "custkey"},
		{Object: "Revenue", Column: "revenue"},
	})
	assert.NoError(t, err)

	assert.Equal(t, []ObjectFields{
		{Object: "Orders", Columns: []string{"custkey", "totalprice"}},
		{Object: "Revenue", Columns: []string{}},
	}, fields)
}
