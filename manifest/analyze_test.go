package manifest_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/testhelper"
)

func TestAnalyzeFixture(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	model, ok := am.Model("Orders")
	assert.True(t, ok)
	assert.Equal(t, "orderkey", model.PrimaryKey)

	_, ok = am.Model("Nope")
	assert.False(t, ok)

	rel, ok := am.Relationship("OrdersCustomer")
	assert.True(t, ok)
	assert.Equal(t, manifest.ManyToOne, rel.JoinType)

	catalog, schema := am.CatalogSchemaPrefix()
	assert.Equal(t, "semql", catalog)
	assert.Equal(t, "tpch", schema)

	assert.Equal(t, 2, len(am.ListModels()))
}

func TestAnalyzeDuplicateName(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Views = []*manifest.View{{Name: "Orders", Statement: "SELECT 1"}}

	_, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.IsError(t, err, semql.ErrDuplicateName)
}

func TestAnalyzeOriginExactlyOne(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Models[0].BaseObject = "Customer" // refSql already set

	_, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.IsError(t, err, semql.ErrInvalidOrigin)

	m = testhelper.OrdersManifest(t)
	m.Models[0].RefSQL = ""

	_, err = manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.IsError(t, err, semql.ErrInvalidOrigin)
}

func TestAnalyzeUnknownBaseObject(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Metrics = []*manifest.Metric{{Name: "M", BaseObject: "Nope"}}

	_, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.IsError(t, err, semql.ErrUnknownObject)
}

func TestAnalyzeUnknownRelationship(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Models[0].Columns[4].Relationship = "Nope"

	_, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.IsError(t, err, semql.ErrUnknownRelationship)
}

func TestAnalyzeRelationshipConditionColumns(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Relationships[0].Condition = "Orders.custkey = Customer.missing"

	_, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.IsError(t, err, semql.ErrUnknownColumn)
}

func TestAnalyzeWindowBounds(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.CumulativeMetrics = []*manifest.CumulativeMetric{
		{
			Name:       "Cm",
			BaseObject: "Orders",
			Measure:    manifest.Measure{Name: "m", Operator: "sum", RefColumn: "totalprice"},
			Window: manifest.Window{
				Name: "day", RefColumn: "orderdate", TimeUnit: manifest.UnitDay,
				Start: "2024-12-31", End: "2024-01-01",
			},
		},
	}

	_, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.IsError(t, err, semql.ErrInvalidWindow)
}

func TestAnalyzeCalculatedCycleIsLegalToDeclare(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Models[0].Columns = append(m.Models[0].Columns,
		&manifest.Column{Name: "a", Type: "INT", IsCalculated: true, Expression: "b"},
		&manifest.Column{Name: "b", Type: "INT", IsCalculated: true, Expression: "a"},
	)

	_, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)
}

func TestAnalyzeHashIsStructural(t *testing.T) {
	first, err := manifest.Analyze(testhelper.OrdersManifest(t), nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	second, err := manifest.Analyze(testhelper.OrdersManifest(t), nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	assert.Equal(t, first.Hash(), second.Hash())

	changed := testhelper.OrdersManifest(t)
	changed.Models[0].PrimaryKey = "custkey"
	third, err := manifest.Analyze(changed, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	assert.NotEqual(t, first.Hash(), third.Hash())
}
