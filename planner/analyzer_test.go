package planner

import (
	"sort"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/testhelper"
)

func analyze(t *testing.T, sql string) *Analysis {
	t.Helper()

	am := testhelper.AnalyzedOrdersManifest(t)

	stmt, err := parseStatement(sql)
	assert.NoError(t, err)

	analysis, err := analyzeStatement(stmt, fixtureSession(), am)
	assert.NoError(t, err)

	return analysis
}

func TestAnalyzeCollectsReferencedObjects(t *testing.T) {
	analysis := analyze(t, "SELECT orderkey FROM Orders JOIN Customer ON Orders.custkey = Customer.custkey")

	assert.Equal(t, []string{"Orders", "Customer"}, analysis.Objects)
	assert.Equal(t, []string{"custkey", "orderkey"}, sortedCopy(analysis.Columns["Orders"]))
	assert.Equal(t, []string{"custkey"}, analysis.Columns["Customer"])
}

func TestAnalyzeAliasScopes(t *testing.T) {
	analysis := analyze(t, "SELECT o.totalprice FROM Orders o")

	assert.Equal(t, "Orders", analysis.Scopes["o"])
	assert.Equal(t, []string{"totalprice"}, analysis.Columns["Orders"])
}

func TestAnalyzeUnknownIdentifiersPassThrough(t *testing.T) {
	analysis := analyze(t, "SELECT mystery_column FROM Orders")

	assert.Equal(t, 0, len(analysis.Columns["Orders"]))
}

func TestAnalyzeQualifiedPrefixReference(t *testing.T) {
	analysis := analyze(t, "SELECT orderkey FROM semql.tpch.Orders")

	assert.Equal(t, []string{"Orders"}, analysis.Objects)
}

func TestAnalyzeWrongPrefixIsRemote(t *testing.T) {
	analysis := analyze(t, "SELECT orderkey FROM other.place.Orders")

	assert.Equal(t, 0, len(analysis.Objects))
}

func TestAnalyzeSubqueryReferences(t *testing.T) {
	analysis := analyze(t, "SELECT 1 FROM remote WHERE x IN (SELECT custkey FROM Customer)")

	assert.Equal(t, []string{"Customer"}, analysis.Objects)
	assert.Equal(t, []string{"custkey"}, analysis.Columns["Customer"])
}

func TestAnalyzeStarMarksSourceNodes(t *testing.T) {
	analysis := analyze(t, "SELECT * FROM Orders")

	_, ok := analysis.SourceNodes["Orders"]
	assert.True(t, ok)
}

func TestAnalyzeQualifiedStar(t *testing.T) {
	analysis := analyze(t, "SELECT o.* FROM Orders o JOIN Customer ON o.custkey = Customer.custkey")

	_, ordersIsSource := analysis.SourceNodes["Orders"]
	_, customerIsSource := analysis.SourceNodes["Customer"]
	assert.True(t, ordersIsSource)
	assert.False(t, customerIsSource)
}

func TestAnalyzeAmbiguousUnqualifiedColumn(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	stmt, err := parseStatement("SELECT custkey FROM Orders, Customer")
	assert.NoError(t, err)

	_, err = analyzeStatement(stmt, fixtureSession(), am)
	assert.IsError(t, err, semql.ErrAmbiguousIdentifier)
}

func sortedCopy(values []string) []string {
	copied := append([]string{}, values...)
	sort.Strings(copied)
	return copied
}
