package planner

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/testhelper"
)

func fixtureSession() semql.SessionContext {
	return semql.DefaultSession("semql", "tpch")
}

func TestPlanSimpleProjection(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("SELECT orderkey FROM Orders LIMIT 200", fixtureSession(), am)
	assert.NoError(t, err)

	assert.True(t, strings.HasPrefix(output, `WITH "Orders" AS (SELECT `))
	assert.Contains(t, output, `"Orders_base_".orderkey AS "orderkey"`)
	assert.Contains(t, output, `(SELECT * FROM tpch.orders) AS "Orders_base_"`)
	assert.True(t, strings.HasSuffix(output, `SELECT orderkey FROM "Orders" LIMIT 200`))

	// narrow projection: only the referenced column appears
	assert.NotContains(t, output, "totalprice")
}

func TestPlanToOneCalculatedField(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("SELECT customer_name FROM Orders LIMIT 200", fixtureSession(), am)
	assert.NoError(t, err)

	// both CTEs present, dependency first
	customerAt := strings.Index(output, `"Customer" AS (`)
	ordersAt := strings.Index(output, `"Orders" AS (`)
	assert.True(t, customerAt >= 0)
	assert.True(t, ordersAt >= 0)
	assert.True(t, customerAt < ordersAt)

	assert.Contains(t, output, `LEFT JOIN "Customer" AS "customer_rel_" ON "Orders_base_".custkey = "customer_rel_".custkey`)
	assert.Contains(t, output, `"customer_rel_".name AS "customer_name"`)
	assert.True(t, strings.HasSuffix(output, `SELECT customer_name FROM "Orders" LIMIT 200`))
}

func TestPlanToManyAggregate(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("SELECT total_price FROM Customer WHERE custkey = 370", fixtureSession(), am)
	assert.NoError(t, err)

	ordersAt := strings.Index(output, `"Orders" AS (`)
	customerAt := strings.Index(output, `"Customer" AS (`)
	assert.True(t, ordersAt >= 0)
	assert.True(t, customerAt >= 0)
	assert.True(t, ordersAt < customerAt)

	assert.Contains(t, output, `LEFT JOIN (SELECT "Orders".custkey AS "custkey_key_", sum("Orders".totalprice) AS "total_price" FROM "Orders" GROUP BY "Orders".custkey) AS "total_price_agg_"`)
	assert.Contains(t, output, `ON "total_price_agg_"."custkey_key_" = "Customer_base_".custkey`)
	assert.True(t, strings.HasSuffix(output, `SELECT total_price FROM "Customer" WHERE custkey = 370`))
}

func TestPlanMutualCalculatedFieldsIsCycle(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	_, err := Plan("SELECT customer_name, total_price FROM Customer c LEFT JOIN Orders o ON c.custkey = o.custkey", fixtureSession(), am)
	assert.IsError(t, err, semql.ErrCycle)

	var planErr *semql.PlanError
	assert.True(t, errors.As(err, &planErr))
	assert.Equal(t, semql.CodeCycle, planErr.Code)
}

func TestPlanNoManifestReferencesIsNoOp(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("select   1, 2,3", fixtureSession(), am)
	assert.NoError(t, err)
	assert.Equal(t, "SELECT 1, 2, 3", output)
}

func TestPlanUnknownTablePassesThrough(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("SELECT * FROM unknown_table", fixtureSession(), am)
	assert.NoError(t, err)
	assert.Equal(t, "SELECT * FROM unknown_table", output)
}

func TestPlanUnionWithQuotedUnknownTable(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	sql := `SELECT name FROM Customer UNION SELECT name FROM Customer WHERE custkey IN (SELECT albumId FROM "Order")`

	output, err := Plan(sql, fixtureSession(), am)
	assert.NoError(t, err)

	// quoted reserved identifier survives untouched; both Customer
	// references point at the one CTE
	assert.Contains(t, output, `FROM "Order"`)
	assert.Equal(t, 1, strings.Count(output, `"Customer" AS (`))
	assert.Equal(t, 2, strings.Count(output, `FROM "Customer"`))
}

func TestPlanQualifiedReferenceStripsPrefix(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("SELECT orderkey FROM semql.tpch.Orders", fixtureSession(), am)
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(output, `SELECT orderkey FROM "Orders"`))
}

func TestPlanCountStarMaterializesSource(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("SELECT count(*) FROM Orders", fixtureSession(), am)
	assert.NoError(t, err)

	// a source node materializes every column, not a dummy relation
	assert.NotContains(t, output, "dummy_")
	assert.Contains(t, output, `"Orders_base_".orderkey AS "orderkey"`)
	assert.Contains(t, output, `"Orders_base_".totalprice AS "totalprice"`)
}

func TestPlanDummyDescriptor(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	output, err := Plan("SELECT TRUE AS _ FROM Orders", fixtureSession(), am)
	assert.NoError(t, err)
	assert.Contains(t, output, `"Orders" AS (SELECT NULL AS dummy_)`)
}

func TestPlanAmbiguousIdentifier(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	_, err := Plan("SELECT custkey FROM Orders, Customer", fixtureSession(), am)
	assert.IsError(t, err, semql.ErrAmbiguousIdentifier)
}

func TestPlanCTEShadowsManifestObject(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	sql := "WITH Orders AS (SELECT 1 AS x) SELECT x FROM Orders"

	output, err := Plan(sql, fixtureSession(), am)
	assert.NoError(t, err)
	assert.Equal(t, "WITH Orders AS (SELECT 1 AS x) SELECT x FROM Orders", output)
}

func TestPlanMergesGeneratedCTEsWithExistingWith(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	sql := "WITH top AS (SELECT 1 AS k) SELECT orderkey FROM Orders JOIN top ON Orders.orderkey = top.k"

	output, err := Plan(sql, fixtureSession(), am)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, `WITH "Orders" AS (`))
	assert.Contains(t, output, ", top AS (SELECT 1 AS k)")
}

func TestPlanInputTooLarge(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	huge := "SELECT " + strings.Repeat("1,", semql.MaxSQLInputBytes/2) + "1"

	_, err := Plan(huge, fixtureSession(), am)
	assert.IsError(t, err, semql.ErrInputTooLarge)
}

func TestPlanIsDeterministic(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)
	sql := "SELECT customer_name, orderkey FROM Orders WHERE totalprice > 100"

	first, err := Plan(sql, fixtureSession(), am)
	assert.NoError(t, err)

	var wg sync.WaitGroup
	outputs := make([]string, 16)

	for i := range outputs {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			output, err := Plan(sql, fixtureSession(), am)
			if err == nil {
				outputs[slot] = output
			}
		}(i)
	}
	wg.Wait()

	for _, output := range outputs {
		assert.Equal(t, first, output)
	}
}

func TestPlanFullMaterializationMode(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	sess := fixtureSession()
	sess.EnableDynamicFields = false

	output, err := Plan("SELECT orderkey FROM Orders", sess, am)
	assert.NoError(t, err)

	// every column of every referenced object is projected
	assert.Contains(t, output, `"Orders_base_".totalprice AS "totalprice"`)
	assert.Contains(t, output, `AS "customer_name"`)
}

func TestDryPlanSkipsDialectAdapter(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	modeled, err := DryPlan("SELECT orderkey FROM Orders", fixtureSession(), am, true)
	assert.NoError(t, err)
	planned, err := Plan("SELECT orderkey FROM Orders", fixtureSession(), am)
	assert.NoError(t, err)

	// postgres conversion of this statement is the identity
	assert.Equal(t, planned, modeled)
}

func TestDryRunOutputShape(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	columns, err := DryRun("SELECT orderkey, customer_name AS buyer, totalprice + 1 FROM Orders", fixtureSession(), am)
	assert.NoError(t, err)

	assert.Equal(t, []Column{
		{Name: "orderkey", Type: "INT"},
		{Name: "buyer", Type: "VARCHAR"},
		{Name: "_col3", Type: "UNKNOWN"},
	}, columns)
}

func TestDryRunStarExpansion(t *testing.T) {
	am := testhelper.AnalyzedOrdersManifest(t)

	columns, err := DryRun("SELECT * FROM Customer", fixtureSession(), am)
	assert.NoError(t, err)

	assert.Equal(t, []Column{
		{Name: "custkey", Type: "INT"},
		{Name: "name", Type: "VARCHAR"},
		{Name: "total_price", Type: "INT"},
	}, columns)
}

func TestPlanViewExpansion(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.Views = []*manifest.View{
		{Name: "BigOrders", Statement: "SELECT orderkey FROM Orders WHERE totalprice > 1000"},
	}

	am, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	output, err := Plan("SELECT orderkey FROM BigOrders", fixtureSession(), am)
	assert.NoError(t, err)

	ordersAt := strings.Index(output, `"Orders" AS (`)
	viewAt := strings.Index(output, `"BigOrders" AS (`)
	assert.True(t, ordersAt >= 0)
	assert.True(t, viewAt >= 0)
	assert.True(t, ordersAt < viewAt)

	assert.Contains(t, output, `"BigOrders" AS (SELECT orderkey FROM "Orders" WHERE totalprice > 1000)`)
	assert.True(t, strings.HasSuffix(output, `SELECT orderkey FROM "BigOrders"`))
}

func TestPlanMetric(t *testing.T) {
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

	output, err := Plan("SELECT custkey, revenue FROM Revenue", fixtureSession(), am)
	assert.NoError(t, err)

	assert.Contains(t, output, `"Revenue" AS (SELECT "Orders".custkey AS "custkey", sum("Orders".totalprice) AS "revenue" FROM "Orders" GROUP BY "Orders".custkey)`)
	assert.True(t, strings.HasSuffix(output, `SELECT custkey, revenue FROM "Revenue"`))
}

func TestPlanCumulativeMetric(t *testing.T) {
	m := testhelper.OrdersManifest(t)
	m.CumulativeMetrics = []*manifest.CumulativeMetric{
		{
			Name:       "DailyRevenue",
			BaseObject: "Orders",
			Measure:    manifest.Measure{Name: "revenue", Type: "INT", Operator: "sum", RefColumn: "totalprice"},
			Window: manifest.Window{
				Name:      "day",
				RefColumn: "orderdate",
				TimeUnit:  manifest.UnitDay,
				Start:     "2024-01-01",
				End:       "2024-03-31",
			},
		},
	}

	am, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	output, err := Plan("SELECT day, revenue FROM DailyRevenue", fixtureSession(), am)
	assert.NoError(t, err)

	assert.Contains(t, output, `"date_spine_" AS (SELECT spine_date_ FROM (SELECT generate_series(CAST('2024-01-01' AS DATE), CAST('2024-03-31' AS DATE), INTERVAL '1 DAY') AS spine_date_) AS spine_all_ WHERE spine_date_ < CAST('2024-03-31' AS DATE))`)
	assert.Contains(t, output, `date_trunc('day', "Orders".orderdate) = "date_spine_".spine_date_`)
	assert.Contains(t, output, `GROUP BY "date_spine_".spine_date_`)

	spineAt := strings.Index(output, `"date_spine_" AS (`)
	metricAt := strings.Index(output, `"DailyRevenue" AS (`)
	assert.True(t, spineAt >= 0)
	assert.True(t, metricAt >= 0)
	assert.True(t, spineAt < metricAt)
}

func cumulativeManifest(t *testing.T, unit manifest.TimeUnit, start, end string) *manifest.AnalyzedManifest {
	t.Helper()

	m := testhelper.OrdersManifest(t)
	m.CumulativeMetrics = []*manifest.CumulativeMetric{
		{
			Name:       "DailyRevenue",
			BaseObject: "Orders",
			Measure:    manifest.Measure{Name: "revenue", Type: "INT", Operator: "sum", RefColumn: "totalprice"},
			Window: manifest.Window{
				Name:      "day",
				RefColumn: "orderdate",
				TimeUnit:  unit,
				Start:     start,
				End:       end,
			},
		},
	}

	am, err := manifest.Analyze(m, nil, manifest.ModeDynamicFields)
	assert.NoError(t, err)

	return am
}

func TestPlanCumulativeMetricSQLiteDialect(t *testing.T) {
	am := cumulativeManifest(t, manifest.UnitDay, "2024-01-01", "2024-01-04")

	sess := fixtureSession()
	sess.Dialect = semql.DialectSQLite

	output, err := Plan("SELECT day, revenue FROM DailyRevenue", sess, am)
	assert.NoError(t, err)

	// no generate_series/date_trunc on sqlite: recursive spine + date()
	assert.NotContains(t, output, "generate_series")
	assert.NotContains(t, output, "date_trunc")
	assert.Contains(t, output, `WITH RECURSIVE spine_(spine_date_) AS (SELECT DATE('2024-01-01') WHERE DATE('2024-01-01') < DATE('2024-01-04')`)
	assert.Contains(t, output, `DATE(spine_date_, '+1 day') FROM spine_ WHERE DATE(spine_date_, '+1 day') < DATE('2024-01-04')`)
	assert.Contains(t, output, `date("Orders".orderdate) = "date_spine_".spine_date_`)
}

func TestPlanCumulativeMetricMySQLDialect(t *testing.T) {
	am := cumulativeManifest(t, manifest.UnitMonth, "2024-01-01", "2024-04-01")

	sess := fixtureSession()
	sess.Dialect = semql.DialectMySQL

	output, err := Plan("SELECT day, revenue FROM DailyRevenue", sess, am)
	assert.NoError(t, err)

	assert.Contains(t, output, "WITH RECURSIVE spine_(spine_date_) AS (SELECT CAST('2024-01-01' AS DATE) FROM DUAL")
	assert.Contains(t, output, "DATE_ADD(spine_date_, INTERVAL 1 MONTH)")
	assert.Contains(t, output, "DATE_FORMAT(`Orders`.orderdate, '%Y-%m-01') = `date_spine_`.spine_date_")
}

func TestPlanCumulativeMetricUnsupportedBucket(t *testing.T) {
	am := cumulativeManifest(t, manifest.UnitWeek, "2024-01-01", "2024-03-31")

	sess := fixtureSession()
	sess.Dialect = semql.DialectSQLite

	_, err := Plan("SELECT day, revenue FROM DailyRevenue", sess, am)
	assert.IsError(t, err, semql.ErrUnsupportedDialect)

	var planErr *semql.PlanError
	assert.True(t, errors.As(err, &planErr))
	assert.Equal(t, semql.CodeUnsupportedDialect, planErr.Code)
}
