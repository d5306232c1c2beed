// Package testhelper provides fixtures shared by tests across packages.
package testhelper

import (
	"testing"

	"github.com/shibukawa/semql/manifest"
)

// OrdersManifest returns the canonical two-model fixture: Orders and Customer
// joined MANY_TO_ONE, with a to-one calculated field on Orders and a to-many
// aggregate on Customer.
func OrdersManifest(t *testing.T) *manifest.Manifest {
	t.Helper()

	return &manifest.Manifest{
		Catalog: "semql",
		Schema:  "tpch",
		Models: []*manifest.Model{
			{
				Name:       "Orders",
				RefSQL:     "SELECT * FROM tpch.orders",
				PrimaryKey: "orderkey",
				Columns: []*manifest.Column{
					{Name: "orderkey", Type: "INT"},
					{Name: "custkey", Type: "INT"},
					{Name: "totalprice", Type: "INT"},
					{Name: "orderdate", Type: "DATE"},
					{Name: "customer", Type: "Customer", Relationship: "OrdersCustomer"},
					{Name: "customer_name", Type: "VARCHAR", IsCalculated: true, Expression: "customer.name"},
				},
			},
			{
				Name:       "Customer",
				RefSQL:     "SELECT * FROM tpch.customer",
				PrimaryKey: "custkey",
				Columns: []*manifest.Column{
					{Name: "custkey", Type: "INT"},
					{Name: "name", Type: "VARCHAR"},
					{Name: "orders", Type: "Orders", Relationship: "OrdersCustomer"},
					{Name: "total_price", Type: "INT", IsCalculated: true, Expression: "sum(orders.totalprice)"},
				},
			},
		},
		Relationships: []*manifest.Relationship{
			{
				Name:      "OrdersCustomer",
				Models:    []string{"Orders", "Customer"},
				JoinType:  manifest.ManyToOne,
				Condition: "Orders.custkey = Customer.custkey",
			},
		},
	}
}

// AnalyzedOrdersManifest analyzes the fixture in the default mode.
func AnalyzedOrdersManifest(t *testing.T) *manifest.AnalyzedManifest {
	t.Helper()

	am, err := manifest.Analyze(OrdersManifest(t), nil, manifest.ModeDynamicFields)
	if err != nil {
		t.Fatalf("analyze fixture manifest: %v", err)
	}

	return am
}
