package semql

// Dialect represents supported target database dialects
// This type is shared across all packages
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect normalizes a dialect name. The empty string selects postgres.
func ParseDialect(name string) (Dialect, bool) {
	switch name {
	case "", "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, true
	case "duckdb":
		return DialectDuckDB, true
	case "mysql", "mariadb":
		return DialectMySQL, true
	case "sqlite", "sqlite3":
		return DialectSQLite, true
	default:
		return "", false
	}
}

// Feature represents DB-specific feature flags
type Feature int

const (
	FeatureGenerateSeries Feature = iota + 1
	FeatureArrayLiteral           // ARRAY[...]
	FeatureBacktickQuote          // `ident`
	FeatureDateTrunc              // date_trunc()
)

// HasFeature reports whether the dialect supports the feature natively.
func (d Dialect) HasFeature(f Feature) bool {
	switch f {
	case FeatureGenerateSeries:
		return d == DialectPostgres || d == DialectDuckDB
	case FeatureArrayLiteral:
		return d == DialectPostgres || d == DialectDuckDB
	case FeatureBacktickQuote:
		return d == DialectMySQL
	case FeatureDateTrunc:
		return d == DialectPostgres || d == DialectDuckDB
	default:
		return false
	}
}
