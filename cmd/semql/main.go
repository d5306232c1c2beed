package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/planner"
)

var (
	ErrNoSQLProvided      = errors.New("no SQL statement provided; pass it as an argument or on stdin")
	ErrManifestNotGiven   = errors.New("manifest path not given; set manifest in semql.yaml or pass --manifest")
	ErrUnknownEnvironment = errors.New("database environment not found in semql.yaml")
)

// Globals are flags shared by every command
type Globals struct {
	Config   string `help:"Path to semql.yaml" default:"semql.yaml" short:"c"`
	Manifest string `help:"Path to the manifest JSON (overrides semql.yaml)" short:"m"`
	Dialect  string `help:"Target dialect (postgres, duckdb, mysql, sqlite)" short:"d"`
	Catalog  string `help:"Session catalog (defaults to the manifest's)"`
	Schema   string `help:"Session schema (defaults to the manifest's)"`
	Static   bool   `help:"Disable dynamic fields: project every column of each referenced object"`
	Verbose  bool   `help:"Verbose logging" short:"v"`
}

// PlanCmd rewrites a statement and prints the executable SQL
type PlanCmd struct {
	Globals
	SQL []string `arg:"" optional:"" help:"SQL statement (reads stdin when omitted)"`
}

// DryRunCmd prints the output shape of a statement
type DryRunCmd struct {
	Globals
	SQL []string `arg:"" optional:"" help:"SQL statement (reads stdin when omitted)"`
}

// ValidateCmd runs built-in and configured validation rules
type ValidateCmd struct {
	Globals
	Rule   string            `help:"Built-in rule name (runs configured rules when omitted)"`
	Params map[string]string `help:"Rule parameters, e.g. model=Orders;column=orderkey"`
}

// QueryCmd plans a statement and executes it against a configured database
type QueryCmd struct {
	Globals
	Environment string   `help:"Database environment from semql.yaml" default:"default" short:"e"`
	SQL         []string `arg:"" optional:"" help:"SQL statement (reads stdin when omitted)"`
}

var cli struct {
	Plan     PlanCmd     `cmd:"" help:"Rewrite a statement against the manifest and print executable SQL"`
	DryRun   DryRunCmd   `cmd:"" name:"dry-run" help:"Resolve a statement and print its output columns"`
	Validate ValidateCmd `cmd:"" help:"Validate the manifest"`
	Query    QueryCmd    `cmd:"" help:"Plan a statement and execute it against a database"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("semql"),
		kong.Description("Semantic SQL planner: rewrites SQL over a logical catalog into executable SQL"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(); err != nil {
		color.Red("error: %v", err)

		var planErr *semql.PlanError
		if errors.As(err, &planErr) {
			encoded, _ := json.Marshal(planErr)
			fmt.Fprintln(os.Stderr, string(encoded))
		}

		os.Exit(1)
	}
}

// setup loads the config and the analyzed manifest shared by all commands.
func (g *Globals) setup() (*semql.Config, *manifest.AnalyzedManifest, semql.SessionContext, error) {
	if g.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config, err := semql.LoadConfig(g.Config)
	if err != nil {
		if !errors.Is(err, semql.ErrConfigFileNotFound) {
			return nil, nil, semql.SessionContext{}, err
		}
		config = semql.DefaultConfig()
	}

	manifestPath := g.Manifest
	if manifestPath == "" {
		manifestPath = config.Manifest
	}
	if manifestPath == "" {
		return nil, nil, semql.SessionContext{}, ErrManifestNotGiven
	}

	file, err := os.Open(manifestPath)
	if err != nil {
		return nil, nil, semql.SessionContext{}, err
	}
	defer file.Close()

	m, err := manifest.Decode(file)
	if err != nil {
		return nil, nil, semql.SessionContext{}, err
	}

	mode := manifest.ModeDynamicFields
	if g.Static || !config.Planner.DynamicFieldsEnabled() {
		mode = manifest.ModeFullMaterialization
	}

	am, err := manifest.NewCache().Analyzed(m, nil, mode)
	if err != nil {
		return nil, nil, semql.SessionContext{}, err
	}

	catalog := g.Catalog
	if catalog == "" {
		catalog = firstNonEmpty(config.Catalog, m.Catalog)
	}
	schema := g.Schema
	if schema == "" {
		schema = firstNonEmpty(config.Schema, m.Schema)
	}

	sess := semql.DefaultSession(catalog, schema)
	sess.EnableDynamicFields = mode == manifest.ModeDynamicFields

	dialectName := firstNonEmpty(g.Dialect, config.Dialect)
	dialect, ok := semql.ParseDialect(dialectName)
	if !ok {
		return nil, nil, semql.SessionContext{}, fmt.Errorf("%w: %q", semql.ErrUnsupportedDialect, dialectName)
	}
	sess.Dialect = dialect

	return config, am, sess, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// readSQL joins argument words or falls back to stdin.
func readSQL(words []string) (string, error) {
	if len(words) > 0 {
		return strings.Join(words, " "), nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", ErrNoSQLProvided
	}

	return text, nil
}

func (c *PlanCmd) Run() error {
	_, am, sess, err := c.setup()
	if err != nil {
		return err
	}

	input, err := readSQL(c.SQL)
	if err != nil {
		return err
	}

	output, err := planner.Plan(input, sess, am)
	if err != nil {
		return err
	}

	fmt.Println(output)

	return nil
}

func (c *DryRunCmd) Run() error {
	_, am, sess, err := c.setup()
	if err != nil {
		return err
	}

	input, err := readSQL(c.SQL)
	if err != nil {
		return err
	}

	columns, err := planner.DryRun(input, sess, am)
	if err != nil {
		return err
	}

	header := color.New(color.Bold)
	header.Println("column\ttype")
	for _, column := range columns {
		fmt.Printf("%s\t%s\n", column.Name, column.Type)
	}

	return nil
}

func (c *ValidateCmd) Run() error {
	config, am, _, err := c.setup()
	if err != nil {
		return err
	}

	var results []planner.ValidationResult

	if c.Rule != "" {
		results, err = planner.Validate(c.Rule, c.Params, am)
		if err != nil {
			return err
		}
	} else {
		results, err = planner.RunCustomRules(config.Validation.Rules, am)
		if err != nil {
			return err
		}
	}

	failed := false
	for _, result := range results {
		switch result.Status {
		case planner.StatusPass:
			color.Green("PASS  %s", result.Name)
		case planner.StatusFail:
			color.Red("FAIL  %s: %s", result.Name, result.Message)
			failed = true
		default:
			color.Yellow("ERROR %s: %s", result.Name, result.Message)
			failed = true
		}
	}

	if failed && config.Validation.Strict {
		return errors.New("validation failed")
	}

	return nil
}

func (c *QueryCmd) Run() error {
	config, am, sess, err := c.setup()
	if err != nil {
		return err
	}

	database, ok := config.Databases[c.Environment]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEnvironment, c.Environment)
	}

	input, err := readSQL(c.SQL)
	if err != nil {
		return err
	}

	planned, err := planner.Plan(input, sess, am)
	if err != nil {
		return err
	}

	if c.Verbose {
		logrus.WithField("sql", planned).Debug("executing planned statement")
	}

	db, err := sql.Open(database.Driver, database.Connection)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(planned)
	if err != nil {
		return err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return err
	}

	header := color.New(color.Bold)
	header.Println(strings.Join(names, "\t"))

	values := make([]any, len(names))
	pointers := make([]any, len(names))
	for i := range values {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return err
		}

		cells := make([]string, len(values))
		for i, value := range values {
			if value == nil {
				cells[i] = "NULL"
				continue
			}
			if raw, ok := value.([]byte); ok {
				cells[i] = string(raw)
				continue
			}
			cells[i] = fmt.Sprint(value)
		}

		fmt.Println(strings.Join(cells, "\t"))
	}

	return rows.Err()
}
