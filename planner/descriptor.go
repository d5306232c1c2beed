package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/expr"
	"github.com/shibukawa/semql/formatter"
	"github.com/shibukawa/semql/lineage"
	"github.com/shibukawa/semql/manifest"
)

// QueryDescriptor is the specification of one generated CTE.
type QueryDescriptor struct {
	Name            string
	RequiredObjects []string
	SQL             string
}

func (d *QueryDescriptor) addRequired(name string) {
	for _, existing := range d.RequiredObjects {
		if existing == name {
			return
		}
	}
	d.RequiredObjects = append(d.RequiredObjects, name)
}

// descriptorBuilder assembles the CTE set for one statement. It owns all
// per-request mutable state; the manifest and lineage graph are shared
// read-only.
type descriptorBuilder struct {
	am       *manifest.AnalyzedManifest
	graph    *lineage.Graph
	sess     semql.SessionContext
	analysis *Analysis

	// viewAnalyses holds the recursively analyzed bodies of referenced views.
	viewAnalyses map[string]*Analysis

	// required holds the physical projection per object from lineage.
	required map[string]map[string]struct{}
	// calcProjection holds calculated columns each object must expose.
	calcProjection map[string]map[string]struct{}
	// fullObjects materialize every column (source nodes, base objects,
	// full-materialization mode).
	fullObjects map[string]struct{}

	descriptors map[string]*QueryDescriptor
	building    map[string]struct{}

	// spines deduplicates date-spine CTEs per distinct window.
	spines     map[string]string
	spineCount int
}

func newDescriptorBuilder(am *manifest.AnalyzedManifest, graph *lineage.Graph, sess semql.SessionContext, analysis *Analysis, viewAnalyses map[string]*Analysis) *descriptorBuilder {
	return &descriptorBuilder{
		am:             am,
		graph:          graph,
		sess:           sess,
		analysis:       analysis,
		viewAnalyses:   viewAnalyses,
		required:       make(map[string]map[string]struct{}),
		calcProjection: make(map[string]map[string]struct{}),
		fullObjects:    make(map[string]struct{}),
		descriptors:    make(map[string]*QueryDescriptor),
		building:       make(map[string]struct{}),
		spines:         make(map[string]string),
	}
}

// prepare computes the global projection requirements: the lineage closure of
// every collected column, the calculated columns to expose per object, and
// the full-materialization set.
func (b *descriptorBuilder) prepare() error {
	dynamic := b.sess.EnableDynamicFields

	var keys []lineage.ColumnKey
	seenKeys := make(map[lineage.ColumnKey]struct{})

	addKey := func(key lineage.ColumnKey) {
		if _, seen := seenKeys[key]; seen {
			return
		}
		seenKeys[key] = struct{}{}
		keys = append(keys, key)
	}

	allAnalyses := append([]*Analysis{b.analysis}, b.viewAnalysesList()...)

	for _, analysis := range allAnalyses {
		for _, object := range analysis.Objects {
			kind, _ := b.am.ObjectKind(object)

			full := !dynamic
			if _, isSource := analysis.SourceNodes[object]; isSource {
				full = true
			}
			if full && kind != manifest.ObjectView {
				b.fullObjects[object] = struct{}{}
			}

			switch kind {
			case manifest.ObjectView:
				continue
			case manifest.ObjectMetric:
				// The metric grain is all dimensions; their sources are always
				// required.
				metric, _ := b.am.Metric(object)
				for _, dim := range metric.Dimensions {
					addKey(lineage.ColumnKey{Object: object, Column: dim.Name})
				}
			case manifest.ObjectCumulativeMetric:
				cm, _ := b.am.CumulativeMetric(object)
				addKey(lineage.ColumnKey{Object: object, Column: cm.Window.Name})
				addKey(lineage.ColumnKey{Object: object, Column: cm.Measure.Name})
			}

			if full {
				for _, column := range b.am.Columns(object) {
					if column.Kind() == manifest.KindRelationship {
						continue
					}
					addKey(lineage.ColumnKey{Object: object, Column: column.Name})
				}
				continue
			}

			for _, column := range analysis.Columns[object] {
				addKey(lineage.ColumnKey{Object: object, Column: column})
			}
		}
	}

	// Derived models (baseObject origin) read their base relation whole; the
	// base materializes fully so every source expression resolves. Bases can
	// surface through lineage (relationship targets), so close the key set to
	// a fixed point.
	var fields []lineage.ObjectFields
	expandedBases := make(map[string]struct{})

	for {
		var err error
		fields, err = b.graph.RequiredFields(keys)
		if err != nil {
			return err
		}

		reachable := make([]string, 0, len(fields)+len(b.analysis.Objects))
		for _, analysis := range allAnalyses {
			reachable = append(reachable, analysis.Objects...)
		}
		for _, of := range fields {
			reachable = append(reachable, of.Object)
		}

		grew := false
		for _, object := range reachable {
			model, ok := b.am.Model(object)
			if !ok || model.BaseObject == "" {
				continue
			}
			if _, done := expandedBases[object]; done {
				continue
			}
			expandedBases[object] = struct{}{}

			b.fullObjects[model.BaseObject] = struct{}{}
			for _, column := range b.am.Columns(model.BaseObject) {
				if column.Kind() == manifest.KindRelationship {
					continue
				}
				addKey(lineage.ColumnKey{Object: model.BaseObject, Column: column.Name})
				grew = true
			}
		}

		if !grew {
			break
		}
	}

	for _, of := range fields {
		set := b.required[of.Object]
		if set == nil {
			set = make(map[string]struct{})
			b.required[of.Object] = set
		}
		for _, column := range of.Columns {
			set[column] = struct{}{}
		}
	}

	// Calculated columns named by the statement (or another object's chain)
	// are exposed as projections of their owner's CTE.
	for _, key := range keys {
		if err := b.exposeCalculated(key, make(map[lineage.ColumnKey]struct{})); err != nil {
			return err
		}
	}

	return nil
}

// exposeCalculated marks key for projection when it is calculated, and chases
// dereference chains whose leaves land on further calculated columns: those
// are computed inside their own object's CTE and referenced by name.
func (b *descriptorBuilder) exposeCalculated(key lineage.ColumnKey, seen map[lineage.ColumnKey]struct{}) error {
	if _, done := seen[key]; done {
		return nil
	}
	seen[key] = struct{}{}

	column, ok := b.am.Column(key.Object, key.Column)
	if !ok {
		return nil
	}

	kind, _ := b.am.ObjectKind(key.Object)
	if kind != manifest.ObjectModel || column.Kind() != manifest.KindCalculated {
		return nil
	}

	set := b.calcProjection[key.Object]
	if set == nil {
		set = make(map[string]struct{})
		b.calcProjection[key.Object] = set
	}
	set[key.Column] = struct{}{}

	node, ok := b.graph.Expression(key)
	if !ok {
		return fmt.Errorf("%w: missing expression for %s", semql.ErrInternal, key)
	}

	for _, ref := range expr.ColumnRefs(node) {
		if len(ref.Parts) < 2 {
			// peer calculated columns are inlined, not projected
			continue
		}

		target, leaf, err := b.chainTarget(key.Object, ref.Parts)
		if err != nil {
			return err
		}

		leafColumn, ok := b.am.Column(target, leaf)
		if ok && leafColumn.Kind() == manifest.KindCalculated {
			if err := b.exposeCalculated(lineage.ColumnKey{Object: target, Column: leaf}, seen); err != nil {
				return err
			}
		}
	}

	return nil
}

// chainTarget resolves a dereference chain to its final model and leaf column
// name.
func (b *descriptorBuilder) chainTarget(owner string, parts []string) (string, string, error) {
	current := owner

	for i := 0; i < len(parts)-1; i++ {
		column, ok := b.am.Column(current, parts[i])
		if !ok || column.Kind() != manifest.KindRelationship {
			return "", "", fmt.Errorf("%w: %s.%s is not a relationship column", semql.ErrUnknownColumn, current, parts[i])
		}
		current = column.Type
	}

	return current, parts[len(parts)-1], nil
}

// ensure builds the descriptor for object (and, transitively, everything it
// requires). The building set is the defensive cycle check; lineage has
// already rejected genuine cycles.
func (b *descriptorBuilder) ensure(object string) error {
	if _, done := b.descriptors[object]; done {
		return nil
	}
	if _, inProgress := b.building[object]; inProgress {
		return &lineage.CycleError{Column: lineage.ColumnKey{Object: object}}
	}
	b.building[object] = struct{}{}
	defer delete(b.building, object)

	kind, ok := b.am.ObjectKind(object)
	if !ok {
		return fmt.Errorf("%w: %q", semql.ErrUnknownObject, object)
	}

	var (
		desc *QueryDescriptor
		err  error
	)

	switch kind {
	case manifest.ObjectModel:
		desc, err = b.buildModelDescriptor(object)
	case manifest.ObjectMetric:
		desc, err = b.buildMetricDescriptor(object)
	case manifest.ObjectCumulativeMetric:
		desc, err = b.buildCumulativeDescriptor(object)
	case manifest.ObjectView:
		desc, err = b.buildViewDescriptor(object)
	default:
		err = fmt.Errorf("%w: unhandled object kind for %q", semql.ErrInternal, object)
	}

	if err != nil {
		return err
	}

	b.descriptors[object] = desc

	for _, required := range desc.RequiredObjects {
		if err := b.ensure(required); err != nil {
			return err
		}
	}

	return nil
}

// projectedFields returns the columns a model CTE projects, in declared
// column order.
func (b *descriptorBuilder) projectedFields(model *manifest.Model) []*manifest.Column {
	_, full := b.fullObjects[model.Name]
	requiredSet := b.required[model.Name]
	calcSet := b.calcProjection[model.Name]

	var fields []*manifest.Column
	for _, column := range model.Columns {
		switch column.Kind() {
		case manifest.KindRelationship:
			continue
		case manifest.KindPhysical:
			if full {
				fields = append(fields, column)
				continue
			}
			if _, ok := requiredSet[column.Name]; ok {
				fields = append(fields, column)
			}
		case manifest.KindCalculated:
			if full {
				fields = append(fields, column)
				continue
			}
			if _, ok := calcSet[column.Name]; ok {
				fields = append(fields, column)
			}
		}
	}

	return fields
}

// buildModelDescriptor emits the CTE realizing one model: its origin wrapped
// as a derived table, physical projections, and the joins materializing
// calculated fields.
func (b *descriptorBuilder) buildModelDescriptor(name string) (*QueryDescriptor, error) {
	model, _ := b.am.Model(name)
	desc := &QueryDescriptor{Name: name}

	fields := b.projectedFields(model)
	if len(fields) == 0 {
		// Referenced but nothing consumed: preserve the relation's existence.
		desc.SQL = "SELECT NULL AS dummy_"
		return desc, nil
	}

	rw := &modelRewriter{
		builder:   b,
		model:     model,
		baseAlias: name + "_base_",
		relAlias:  make(map[string]string),
	}

	var selectItems []string
	for _, column := range fields {
		switch column.Kind() {
		case manifest.KindPhysical:
			item, err := rw.physicalItem(column)
			if err != nil {
				return nil, err
			}
			selectItems = append(selectItems, item+" AS "+formatter.MustQuote(column.Name))
		case manifest.KindCalculated:
			item, err := rw.calculatedItem(column)
			if err != nil {
				return nil, err
			}
			selectItems = append(selectItems, item+" AS "+formatter.MustQuote(column.Name))
		}
	}

	origin, err := b.modelOrigin(model, desc)
	if err != nil {
		return nil, err
	}

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(strings.Join(selectItems, ", "))
	builder.WriteString(" FROM ")
	builder.WriteString(origin)
	builder.WriteString(" AS ")
	builder.WriteString(formatter.MustQuote(rw.baseAlias))

	for _, join := range rw.joins {
		builder.WriteString(" ")
		builder.WriteString(join)
	}

	for _, target := range rw.requiredObjects {
		desc.addRequired(target)
	}

	desc.SQL = builder.String()

	return desc, nil
}

// modelOrigin renders the FROM source of a model CTE and registers origin
// dependencies.
func (b *descriptorBuilder) modelOrigin(model *manifest.Model, desc *QueryDescriptor) (string, error) {
	switch {
	case model.RefSQL != "":
		return "(" + formatter.RenderSQL(model.RefSQL) + ")", nil
	case model.BaseObject != "":
		// A derived model reads the whole base relation; project it fully so
		// source expressions always resolve.
		b.fullObjects[model.BaseObject] = struct{}{}
		desc.addRequired(model.BaseObject)
		return formatter.MustQuote(model.BaseObject), nil
	case model.TableReference != nil:
		tr := model.TableReference
		parts := make([]string, 0, 3)
		if tr.Catalog != "" {
			parts = append(parts, formatter.QuoteIdent(tr.Catalog))
		}
		if tr.Schema != "" {
			parts = append(parts, formatter.QuoteIdent(tr.Schema))
		}
		parts = append(parts, formatter.QuoteIdent(tr.Table))
		return strings.Join(parts, "."), nil
	default:
		return "", fmt.Errorf("%w: model %q", semql.ErrInvalidOrigin, model.Name)
	}
}

// buildMetricDescriptor emits SELECT dimensions, aggregated measures FROM base
// GROUP BY dimensions. Dimensions are always projected (they are the grain);
// measures are trimmed in dynamic mode.
func (b *descriptorBuilder) buildMetricDescriptor(name string) (*QueryDescriptor, error) {
	metric, _ := b.am.Metric(name)
	desc := &QueryDescriptor{Name: name}
	desc.addRequired(metric.BaseObject)

	_, full := b.fullObjects[name]

	collected := make(map[string]struct{})
	for _, analysis := range append([]*Analysis{b.analysis}, b.viewAnalysesList()...) {
		for _, column := range analysis.Columns[name] {
			collected[column] = struct{}{}
		}
	}

	baseQ := formatter.MustQuote(metric.BaseObject)

	rewrite := func(column *manifest.Column) (string, error) {
		node, err := expr.Parse(column.SourceExpression())
		if err != nil {
			return "", err
		}
		rewritten := expr.Transform(node, func(n expr.Node) expr.Node {
			if ref, ok := n.(*expr.ColumnRef); ok && len(ref.Parts) == 1 {
				return &expr.Raw{Text: baseQ + "." + formatter.QuoteIdent(ref.Parts[0])}
			}
			return n
		})
		return rewritten.SQL(), nil
	}

	var (
		selectItems []string
		groupBy     []string
	)

	for _, dim := range metric.Dimensions {
		item, err := rewrite(dim)
		if err != nil {
			return nil, err
		}
		selectItems = append(selectItems, item+" AS "+formatter.MustQuote(dim.Name))
		groupBy = append(groupBy, item)
	}

	for _, measure := range metric.Measures {
		if !full {
			if _, ok := collected[measure.Name]; !ok {
				continue
			}
		}
		item, err := rewrite(measure)
		if err != nil {
			return nil, err
		}
		selectItems = append(selectItems, item+" AS "+formatter.MustQuote(measure.Name))
	}

	if len(selectItems) == 0 {
		desc.SQL = "SELECT NULL AS dummy_"
		desc.RequiredObjects = nil
		return desc, nil
	}

	sql := "SELECT " + strings.Join(selectItems, ", ") + " FROM " + baseQ
	if len(groupBy) > 0 {
		sql += " GROUP BY " + strings.Join(groupBy, ", ")
	}

	desc.SQL = sql

	return desc, nil
}

func (b *descriptorBuilder) viewAnalysesList() []*Analysis {
	result := make([]*Analysis, 0, len(b.viewAnalyses))
	for _, object := range sortedKeys(b.viewAnalyses) {
		result = append(result, b.viewAnalyses[object])
	}
	return result
}

// buildCumulativeDescriptor joins a date spine against the base object
// bucketed to the window unit. The emission is dialect-gated: engines without
// generate_series or date_trunc get a portable substitute, and units a
// dialect cannot bucket fail with ErrUnsupportedDialect.
func (b *descriptorBuilder) buildCumulativeDescriptor(name string) (*QueryDescriptor, error) {
	cm, _ := b.am.CumulativeMetric(name)
	desc := &QueryDescriptor{Name: name}

	d := dialectOrDefault(b.sess.Dialect)

	spineName, err := b.ensureSpine(d, cm.Window)
	if err != nil {
		return nil, err
	}
	desc.addRequired(spineName)
	desc.addRequired(cm.BaseObject)

	baseQ := formatter.MustQuote(cm.BaseObject)
	spineQ := formatter.MustQuote(spineName)

	bucket, err := truncSQL(d, cm.Window.TimeUnit, baseQ+"."+formatter.QuoteIdent(cm.Window.RefColumn))
	if err != nil {
		return nil, err
	}

	operator := strings.ToLower(cm.Measure.Operator)
	if operator == "" {
		operator = "sum"
	}

	sql := "SELECT " + spineQ + ".spine_date_ AS " + formatter.MustQuote(cm.Window.Name) +
		", " + operator + "(" + baseQ + "." + formatter.QuoteIdent(cm.Measure.RefColumn) + ") AS " + formatter.MustQuote(cm.Measure.Name) +
		" FROM " + spineQ +
		" LEFT JOIN " + baseQ +
		" ON " + bucket + " = " + spineQ + ".spine_date_" +
		" GROUP BY " + spineQ + ".spine_date_"

	desc.SQL = sql

	return desc, nil
}

// ensureSpine registers the date-spine CTE for one window, deduplicated per
// distinct (unit, start, end).
func (b *descriptorBuilder) ensureSpine(d semql.Dialect, window manifest.Window) (string, error) {
	key := string(window.TimeUnit) + "|" + window.Start + "|" + window.End
	if name, ok := b.spines[key]; ok {
		return name, nil
	}

	sql, err := spineSQL(d, window)
	if err != nil {
		return "", err
	}

	b.spineCount++
	name := "date_spine_"
	if b.spineCount > 1 {
		name = fmt.Sprintf("date_spine_%d_", b.spineCount)
	}
	b.spines[key] = name

	b.descriptors[name] = &QueryDescriptor{Name: name, SQL: sql}

	return name, nil
}

func dialectOrDefault(d semql.Dialect) semql.Dialect {
	if d == "" {
		return semql.DialectPostgres
	}
	return d
}

// Per-dialect window increments. QUARTER is spelled as three months where the
// interval grammar has no quarter unit.
var (
	generateSeriesSteps = map[manifest.TimeUnit]string{
		manifest.UnitDay:     "1 DAY",
		manifest.UnitWeek:    "1 WEEK",
		manifest.UnitMonth:   "1 MONTH",
		manifest.UnitQuarter: "3 MONTH",
		manifest.UnitYear:    "1 YEAR",
	}
	sqliteSteps = map[manifest.TimeUnit]string{
		manifest.UnitDay:     "+1 day",
		manifest.UnitWeek:    "+7 days",
		manifest.UnitMonth:   "+1 month",
		manifest.UnitQuarter: "+3 months",
		manifest.UnitYear:    "+1 year",
	}
	mysqlSteps = map[manifest.TimeUnit]string{
		manifest.UnitDay:     "1 DAY",
		manifest.UnitWeek:    "7 DAY",
		manifest.UnitMonth:   "1 MONTH",
		manifest.UnitQuarter: "3 MONTH",
		manifest.UnitYear:    "1 YEAR",
	}
)

// spineSQL emits the date-spine body for one window. The window is half-open:
// start is included, end is excluded, so start = end yields an empty spine.
// Engines without generate_series build the spine with a recursive CTE.
func spineSQL(d semql.Dialect, window manifest.Window) (string, error) {
	if d.HasFeature(semql.FeatureGenerateSeries) {
		start := "CAST('" + window.Start + "' AS DATE)"
		end := "CAST('" + window.End + "' AS DATE)"
		step := generateSeriesSteps[window.TimeUnit]

		return "SELECT spine_date_ FROM (SELECT generate_series(" + start + ", " + end + ", INTERVAL '" + step + "') AS spine_date_) AS spine_all_ WHERE spine_date_ < " + end, nil
	}

	switch d {
	case semql.DialectSQLite:
		start := "DATE('" + window.Start + "')"
		end := "DATE('" + window.End + "')"
		next := "DATE(spine_date_, '" + sqliteSteps[window.TimeUnit] + "')"

		return "WITH RECURSIVE spine_(spine_date_) AS (SELECT " + start + " WHERE " + start + " < " + end +
			" UNION ALL SELECT " + next + " FROM spine_ WHERE " + next + " < " + end +
			") SELECT spine_date_ FROM spine_", nil
	case semql.DialectMySQL:
		start := "CAST('" + window.Start + "' AS DATE)"
		end := "CAST('" + window.End + "' AS DATE)"
		next := "DATE_ADD(spine_date_, INTERVAL " + mysqlSteps[window.TimeUnit] + ")"

		return "WITH RECURSIVE spine_(spine_date_) AS (SELECT " + start + " FROM DUAL WHERE " + start + " < " + end +
			" UNION ALL SELECT " + next + " FROM spine_ WHERE " + next + " < " + end +
			") SELECT spine_date_ FROM spine_", nil
	default:
		return "", fmt.Errorf("%w: %s cannot build a date spine", semql.ErrUnsupportedDialect, d)
	}
}

// truncSQL buckets operand to the window unit. Dialects without date_trunc
// cover the units their date functions can express; the rest fail with
// ErrUnsupportedDialect.
func truncSQL(d semql.Dialect, unit manifest.TimeUnit, operand string) (string, error) {
	if d.HasFeature(semql.FeatureDateTrunc) {
		return "date_trunc('" + unit.DateTruncArg() + "', " + operand + ")", nil
	}

	switch d {
	case semql.DialectSQLite:
		switch unit {
		case manifest.UnitDay:
			return "date(" + operand + ")", nil
		case manifest.UnitMonth:
			return "date(" + operand + ", 'start of month')", nil
		case manifest.UnitYear:
			return "date(" + operand + ", 'start of year')", nil
		}
	case semql.DialectMySQL:
		switch unit {
		case manifest.UnitDay:
			return "DATE(" + operand + ")", nil
		case manifest.UnitMonth:
			return "DATE_FORMAT(" + operand + ", '%Y-%m-01')", nil
		case manifest.UnitYear:
			return "DATE_FORMAT(" + operand + ", '%Y-01-01')", nil
		}
	}

	return "", fmt.Errorf("%w: %s cannot bucket by %s for cumulative metrics", semql.ErrUnsupportedDialect, d, unit)
}

// buildViewDescriptor expands the view body through the same pipeline: its
// references were analyzed up front, here the body is rewritten against the
// shared CTE set.
func (b *descriptorBuilder) buildViewDescriptor(name string) (*QueryDescriptor, error) {
	analysis, ok := b.viewAnalyses[name]
	if !ok {
		return nil, fmt.Errorf("%w: view %q was not analyzed", semql.ErrInternal, name)
	}

	desc := &QueryDescriptor{Name: name}
	for _, object := range analysis.Objects {
		desc.addRequired(object)
	}

	rewritten, err := rewriteStatementTokens(analysis, b.am)
	if err != nil {
		return nil, err
	}

	desc.SQL = formatter.Render(rewritten)

	return desc, nil
}

// sortedKeys keeps map iteration deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
