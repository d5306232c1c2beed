package manifest

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/expr"
)

// Mode selects how wide the generated CTE projections are.
type Mode string

const (
	// ModeDynamicFields projects only the columns a statement requires.
	ModeDynamicFields Mode = "dynamic"
	// ModeFullMaterialization projects every column of each referenced object.
	ModeFullMaterialization Mode = "full"
)

// ObjectKind tags the catalog object variants an identifier can resolve to.
type ObjectKind int

const (
	ObjectModel ObjectKind = iota
	ObjectMetric
	ObjectCumulativeMetric
	ObjectView
)

// AnalyzedManifest is a manifest that passed structural analysis, together
// with its lookup indexes. It is immutable and safe to share across
// concurrent plan operations.
type AnalyzedManifest struct {
	manifest *Manifest

	models            map[string]*Model
	metrics           map[string]*Metric
	cumulativeMetrics map[string]*CumulativeMetric
	views             map[string]*View
	relationships     map[string]*Relationship
	columnsByObject   map[string]map[string]*Column
	kinds             map[string]ObjectKind

	properties map[string]string
	mode       Mode
	hash       uint64
}

// Analyze checks the manifest against the structural invariants and builds
// the shared indexes. It is pure: equal inputs produce an equal result, which
// makes the triple (manifest hash, properties, mode) a stable caching key.
// Calculated-field cycles are NOT rejected here; they surface lazily when a
// traversal touches them.
func Analyze(m *Manifest, properties map[string]string, mode Mode) (*AnalyzedManifest, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is nil", semql.ErrManifestInvalid)
	}

	if mode == "" {
		mode = ModeDynamicFields
	}

	am := &AnalyzedManifest{
		manifest:          m,
		models:            make(map[string]*Model, len(m.Models)),
		metrics:           make(map[string]*Metric, len(m.Metrics)),
		cumulativeMetrics: make(map[string]*CumulativeMetric, len(m.CumulativeMetrics)),
		views:             make(map[string]*View, len(m.Views)),
		relationships:     make(map[string]*Relationship, len(m.Relationships)),
		columnsByObject:   make(map[string]map[string]*Column),
		kinds:             make(map[string]ObjectKind),
		properties:        properties,
		mode:              mode,
	}

	if err := am.index(); err != nil {
		return nil, err
	}
	if err := am.checkModels(); err != nil {
		return nil, err
	}
	if err := am.checkRelationships(); err != nil {
		return nil, err
	}
	if err := am.checkMetrics(); err != nil {
		return nil, err
	}
	if err := am.checkCumulativeMetrics(); err != nil {
		return nil, err
	}
	if err := am.checkEnumsAndMacros(); err != nil {
		return nil, err
	}

	hash, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing manifest: %v", semql.ErrInternal, err)
	}
	am.hash = hash

	return am, nil
}

// index registers every named object, rejecting duplicates across the four
// relation-like collections. Object names are case sensitive.
func (am *AnalyzedManifest) index() error {
	register := func(name string, kind ObjectKind) error {
		if name == "" {
			return fmt.Errorf("%w: object with empty name", semql.ErrManifestInvalid)
		}
		if _, exists := am.kinds[name]; exists {
			return fmt.Errorf("%w: %q", semql.ErrDuplicateName, name)
		}
		am.kinds[name] = kind
		return nil
	}

	for _, model := range am.manifest.Models {
		if err := register(model.Name, ObjectModel); err != nil {
			return err
		}
		am.models[model.Name] = model

		columns := make(map[string]*Column, len(model.Columns))
		for _, column := range model.Columns {
			if _, exists := columns[column.Name]; exists {
				return fmt.Errorf("%w: column %s.%s", semql.ErrDuplicateName, model.Name, column.Name)
			}
			columns[column.Name] = column
		}
		am.columnsByObject[model.Name] = columns
	}

	for _, metric := range am.manifest.Metrics {
		if err := register(metric.Name, ObjectMetric); err != nil {
			return err
		}
		am.metrics[metric.Name] = metric

		columns := make(map[string]*Column, len(metric.Dimensions)+len(metric.Measures))
		for _, column := range append(append([]*Column{}, metric.Dimensions...), metric.Measures...) {
			if _, exists := columns[column.Name]; exists {
				return fmt.Errorf("%w: column %s.%s", semql.ErrDuplicateName, metric.Name, column.Name)
			}
			columns[column.Name] = column
		}
		am.columnsByObject[metric.Name] = columns
	}

	for _, cm := range am.manifest.CumulativeMetrics {
		if err := register(cm.Name, ObjectCumulativeMetric); err != nil {
			return err
		}
		am.cumulativeMetrics[cm.Name] = cm

		am.columnsByObject[cm.Name] = map[string]*Column{
			cm.Window.Name:  {Name: cm.Window.Name, Type: "DATE"},
			cm.Measure.Name: {Name: cm.Measure.Name, Type: cm.Measure.Type},
		}
	}

	for _, view := range am.manifest.Views {
		if err := register(view.Name, ObjectView); err != nil {
			return err
		}
		am.views[view.Name] = view
	}

	for _, rel := range am.manifest.Relationships {
		if _, exists := am.relationships[rel.Name]; exists {
			return fmt.Errorf("%w: relationship %q", semql.ErrDuplicateName, rel.Name)
		}
		am.relationships[rel.Name] = rel
	}

	return nil
}

func (am *AnalyzedManifest) checkModels() error {
	for _, model := range am.manifest.Models {
		origins := 0
		if model.RefSQL != "" {
			origins++
		}
		if model.BaseObject != "" {
			origins++
		}
		if model.TableReference != nil {
			origins++
		}
		if origins != 1 {
			return fmt.Errorf("%w: model %q declares %d origins", semql.ErrInvalidOrigin, model.Name, origins)
		}

		if model.BaseObject != "" {
			if _, ok := am.kinds[model.BaseObject]; !ok {
				return fmt.Errorf("%w: model %q baseObject %q", semql.ErrUnknownObject, model.Name, model.BaseObject)
			}
		}

		if model.PrimaryKey != "" {
			if _, ok := am.columnsByObject[model.Name][model.PrimaryKey]; !ok {
				return fmt.Errorf("%w: model %q primaryKey %q", semql.ErrUnknownColumn, model.Name, model.PrimaryKey)
			}
		}

		for _, column := range model.Columns {
			switch column.Kind() {
			case KindRelationship:
				rel, ok := am.relationships[column.Relationship]
				if !ok {
					return fmt.Errorf("%w: column %s.%s references relationship %q", semql.ErrUnknownRelationship, model.Name, column.Name, column.Relationship)
				}
				if rel.Other(model.Name) == "" {
					return fmt.Errorf("%w: relationship %q does not join model %q", semql.ErrUnknownRelationship, column.Relationship, model.Name)
				}
				if _, ok := am.models[column.Type]; !ok {
					return fmt.Errorf("%w: column %s.%s targets model %q", semql.ErrUnknownObject, model.Name, column.Name, column.Type)
				}
			case KindCalculated:
				if column.Expression == "" {
					return fmt.Errorf("%w: calculated column %s.%s has no expression", semql.ErrManifestInvalid, model.Name, column.Name)
				}
				if _, err := expr.Parse(column.Expression); err != nil {
					return fmt.Errorf("calculated column %s.%s: %w", model.Name, column.Name, err)
				}
			}
		}
	}

	return nil
}

func (am *AnalyzedManifest) checkRelationships() error {
	for _, rel := range am.manifest.Relationships {
		if len(rel.Models) != 2 {
			return fmt.Errorf("%w: relationship %q must join exactly two models", semql.ErrManifestInvalid, rel.Name)
		}

		for _, name := range rel.Models {
			if _, ok := am.models[name]; !ok {
				return fmt.Errorf("%w: relationship %q endpoint %q", semql.ErrUnknownObject, rel.Name, name)
			}
		}

		if rel.JoinType == "" {
			return fmt.Errorf("%w: relationship %q has no join type", semql.ErrManifestInvalid, rel.Name)
		}

		condition, err := expr.Parse(rel.Condition)
		if err != nil {
			return fmt.Errorf("relationship %q condition: %w", rel.Name, err)
		}

		// Every qualified column in the condition must resolve against one of
		// the two endpoints.
		for _, ref := range expr.ColumnRefs(condition) {
			if len(ref.Parts) != 2 {
				return fmt.Errorf("%w: relationship %q condition must use model.column references", semql.ErrManifestInvalid, rel.Name)
			}
			if ref.Head() != rel.Models[0] && ref.Head() != rel.Models[1] {
				return fmt.Errorf("%w: relationship %q condition references %q", semql.ErrUnknownObject, rel.Name, ref.Head())
			}
			if _, ok := am.columnsByObject[ref.Head()][ref.Leaf()]; !ok {
				return fmt.Errorf("%w: relationship %q condition references %s.%s", semql.ErrUnknownColumn, rel.Name, ref.Head(), ref.Leaf())
			}
		}
	}

	return nil
}

func (am *AnalyzedManifest) checkMetrics() error {
	for _, metric := range am.manifest.Metrics {
		if _, ok := am.kinds[metric.BaseObject]; !ok {
			return fmt.Errorf("%w: metric %q baseObject %q", semql.ErrUnknownObject, metric.Name, metric.BaseObject)
		}

		for _, column := range append(append([]*Column{}, metric.Dimensions...), metric.Measures...) {
			if column.Expression == "" {
				continue
			}
			if _, err := expr.Parse(column.Expression); err != nil {
				return fmt.Errorf("metric column %s.%s: %w", metric.Name, column.Name, err)
			}
		}
	}

	return nil
}

func (am *AnalyzedManifest) checkCumulativeMetrics() error {
	for _, cm := range am.manifest.CumulativeMetrics {
		if _, ok := am.kinds[cm.BaseObject]; !ok {
			return fmt.Errorf("%w: cumulative metric %q baseObject %q", semql.ErrUnknownObject, cm.Name, cm.BaseObject)
		}

		if cm.Window.TimeUnit == "" {
			return fmt.Errorf("%w: cumulative metric %q window has no time unit", semql.ErrManifestInvalid, cm.Name)
		}

		start, err := time.Parse("2006-01-02", cm.Window.Start)
		if err != nil {
			return fmt.Errorf("%w: cumulative metric %q window start %q", semql.ErrManifestInvalid, cm.Name, cm.Window.Start)
		}
		end, err := time.Parse("2006-01-02", cm.Window.End)
		if err != nil {
			return fmt.Errorf("%w: cumulative metric %q window end %q", semql.ErrManifestInvalid, cm.Name, cm.Window.End)
		}
		if start.After(end) {
			return fmt.Errorf("%w: cumulative metric %q window [%s, %s]", semql.ErrInvalidWindow, cm.Name, cm.Window.Start, cm.Window.End)
		}
	}

	return nil
}

func (am *AnalyzedManifest) checkEnumsAndMacros() error {
	seenEnums := make(map[string]struct{}, len(am.manifest.EnumDefinitions))
	for _, enum := range am.manifest.EnumDefinitions {
		if _, exists := seenEnums[enum.Name]; exists {
			return fmt.Errorf("%w: enum %q", semql.ErrDuplicateName, enum.Name)
		}
		seenEnums[enum.Name] = struct{}{}

		seenValues := make(map[string]struct{}, len(enum.Values))
		for _, value := range enum.Values {
			if _, exists := seenValues[value.Name]; exists {
				return fmt.Errorf("%w: enum value %s.%s", semql.ErrDuplicateName, enum.Name, value.Name)
			}
			seenValues[value.Name] = struct{}{}
		}
	}

	seenMacros := make(map[string]struct{}, len(am.manifest.Macros))
	for _, macro := range am.manifest.Macros {
		if _, exists := seenMacros[macro.Name]; exists {
			return fmt.Errorf("%w: macro %q", semql.ErrDuplicateName, macro.Name)
		}
		seenMacros[macro.Name] = struct{}{}

		seenParams := make(map[string]struct{}, len(macro.Parameters))
		for _, param := range macro.Parameters {
			if _, exists := seenParams[param.Name]; exists {
				return fmt.Errorf("%w: macro parameter %s(%s)", semql.ErrDuplicateName, macro.Name, param.Name)
			}
			seenParams[param.Name] = struct{}{}
		}
	}

	return nil
}

// Model returns the model by exact name.
func (am *AnalyzedManifest) Model(name string) (*Model, bool) {
	m, ok := am.models[name]
	return m, ok
}

// Metric returns the metric by exact name.
func (am *AnalyzedManifest) Metric(name string) (*Metric, bool) {
	m, ok := am.metrics[name]
	return m, ok
}

// CumulativeMetric returns the cumulative metric by exact name.
func (am *AnalyzedManifest) CumulativeMetric(name string) (*CumulativeMetric, bool) {
	m, ok := am.cumulativeMetrics[name]
	return m, ok
}

// View returns the view by exact name.
func (am *AnalyzedManifest) View(name string) (*View, bool) {
	v, ok := am.views[name]
	return v, ok
}

// Relationship returns the relationship by exact name.
func (am *AnalyzedManifest) Relationship(name string) (*Relationship, bool) {
	r, ok := am.relationships[name]
	return r, ok
}

// ObjectKind reports whether name is a catalog object and which kind.
func (am *AnalyzedManifest) ObjectKind(name string) (ObjectKind, bool) {
	kind, ok := am.kinds[name]
	return kind, ok
}

// Column returns the column of a catalog object, covering models, metrics,
// and cumulative metrics.
func (am *AnalyzedManifest) Column(object, column string) (*Column, bool) {
	columns, ok := am.columnsByObject[object]
	if !ok {
		return nil, false
	}
	c, ok := columns[column]
	return c, ok
}

// Columns returns the declared column order of a model or metric object.
func (am *AnalyzedManifest) Columns(object string) []*Column {
	if model, ok := am.models[object]; ok {
		return model.Columns
	}
	if metric, ok := am.metrics[object]; ok {
		return append(append([]*Column{}, metric.Dimensions...), metric.Measures...)
	}
	if cm, ok := am.cumulativeMetrics[object]; ok {
		return []*Column{
			{Name: cm.Window.Name, Type: "DATE"},
			{Name: cm.Measure.Name, Type: cm.Measure.Type},
		}
	}
	return nil
}

// CatalogSchemaPrefix returns the implicit qualifying prefix.
func (am *AnalyzedManifest) CatalogSchemaPrefix() (string, string) {
	return am.manifest.Catalog, am.manifest.Schema
}

// ListModels returns the models in declaration order.
func (am *AnalyzedManifest) ListModels() []*Model {
	return am.manifest.Models
}

// Manifest exposes the underlying immutable document.
func (am *AnalyzedManifest) Manifest() *Manifest {
	return am.manifest
}

// Mode returns the projection mode the manifest was analyzed under.
func (am *AnalyzedManifest) Mode() Mode {
	return am.mode
}

// Properties returns the session properties used as part of the cache key.
func (am *AnalyzedManifest) Properties() map[string]string {
	return am.properties
}

// Hash is the structural hash of the manifest content, stable across
// processes.
func (am *AnalyzedManifest) Hash() uint64 {
	return am.hash
}
