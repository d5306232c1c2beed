// Package lineage computes, for calculated columns, the minimum set of base
// columns per catalog object that must flow through a plan. The dependency
// substrate is a directed graph over (object, column) pairs; cycles are legal
// to declare and only fail the traversals that touch them.
package lineage

import (
	"fmt"
	"sort"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/expr"
	"github.com/shibukawa/semql/manifest"
)

// ColumnKey identifies one column of one catalog object.
type ColumnKey struct {
	Object string
	Column string
}

func (k ColumnKey) String() string {
	return k.Object + "." + k.Column
}

// CycleError reports a calculated-field cycle, naming a column on the cycle.
type CycleError struct {
	Column ColumnKey
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in calculated field dependencies starting at %s", e.Column)
}

func (e *CycleError) Unwrap() error {
	return semql.ErrCycle
}

// ObjectFields is the required column set of one object. The slice form keeps
// the mapping ordered: objects appear dependency-first.
type ObjectFields struct {
	Object  string
	Columns []string
}

// Graph is the lineage analyzer over one analyzed manifest. It is safe for
// concurrent use: expression parses are done eagerly at construction and all
// traversal state lives in the call.
type Graph struct {
	am    *manifest.AnalyzedManifest
	exprs map[ColumnKey]expr.Node
}

// New builds the lineage graph for am. Expressions were validated during
// manifest analysis, so parsing here cannot fail; a defensive error is
// returned if it somehow does.
func New(am *manifest.AnalyzedManifest) (*Graph, error) {
	g := &Graph{
		am:    am,
		exprs: make(map[ColumnKey]expr.Node),
	}

	for _, model := range am.ListModels() {
		for _, column := range model.Columns {
			if column.Kind() != manifest.KindCalculated {
				continue
			}
			node, err := expr.Parse(column.Expression)
			if err != nil {
				return nil, fmt.Errorf("%w: reparsing %s.%s: %v", semql.ErrInternal, model.Name, column.Name, err)
			}
			g.exprs[ColumnKey{Object: model.Name, Column: column.Name}] = node
		}
	}

	for _, metric := range am.Manifest().Metrics {
		for _, column := range append(append([]*manifest.Column{}, metric.Dimensions...), metric.Measures...) {
			if column.Expression == "" {
				continue
			}
			node, err := expr.Parse(column.Expression)
			if err != nil {
				return nil, fmt.Errorf("%w: reparsing %s.%s: %v", semql.ErrInternal, metric.Name, column.Name, err)
			}
			g.exprs[ColumnKey{Object: metric.Name, Column: column.Name}] = node
		}
	}

	return g, nil
}

// Expression returns the parsed expression of a calculated column, if any.
func (g *Graph) Expression(key ColumnKey) (expr.Node, bool) {
	node, ok := g.exprs[key]
	return node, ok
}

// RequiredFields computes the transitive base-column requirements of the given
// columns, unioned per object. The result is ordered so that if object A
// depends on object B, B precedes A. A *CycleError wrapping semql.ErrCycle is
// returned when the traversal closes a cycle.
func (g *Graph) RequiredFields(keys []ColumnKey) ([]ObjectFields, error) {
	t := newTraversal(g)

	for _, key := range keys {
		t.touchObject(key.Object)
		if err := t.expand(key); err != nil {
			return nil, err
		}
	}

	return t.ordered()
}

// SourceColumns returns the immediate (non-transitive) source columns of one
// column, grouped per object in dependency-first order, as RequiredFields.
func (g *Graph) SourceColumns(key ColumnKey) ([]ObjectFields, error) {
	t := newTraversal(g)

	t.touchObject(key.Object)
	if err := t.expandShallow(key); err != nil {
		return nil, err
	}

	return t.ordered()
}

// visit colors for the three-color DFS
const (
	white = iota
	gray
	black
)

type traversal struct {
	graph        *Graph
	state        map[ColumnKey]int
	required     map[string]map[string]struct{}
	deps         map[string][]string
	touched      []string
	calcByObject map[string]ColumnKey
}

func newTraversal(g *Graph) *traversal {
	return &traversal{
		graph:        g,
		state:        make(map[ColumnKey]int),
		required:     make(map[string]map[string]struct{}),
		deps:         make(map[string][]string),
		calcByObject: make(map[string]ColumnKey),
	}
}

func (t *traversal) touchObject(name string) {
	if _, ok := t.required[name]; ok {
		return
	}
	t.required[name] = make(map[string]struct{})
	t.touched = append(t.touched, name)
}

func (t *traversal) addRequired(key ColumnKey) {
	t.touchObject(key.Object)
	t.required[key.Object][key.Column] = struct{}{}
}

func (t *traversal) addDep(from, to string) {
	if from == to {
		return
	}
	for _, existing := range t.deps[from] {
		if existing == to {
			return
		}
	}
	t.deps[from] = append(t.deps[from], to)
}

// expand walks one column to its transitive base columns.
func (t *traversal) expand(key ColumnKey) error {
	switch t.state[key] {
	case gray:
		return &CycleError{Column: key}
	case black:
		return nil
	}

	column, ok := t.graph.am.Column(key.Object, key.Column)
	if !ok {
		return fmt.Errorf("%w: %s", semql.ErrUnknownColumn, key)
	}

	t.state[key] = gray
	t.touchObject(key.Object)

	err := t.expandColumn(key, column, t.expand)

	if err != nil {
		return err
	}

	t.state[key] = black

	return nil
}

// expandShallow resolves one level only: calculated targets are reported as
// sources, not descended into.
func (t *traversal) expandShallow(key ColumnKey) error {
	column, ok := t.graph.am.Column(key.Object, key.Column)
	if !ok {
		return fmt.Errorf("%w: %s", semql.ErrUnknownColumn, key)
	}

	return t.expandColumn(key, column, func(target ColumnKey) error {
		t.addRequired(target)
		return nil
	})
}

// expandColumn dispatches on the column kind and feeds each resolved source
// key to visit.
func (t *traversal) expandColumn(key ColumnKey, column *manifest.Column, visit func(ColumnKey) error) error {
	kind, _ := t.graph.am.ObjectKind(key.Object)

	if kind != manifest.ObjectModel || column.Kind() == manifest.KindCalculated {
		if _, recorded := t.calcByObject[key.Object]; !recorded {
			t.calcByObject[key.Object] = key
		}
	}

	switch kind {
	case manifest.ObjectCumulativeMetric:
		cm, _ := t.graph.am.CumulativeMetric(key.Object)
		t.addDep(key.Object, cm.BaseObject)
		t.touchObject(cm.BaseObject)
		if key.Column == cm.Window.Name {
			return visit(ColumnKey{Object: cm.BaseObject, Column: cm.Window.RefColumn})
		}
		if err := visit(ColumnKey{Object: cm.BaseObject, Column: cm.Measure.RefColumn}); err != nil {
			return err
		}
		return visit(ColumnKey{Object: cm.BaseObject, Column: cm.Window.RefColumn})

	case manifest.ObjectMetric:
		metric, _ := t.graph.am.Metric(key.Object)
		t.addDep(key.Object, metric.BaseObject)
		t.touchObject(metric.BaseObject)

		node, ok := t.graph.exprs[key]
		if !ok {
			// A dimension without an expression maps to the base column of
			// the same name.
			return visit(ColumnKey{Object: metric.BaseObject, Column: column.Name})
		}
		return t.walkExpression(key.Object, metric.BaseObject, node, visit)
	}

	// Model columns
	switch column.Kind() {
	case manifest.KindPhysical:
		t.addRequired(key)
		return nil
	case manifest.KindRelationship:
		// A bare relationship column carries no base columns itself; the
		// target object must still appear.
		t.addDep(key.Object, column.Type)
		t.touchObject(column.Type)
		return nil
	}

	node, ok := t.graph.exprs[key]
	if !ok {
		return fmt.Errorf("%w: missing expression for %s", semql.ErrInternal, key)
	}

	return t.walkExpression(key.Object, key.Object, node, visit)
}

// walkExpression resolves every column reference of one expression. owner is
// the object whose relationship columns anchor dereference chains;
// identOwner is where bare identifiers resolve (the base object for metric
// columns, the owner itself for models).
func (t *traversal) walkExpression(owner, identOwner string, node expr.Node, visit func(ColumnKey) error) error {
	var walkErr error

	expr.Walk(node, func(n expr.Node) bool {
		if walkErr != nil {
			return false
		}

		ref, ok := n.(*expr.ColumnRef)
		if !ok {
			return true
		}

		if len(ref.Parts) == 1 {
			walkErr = visit(ColumnKey{Object: identOwner, Column: ref.Parts[0]})
			return false
		}

		walkErr = t.walkChain(owner, ref.Parts, visit)

		return false
	})

	return walkErr
}

// walkChain follows a dereference chain r.x.y through relationship columns,
// requiring the join-condition columns of every edge crossed.
func (t *traversal) walkChain(owner string, parts []string, visit func(ColumnKey) error) error {
	current := owner

	for i := 0; i < len(parts)-1; i++ {
		column, ok := t.graph.am.Column(current, parts[i])
		if !ok || column.Kind() != manifest.KindRelationship {
			return fmt.Errorf("%w: %s.%s is not a relationship column", semql.ErrUnknownColumn, current, parts[i])
		}

		rel, ok := t.graph.am.Relationship(column.Relationship)
		if !ok {
			return fmt.Errorf("%w: %s", semql.ErrUnknownRelationship, column.Relationship)
		}

		if err := t.requireCondition(rel, visit); err != nil {
			return err
		}

		target := column.Type
		t.addDep(owner, target)
		t.touchObject(target)
		current = target
	}

	return visit(ColumnKey{Object: current, Column: parts[len(parts)-1]})
}

// requireCondition marks every column referenced by a join condition as
// required on its own side.
func (t *traversal) requireCondition(rel *manifest.Relationship, visit func(ColumnKey) error) error {
	condition, err := expr.Parse(rel.Condition)
	if err != nil {
		return fmt.Errorf("%w: relationship %s condition: %v", semql.ErrInternal, rel.Name, err)
	}

	for _, ref := range expr.ColumnRefs(condition) {
		if len(ref.Parts) != 2 {
			continue
		}
		if err := visit(ColumnKey{Object: ref.Head(), Column: ref.Leaf()}); err != nil {
			return err
		}
	}

	return nil
}

// ordered emits the per-object sets dependency-first, tie-broken by first
// touch during traversal, with columns sorted for determinism. Object-level
// dependency cycles (two objects whose materializations each require the
// other) are reported here, naming a calculated column of the object closing
// the cycle.
func (t *traversal) ordered() ([]ObjectFields, error) {
	var (
		result []ObjectFields
		colors = make(map[string]int)
	)

	var emit func(object string) error
	emit = func(object string) error {
		switch colors[object] {
		case gray:
			if key, ok := t.calcByObject[object]; ok {
				return &CycleError{Column: key}
			}
			return &CycleError{Column: ColumnKey{Object: object}}
		case black:
			return nil
		}
		colors[object] = gray

		for _, dep := range t.deps[object] {
			if err := emit(dep); err != nil {
				return err
			}
		}

		columns := make([]string, 0, len(t.required[object]))
		for column := range t.required[object] {
			columns = append(columns, column)
		}
		sort.Strings(columns)

		result = append(result, ObjectFields{Object: object, Columns: columns})
		colors[object] = black

		return nil
	}

	for _, object := range t.touched {
		if err := emit(object); err != nil {
			return nil, err
		}
	}

	return result, nil
}
