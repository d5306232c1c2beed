package planner

import (
	"fmt"
	"strings"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/expr"
	"github.com/shibukawa/semql/formatter"
	"github.com/shibukawa/semql/lineage"
	"github.com/shibukawa/semql/manifest"
)

// modelRewriter rewrites one model's column expressions against the flattened
// CTE projection: physical columns qualify against the origin alias, to-one
// dereferences become LEFT JOINs on the target CTEs, and to-many dereferences
// become aggregated subselects preserving the owner's row cardinality.
type modelRewriter struct {
	builder   *descriptorBuilder
	model     *manifest.Model
	baseAlias string

	joins           []string
	relAlias        map[string]string
	aggItems        map[string]string
	requiredObjects []string
	inlining        []string
}

func (rw *modelRewriter) addRequired(name string) {
	for _, existing := range rw.requiredObjects {
		if existing == name {
			return
		}
	}
	rw.requiredObjects = append(rw.requiredObjects, name)
}

// physicalItem renders a physical column against the origin alias. Source
// expressions have their bare references qualified.
func (rw *modelRewriter) physicalItem(column *manifest.Column) (string, error) {
	source := column.SourceExpression()

	node, err := expr.Parse(source)
	if err != nil {
		return "", fmt.Errorf("column %s.%s source: %w", rw.model.Name, column.Name, err)
	}

	baseQ := formatter.MustQuote(rw.baseAlias)
	rewritten := expr.Transform(node, func(n expr.Node) expr.Node {
		if ref, ok := n.(*expr.ColumnRef); ok && len(ref.Parts) == 1 {
			return &expr.Raw{Text: baseQ + "." + formatter.QuoteIdent(ref.Parts[0])}
		}
		return n
	})

	text := rewritten.SQL()
	if column.Expression != "" {
		if _, plain := node.(*expr.ColumnRef); !plain {
			text = "(" + text + ")"
		}
	}

	return text, nil
}

// calculatedItem renders a calculated column. Duplicate references to the
// same field reuse the joins registered by the first rendering.
func (rw *modelRewriter) calculatedItem(column *manifest.Column) (string, error) {
	for _, inProgress := range rw.inlining {
		if inProgress == column.Name {
			return "", &lineage.CycleError{Column: lineage.ColumnKey{Object: rw.model.Name, Column: column.Name}}
		}
	}
	rw.inlining = append(rw.inlining, column.Name)
	defer func() { rw.inlining = rw.inlining[:len(rw.inlining)-1] }()

	node, ok := rw.builder.graph.Expression(lineage.ColumnKey{Object: rw.model.Name, Column: column.Name})
	if !ok {
		parsed, err := expr.Parse(column.Expression)
		if err != nil {
			return "", fmt.Errorf("column %s.%s: %w", rw.model.Name, column.Name, err)
		}
		node = parsed
	}

	toMany, err := rw.hasToManyChain(node)
	if err != nil {
		return "", err
	}
	if toMany {
		return rw.toManyItem(column, node)
	}

	return rw.inlineExpression(node)
}

// inlineExpression substitutes every reference of a to-one expression: bare
// columns against the origin, dereference chains against their join aliases,
// and peer calculated columns recursively.
func (rw *modelRewriter) inlineExpression(node expr.Node) (string, error) {
	var transformErr error

	rewritten := expr.Transform(node, func(n expr.Node) expr.Node {
		if transformErr != nil {
			return n
		}

		ref, ok := n.(*expr.ColumnRef)
		if !ok {
			return n
		}

		if len(ref.Parts) == 1 {
			text, err := rw.bareReference(ref.Parts[0])
			if err != nil {
				transformErr = err
				return n
			}
			return &expr.Raw{Text: text}
		}

		alias, target, err := rw.ensureToOneChain(ref.Parts[:len(ref.Parts)-1])
		if err != nil {
			transformErr = err
			return n
		}

		leaf := ref.Leaf()
		if _, exists := rw.builder.am.Column(target, leaf); !exists {
			transformErr = fmt.Errorf("%w: %s.%s", semql.ErrUnknownColumn, target, leaf)
			return n
		}

		return &expr.Raw{Text: formatter.MustQuote(alias) + "." + formatter.QuoteIdent(leaf)}
	})

	if transformErr != nil {
		return "", transformErr
	}

	return rewritten.SQL(), nil
}

// bareReference resolves an unqualified reference against the owning model.
func (rw *modelRewriter) bareReference(name string) (string, error) {
	column, ok := rw.builder.am.Column(rw.model.Name, name)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", semql.ErrUnknownColumn, rw.model.Name, name)
	}

	switch column.Kind() {
	case manifest.KindPhysical:
		return rw.physicalItem(column)
	case manifest.KindCalculated:
		item, err := rw.calculatedItem(column)
		if err != nil {
			return "", err
		}
		return "(" + item + ")", nil
	default:
		return "", fmt.Errorf("%w: %s.%s is a relationship column", semql.ErrUnknownColumn, rw.model.Name, name)
	}
}

// chainHop is one relationship edge crossed by a dereference chain.
type chainHop struct {
	rel    *manifest.Relationship
	from   string
	target string
	toMany bool
}

// resolveChain walks the relationship columns of a dereference path.
func (rw *modelRewriter) resolveChain(parts []string) ([]chainHop, error) {
	current := rw.model.Name
	hops := make([]chainHop, 0, len(parts))

	for _, part := range parts {
		column, ok := rw.builder.am.Column(current, part)
		if !ok || column.Kind() != manifest.KindRelationship {
			return nil, fmt.Errorf("%w: %s.%s is not a relationship column", semql.ErrUnknownColumn, current, part)
		}

		rel, ok := rw.builder.am.Relationship(column.Relationship)
		if !ok {
			return nil, fmt.Errorf("%w: %s", semql.ErrUnknownRelationship, column.Relationship)
		}

		hop := chainHop{
			rel:    rel,
			from:   current,
			target: column.Type,
			toMany: rel.DirectionalJoinType(current).ToMany(),
		}
		hops = append(hops, hop)
		current = column.Type
	}

	return hops, nil
}

// hasToManyChain reports whether any dereference chain of the expression
// crosses a row-multiplying edge.
func (rw *modelRewriter) hasToManyChain(node expr.Node) (bool, error) {
	for _, ref := range expr.ColumnRefs(node) {
		if len(ref.Parts) < 2 {
			continue
		}

		hops, err := rw.resolveChain(ref.Parts[:len(ref.Parts)-1])
		if err != nil {
			return false, err
		}

		for _, hop := range hops {
			if hop.toMany {
				return true, nil
			}
		}
	}

	return false, nil
}

// ensureToOneChain registers the LEFT JOIN chain for a to-one dereference
// path and returns the alias and model of the final target. Chains shared by
// several expressions reuse one join.
func (rw *modelRewriter) ensureToOneChain(parts []string) (string, string, error) {
	hops, err := rw.resolveChain(parts)
	if err != nil {
		return "", "", err
	}

	var (
		path      string
		prevAlias string
		prevModel = rw.model.Name
	)

	for i, hop := range hops {
		if hop.toMany {
			return "", "", fmt.Errorf("%w: %s traverses a to-many relationship in a to-one position", semql.ErrInternal, strings.Join(parts, "."))
		}

		if path == "" {
			path = parts[i]
		} else {
			path += "." + parts[i]
		}

		alias, exists := rw.relAlias[path]
		if !exists {
			alias = strings.ReplaceAll(path, ".", "_") + "_rel_"
			rw.relAlias[path] = alias

			condition, err := rw.joinCondition(hop, prevAlias, formatter.MustQuote(alias))
			if err != nil {
				return "", "", err
			}

			rw.joins = append(rw.joins, "LEFT JOIN "+formatter.MustQuote(hop.target)+" AS "+formatter.MustQuote(alias)+" ON "+condition)
			rw.addRequired(hop.target)
		}

		prevAlias = alias
		prevModel = hop.target
	}

	return prevAlias, prevModel, nil
}

// joinCondition rewrites a relationship condition for a join step. The near
// side resolves against the previous alias (or the origin for the first hop),
// the far side against the joined CTE alias.
func (rw *modelRewriter) joinCondition(hop chainHop, prevAlias, targetAliasQ string) (string, error) {
	condition, err := expr.Parse(hop.rel.Condition)
	if err != nil {
		return "", fmt.Errorf("%w: relationship %s condition: %v", semql.ErrInternal, hop.rel.Name, err)
	}

	var transformErr error

	rewritten := expr.Transform(condition, func(n expr.Node) expr.Node {
		if transformErr != nil {
			return n
		}

		ref, ok := n.(*expr.ColumnRef)
		if !ok || len(ref.Parts) != 2 {
			return n
		}

		switch ref.Head() {
		case hop.target:
			return &expr.Raw{Text: targetAliasQ + "." + formatter.QuoteIdent(ref.Leaf())}
		case hop.from:
			text, err := rw.nearReference(hop.from, prevAlias, ref.Leaf())
			if err != nil {
				transformErr = err
				return n
			}
			return &expr.Raw{Text: text}
		default:
			transformErr = fmt.Errorf("%w: relationship %s condition references %s", semql.ErrUnknownObject, hop.rel.Name, ref.Head())
			return n
		}
	})

	if transformErr != nil {
		return "", transformErr
	}

	return rewritten.SQL(), nil
}

// nearReference renders a condition column of the near side: through the
// previous join alias, or against the origin for the first hop.
func (rw *modelRewriter) nearReference(model, prevAlias, column string) (string, error) {
	if prevAlias != "" {
		return formatter.MustQuote(prevAlias) + "." + formatter.QuoteIdent(column), nil
	}

	col, ok := rw.builder.am.Column(model, column)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", semql.ErrUnknownColumn, model, column)
	}

	return rw.physicalItem(col)
}

// toManyItem materializes a to-many calculated field: an aggregated subselect
// over the target models, grouped by the target-side join keys of the first
// hop, LEFT JOINed against the owner.
func (rw *modelRewriter) toManyItem(column *manifest.Column, node expr.Node) (string, error) {
	if item, done := rw.aggItems[column.Name]; done {
		return item, nil
	}

	refs := expr.ColumnRefs(node)

	var firstHop *chainHop
	joined := make(map[string]struct{})

	var subJoins []string

	for _, ref := range refs {
		if len(ref.Parts) < 2 {
			continue
		}

		hops, err := rw.resolveChain(ref.Parts[:len(ref.Parts)-1])
		if err != nil {
			return "", err
		}

		if firstHop == nil {
			firstHop = &hops[0]
		} else if hops[0].rel.Name != firstHop.rel.Name || hops[0].target != firstHop.target {
			return "", fmt.Errorf("%w: calculated column %s.%s mixes relationship chains", semql.ErrManifestInvalid, rw.model.Name, column.Name)
		}

		// extra hops join inside the subselect on the plain CTE names
		for _, hop := range hops[1:] {
			if _, done := joined[hop.from+"->"+hop.target]; done {
				continue
			}
			joined[hop.from+"->"+hop.target] = struct{}{}

			condition, err := rw.subselectCondition(hop)
			if err != nil {
				return "", err
			}
			subJoins = append(subJoins, "JOIN "+formatter.MustQuote(hop.target)+" ON "+condition)
			rw.addRequired(hop.target)
		}
	}

	if firstHop == nil {
		return "", fmt.Errorf("%w: calculated column %s.%s has no dereference", semql.ErrInternal, rw.model.Name, column.Name)
	}

	rw.addRequired(firstHop.target)

	keys, err := rw.targetConditionColumns(firstHop)
	if err != nil {
		return "", err
	}

	measure, err := rw.subselectExpression(node, firstHop.target)
	if err != nil {
		return "", err
	}

	targetQ := formatter.MustQuote(firstHop.target)
	aggAlias := column.Name + "_agg_"
	aggAliasQ := formatter.MustQuote(aggAlias)

	var selectItems, groupBy []string
	for _, key := range keys {
		item := targetQ + "." + formatter.QuoteIdent(key)
		selectItems = append(selectItems, item+" AS "+formatter.MustQuote(key+"_key_"))
		groupBy = append(groupBy, item)
	}
	selectItems = append(selectItems, measure+" AS "+formatter.MustQuote(column.Name))

	sub := "SELECT " + strings.Join(selectItems, ", ") + " FROM " + targetQ
	if len(subJoins) > 0 {
		sub += " " + strings.Join(subJoins, " ")
	}
	if len(groupBy) > 0 {
		sub += " GROUP BY " + strings.Join(groupBy, ", ")
	}

	onCondition, err := rw.outerAggCondition(firstHop, aggAliasQ)
	if err != nil {
		return "", err
	}

	rw.joins = append(rw.joins, "LEFT JOIN ("+sub+") AS "+aggAliasQ+" ON "+onCondition)

	item := aggAliasQ + "." + formatter.MustQuote(column.Name)
	if rw.aggItems == nil {
		rw.aggItems = make(map[string]string)
	}
	rw.aggItems[column.Name] = item

	return item, nil
}

// targetConditionColumns lists the first-hop condition columns on the target
// side, in condition order.
func (rw *modelRewriter) targetConditionColumns(hop *chainHop) ([]string, error) {
	condition, err := expr.Parse(hop.rel.Condition)
	if err != nil {
		return nil, fmt.Errorf("%w: relationship %s condition: %v", semql.ErrInternal, hop.rel.Name, err)
	}

	var keys []string
	seen := make(map[string]struct{})

	for _, ref := range expr.ColumnRefs(condition) {
		if len(ref.Parts) != 2 || ref.Head() != hop.target {
			continue
		}
		if _, done := seen[ref.Leaf()]; done {
			continue
		}
		seen[ref.Leaf()] = struct{}{}
		keys = append(keys, ref.Leaf())
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: relationship %s condition has no %s columns", semql.ErrManifestInvalid, hop.rel.Name, hop.target)
	}

	return keys, nil
}

// subselectCondition rewrites a relationship condition for use inside the
// aggregate subselect, where models are referenced by their CTE names.
func (rw *modelRewriter) subselectCondition(hop chainHop) (string, error) {
	condition, err := expr.Parse(hop.rel.Condition)
	if err != nil {
		return "", fmt.Errorf("%w: relationship %s condition: %v", semql.ErrInternal, hop.rel.Name, err)
	}

	rewritten := expr.Transform(condition, func(n expr.Node) expr.Node {
		if ref, ok := n.(*expr.ColumnRef); ok && len(ref.Parts) == 2 {
			return &expr.Raw{Text: formatter.MustQuote(ref.Head()) + "." + formatter.QuoteIdent(ref.Leaf())}
		}
		return n
	})

	return rewritten.SQL(), nil
}

// subselectExpression rewrites the calculated expression for evaluation
// inside the aggregate subselect: chains resolve to their final target CTE,
// bare references against the first-hop target.
func (rw *modelRewriter) subselectExpression(node expr.Node, firstTarget string) (string, error) {
	var transformErr error

	rewritten := expr.Transform(node, func(n expr.Node) expr.Node {
		if transformErr != nil {
			return n
		}

		ref, ok := n.(*expr.ColumnRef)
		if !ok {
			return n
		}

		if len(ref.Parts) == 1 {
			if _, exists := rw.builder.am.Column(firstTarget, ref.Parts[0]); !exists {
				transformErr = fmt.Errorf("%w: %s.%s is not reachable inside an aggregated dereference", semql.ErrUnknownColumn, firstTarget, ref.Parts[0])
				return n
			}
			return &expr.Raw{Text: formatter.MustQuote(firstTarget) + "." + formatter.QuoteIdent(ref.Parts[0])}
		}

		hops, err := rw.resolveChain(ref.Parts[:len(ref.Parts)-1])
		if err != nil {
			transformErr = err
			return n
		}

		final := hops[len(hops)-1].target
		leaf := ref.Leaf()
		if _, exists := rw.builder.am.Column(final, leaf); !exists {
			transformErr = fmt.Errorf("%w: %s.%s", semql.ErrUnknownColumn, final, leaf)
			return n
		}

		return &expr.Raw{Text: formatter.MustQuote(final) + "." + formatter.QuoteIdent(leaf)}
	})

	if transformErr != nil {
		return "", transformErr
	}

	return rewritten.SQL(), nil
}

// outerAggCondition rewrites the first-hop condition for the outer LEFT JOIN:
// the owner side against the origin, the target side against the projected
// group keys of the subselect.
func (rw *modelRewriter) outerAggCondition(hop *chainHop, aggAliasQ string) (string, error) {
	condition, err := expr.Parse(hop.rel.Condition)
	if err != nil {
		return "", fmt.Errorf("%w: relationship %s condition: %v", semql.ErrInternal, hop.rel.Name, err)
	}

	var transformErr error

	rewritten := expr.Transform(condition, func(n expr.Node) expr.Node {
		if transformErr != nil {
			return n
		}

		ref, ok := n.(*expr.ColumnRef)
		if !ok || len(ref.Parts) != 2 {
			return n
		}

		switch ref.Head() {
		case hop.target:
			return &expr.Raw{Text: aggAliasQ + "." + formatter.MustQuote(ref.Leaf()+"_key_")}
		case hop.from:
			text, err := rw.nearReference(hop.from, "", ref.Leaf())
			if err != nil {
				transformErr = err
				return n
			}
			return &expr.Raw{Text: text}
		default:
			transformErr = fmt.Errorf("%w: relationship %s condition references %s", semql.ErrUnknownObject, hop.rel.Name, ref.Head())
			return n
		}
	})

	if transformErr != nil {
		return "", transformErr
	}

	return rewritten.SQL(), nil
}
