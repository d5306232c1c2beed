package planner

import (
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/dialect"
	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/tokenizer"
)

// Plan rewrites sql against the manifest and converts the result for the
// session's dialect. Identical inputs produce byte-identical output; the call
// is safe to run concurrently with other plans over the same manifest.
func Plan(sql string, sess semql.SessionContext, am *manifest.AnalyzedManifest) (string, error) {
	return DryPlan(sql, sess, am, false)
}

// DryPlan is Plan with an escape hatch: when modelingOnly is true the dialect
// adapter is skipped and the dialect-independent SQL is returned.
func DryPlan(sql string, sess semql.SessionContext, am *manifest.AnalyzedManifest, modelingOnly bool) (string, error) {
	ctx := &PlanContext{
		SQL:     sql,
		Session: sess,
		Am:      am,
	}

	if err := NewPlanPipeline().Execute(ctx); err != nil {
		return "", planError(err)
	}

	if modelingOnly {
		return ctx.Output, nil
	}

	converted, err := dialect.Convert(ctx.Output, sess.Dialect)
	if err != nil {
		return "", planError(err)
	}

	return converted, nil
}

// Column describes one output column of a statement for DryRun.
type Column struct {
	Name string
	Type string
}

// DryRun parses and resolves the statement and returns its output shape
// without producing executable SQL. Columns that do not resolve against the
// manifest report type UNKNOWN.
func DryRun(sql string, sess semql.SessionContext, am *manifest.AnalyzedManifest) ([]Column, error) {
	ctx := &PlanContext{SQL: sql, Session: sess, Am: am}

	pipeline := &PlanPipeline{processors: []PlanProcessor{
		&parseProcessor{},
		&analyzeProcessor{},
	}}
	if err := pipeline.Execute(ctx); err != nil {
		return nil, planError(err)
	}

	return outputShape(ctx), nil
}

// planError normalizes any pipeline failure into a single *semql.PlanError.
// Internal invariant violations are logged with an operation id; everything
// else is the caller's to handle.
func planError(err error) error {
	var planErr *semql.PlanError
	if errors.As(err, &planErr) {
		return planErr
	}

	wrapped := semql.NewPlanError(err, "")
	if wrapped.Code == semql.CodeInternal {
		logrus.WithFields(logrus.Fields{
			"operation": uuid.NewString(),
			"error":     err.Error(),
		}).Error("planner invariant violation")
	}

	return wrapped
}

// outputShape derives the output column list from the outermost select list.
func outputShape(ctx *PlanContext) []Column {
	tokens := ctx.Statement.Tokens

	// locate the outermost SELECT, skipping a leading WITH clause
	pos := 0
	if pos < len(tokens) && tokens[pos].IsKeyword("WITH") {
		depth := 0
		for ; pos < len(tokens); pos++ {
			switch tokens[pos].Type {
			case tokenizer.OPENED_PARENS:
				depth++
			case tokenizer.CLOSED_PARENS:
				depth--
			}
			if depth == 0 && tokens[pos].IsKeyword("SELECT") {
				break
			}
		}
	}

	for pos < len(tokens) && !tokens[pos].IsKeyword("SELECT") {
		pos++
	}
	if pos >= len(tokens) {
		return nil
	}
	pos++

	if pos < len(tokens) && (tokens[pos].IsKeyword("DISTINCT") || tokens[pos].IsKeyword("ALL")) {
		pos++
	}

	// split the select list on top-level commas
	var items [][]tokenizer.Token
	var current []tokenizer.Token
	depth := 0

	for ; pos < len(tokens); pos++ {
		token := tokens[pos]
		if depth == 0 && (token.IsKeyword("FROM") || token.Type == tokenizer.SEMICOLON) {
			break
		}
		switch token.Type {
		case tokenizer.OPENED_PARENS:
			depth++
		case tokenizer.CLOSED_PARENS:
			depth--
		case tokenizer.COMMA:
			if depth == 0 {
				items = append(items, current)
				current = nil
				continue
			}
		}
		current = append(current, token)
	}
	if len(current) > 0 {
		items = append(items, current)
	}

	var columns []Column
	for i, item := range items {
		columns = append(columns, itemColumns(ctx, item, i)...)
	}

	return columns
}

// itemColumns resolves one select item to its output column(s). A star
// expands to every column of every referenced object, in scope order.
func itemColumns(ctx *PlanContext, item []tokenizer.Token, index int) []Column {
	if len(item) == 0 {
		return nil
	}

	if len(item) == 1 && item[0].Type == tokenizer.MULTIPLY {
		var columns []Column
		for _, object := range ctx.Analysis.Objects {
			for _, column := range ctx.Am.Columns(object) {
				if column.Relationship != "" {
					continue
				}
				columns = append(columns, Column{Name: column.Name, Type: column.Type})
			}
		}
		return columns
	}

	// explicit alias wins
	for i := len(item) - 1; i > 0; i-- {
		if item[i-1].IsKeyword("AS") && item[i].IsIdentifier() {
			return []Column{{Name: item[i].Identifier(), Type: itemType(ctx, item[:i-1])}}
		}
	}

	name := ""
	if last := item[len(item)-1]; last.IsIdentifier() {
		name = last.Identifier()
	}
	if name == "" {
		name = "_col" + strconv.Itoa(index+1)
	}

	return []Column{{Name: name, Type: itemType(ctx, item)}}
}

// itemType infers the manifest type of a simple column reference item.
func itemType(ctx *PlanContext, item []tokenizer.Token) string {
	var parts []string
	for _, token := range item {
		switch {
		case token.IsIdentifier():
			parts = append(parts, token.Identifier())
		case token.Type == tokenizer.DOT:
			// continue the chain
		default:
			return "UNKNOWN"
		}
	}

	switch len(parts) {
	case 1:
		var found *Column
		for _, object := range ctx.Analysis.Objects {
			if column, ok := ctx.Am.Column(object, parts[0]); ok {
				if found != nil {
					return "UNKNOWN"
				}
				found = &Column{Name: column.Name, Type: column.Type}
			}
		}
		if found != nil {
			return found.Type
		}
	case 2:
		if object, ok := ctx.Analysis.Scopes[parts[0]]; ok {
			if column, ok := ctx.Am.Column(object, parts[1]); ok {
				return column.Type
			}
		}
	}

	return "UNKNOWN"
}

