package planner

import (
	"fmt"
	"strings"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/formatter"
	"github.com/shibukawa/semql/lineage"
	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/tokenizer"
)

// PlanState tracks the per-statement rewrite state machine. Each processor
// advances exactly one transition; a failure leaves the context in its last
// good state and surfaces a single PlanError to the caller.
type PlanState int

const (
	StateInitial PlanState = iota
	StateParsed
	StateAnalyzed
	StateDescriptorsBuilt
	StateCTEsAssembled
	StateEmitted
)

// PlanContext carries the request-owned state of one plan operation. The
// manifest and lineage graph are shared read-only.
type PlanContext struct {
	SQL     string
	Session semql.SessionContext
	Am      *manifest.AnalyzedManifest

	State        PlanState
	Statement    *Statement
	Analysis     *Analysis
	ViewAnalyses map[string]*Analysis
	Graph        *lineage.Graph
	Builder      *descriptorBuilder
	Order        []string
	Output       string
}

// PlanProcessor is one stage of the plan pipeline.
type PlanProcessor interface {
	Name() string
	Process(ctx *PlanContext) error
}

// PlanPipeline executes processors in order.
type PlanPipeline struct {
	processors []PlanProcessor
}

// NewPlanPipeline creates the default five-stage pipeline.
func NewPlanPipeline() *PlanPipeline {
	return &PlanPipeline{
		processors: []PlanProcessor{
			&parseProcessor{},
			&analyzeProcessor{},
			&descriptorProcessor{},
			&assembleProcessor{},
			&emitProcessor{},
		},
	}
}

// Execute runs every stage, stopping at the first failure.
func (p *PlanPipeline) Execute(ctx *PlanContext) error {
	for _, processor := range p.processors {
		if err := processor.Process(ctx); err != nil {
			return fmt.Errorf("%s: %w", processor.Name(), err)
		}
	}
	return nil
}

// parseProcessor: Initial -> Parsed
type parseProcessor struct{}

func (p *parseProcessor) Name() string { return "parse" }

func (p *parseProcessor) Process(ctx *PlanContext) error {
	if len(ctx.SQL) > semql.MaxSQLInputBytes {
		return fmt.Errorf("%w: statement is %d bytes, limit is %d", semql.ErrInputTooLarge, len(ctx.SQL), semql.MaxSQLInputBytes)
	}

	stmt, err := parseStatement(ctx.SQL)
	if err != nil {
		// messages carry a bounded excerpt of the input only
		return fmt.Errorf("%w (near %q)", err, semql.Excerpt(ctx.SQL))
	}

	ctx.Statement = stmt
	ctx.State = StateParsed

	return nil
}

// analyzeProcessor: Parsed -> Analyzed. Referenced views are expanded
// recursively so their requirements join the statement's.
type analyzeProcessor struct{}

func (p *analyzeProcessor) Name() string { return "analyze" }

func (p *analyzeProcessor) Process(ctx *PlanContext) error {
	analysis, err := analyzeStatement(ctx.Statement, ctx.Session, ctx.Am)
	if err != nil {
		return err
	}

	ctx.Analysis = analysis
	ctx.ViewAnalyses = make(map[string]*Analysis)

	if err := p.expandViews(ctx, analysis, nil); err != nil {
		return err
	}

	ctx.State = StateAnalyzed

	return nil
}

// expandViews analyzes every referenced view body, following nested view
// references. Mutually recursive views are a defensive cycle.
func (p *analyzeProcessor) expandViews(ctx *PlanContext, analysis *Analysis, stack []string) error {
	for _, object := range analysis.Objects {
		kind, _ := ctx.Am.ObjectKind(object)
		if kind != manifest.ObjectView {
			continue
		}
		if _, done := ctx.ViewAnalyses[object]; done {
			continue
		}

		for _, inProgress := range stack {
			if inProgress == object {
				return &lineage.CycleError{Column: lineage.ColumnKey{Object: object}}
			}
		}

		view, _ := ctx.Am.View(object)

		stmt, err := parseStatement(view.Statement)
		if err != nil {
			return fmt.Errorf("view %q: %w", object, err)
		}

		viewAnalysis, err := analyzeStatement(stmt, ctx.Session, ctx.Am)
		if err != nil {
			return fmt.Errorf("view %q: %w", object, err)
		}

		ctx.ViewAnalyses[object] = viewAnalysis

		if err := p.expandViews(ctx, viewAnalysis, append(stack, object)); err != nil {
			return err
		}
	}

	return nil
}

// descriptorProcessor: Analyzed -> DescriptorsBuilt. Builds the lineage
// closure and one descriptor per referenced object, expanding required
// objects to a fixed point.
type descriptorProcessor struct{}

func (p *descriptorProcessor) Name() string { return "descriptors" }

func (p *descriptorProcessor) Process(ctx *PlanContext) error {
	if len(ctx.Analysis.Objects) == 0 {
		ctx.State = StateDescriptorsBuilt
		return nil
	}

	graph, err := lineage.New(ctx.Am)
	if err != nil {
		return err
	}
	ctx.Graph = graph

	builder := newDescriptorBuilder(ctx.Am, graph, ctx.Session, ctx.Analysis, ctx.ViewAnalyses)
	if err := builder.prepare(); err != nil {
		return err
	}

	for _, object := range ctx.Analysis.Objects {
		if err := builder.ensure(object); err != nil {
			return err
		}
	}

	ctx.Builder = builder
	ctx.State = StateDescriptorsBuilt

	return nil
}

// assembleProcessor: DescriptorsBuilt -> CTEsAssembled. Orders the CTEs
// topologically, dependencies first, tie-broken by first reference in the
// statement.
type assembleProcessor struct{}

func (p *assembleProcessor) Name() string { return "assemble" }

func (p *assembleProcessor) Process(ctx *PlanContext) error {
	if ctx.Builder == nil {
		ctx.State = StateCTEsAssembled
		return nil
	}

	var (
		order   []string
		colors  = make(map[string]int)
		visitFn func(name string) error
	)

	const (
		visiting = 1
		done     = 2
	)

	visitFn = func(name string) error {
		switch colors[name] {
		case visiting:
			return &lineage.CycleError{Column: lineage.ColumnKey{Object: name}}
		case done:
			return nil
		}
		colors[name] = visiting

		desc, ok := ctx.Builder.descriptors[name]
		if !ok {
			return fmt.Errorf("%w: missing descriptor for %q", semql.ErrInternal, name)
		}

		for _, required := range desc.RequiredObjects {
			if err := visitFn(required); err != nil {
				return err
			}
		}

		order = append(order, name)
		colors[name] = done

		return nil
	}

	for _, object := range ctx.Analysis.Objects {
		if err := visitFn(object); err != nil {
			return err
		}
	}

	ctx.Order = order
	ctx.State = StateCTEsAssembled

	return nil
}

// emitProcessor: CTEsAssembled -> Emitted. Splices the CTE list ahead of the
// rewritten statement. A statement referencing no catalog object is returned
// canonically formatted, otherwise untouched.
type emitProcessor struct{}

func (p *emitProcessor) Name() string { return "emit" }

func (p *emitProcessor) Process(ctx *PlanContext) error {
	if len(ctx.Order) == 0 {
		ctx.Output = formatter.Render(ctx.Statement.Tokens)
		ctx.State = StateEmitted
		return nil
	}

	ctes := make([]string, 0, len(ctx.Order))
	for _, name := range ctx.Order {
		desc := ctx.Builder.descriptors[name]
		ctes = append(ctes, formatter.MustQuote(name)+" AS ("+desc.SQL+")")
	}

	rewritten, err := rewriteStatementTokens(ctx.Analysis, ctx.Am)
	if err != nil {
		return err
	}

	body := formatter.Render(rewritten)
	cteList := strings.Join(ctes, ", ")

	switch {
	case strings.HasPrefix(body, "WITH RECURSIVE "):
		ctx.Output = "WITH RECURSIVE " + cteList + ", " + strings.TrimPrefix(body, "WITH RECURSIVE ")
	case strings.HasPrefix(body, "WITH "):
		ctx.Output = "WITH " + cteList + ", " + strings.TrimPrefix(body, "WITH ")
	default:
		ctx.Output = "WITH " + cteList + " " + body
	}

	ctx.State = StateEmitted

	return nil
}

// rewriteStatementTokens replaces resolved table references with their CTE
// names and strips the manifest's catalog/schema prefix from qualified column
// chains. Tokens inside generated CTE bodies are never touched; only the
// original statement is rewritten.
func rewriteStatementTokens(a *Analysis, am *manifest.AnalyzedManifest) ([]tokenizer.Token, error) {
	catalog, schema := am.CatalogSchemaPrefix()

	refAt := make(map[int]*TableRef)
	for _, ref := range a.Statement.TableRefs {
		if ref.Object != "" {
			refAt[ref.Start] = ref
		}
	}

	referenced := make(map[string]struct{}, len(a.Objects))
	for _, object := range a.Objects {
		referenced[object] = struct{}{}
	}

	tokens := a.Statement.Tokens
	out := make([]tokenizer.Token, 0, len(tokens))

	quotedToken := func(name string, position tokenizer.Position) tokenizer.Token {
		return tokenizer.Token{
			Type:     tokenizer.QUOTED_IDENTIFIER,
			Value:    formatter.MustQuote(name),
			Position: position,
		}
	}

	for pos := 0; pos < len(tokens); {
		if ref, ok := refAt[pos]; ok {
			out = append(out, quotedToken(ref.Object, tokens[pos].Position))
			pos = ref.End
			continue
		}

		// catalog.schema.Object.column -> "Object".column
		if tokens[pos].IsIdentifier() &&
			(pos == 0 || tokens[pos-1].Type != tokenizer.DOT) &&
			pos+4 < len(tokens) &&
			tokens[pos].Identifier() == catalog &&
			tokens[pos+1].Type == tokenizer.DOT &&
			tokens[pos+2].IsIdentifier() &&
			tokens[pos+2].Identifier() == schema &&
			tokens[pos+3].Type == tokenizer.DOT &&
			tokens[pos+4].IsIdentifier() {
			if _, ok := referenced[tokens[pos+4].Identifier()]; ok {
				out = append(out, quotedToken(tokens[pos+4].Identifier(), tokens[pos].Position))
				pos += 5
				continue
			}
		}

		// Object.column -> "Object".column so bare qualifiers keep matching
		// the case-sensitive CTE name after rewriting.
		if tokens[pos].Type == tokenizer.IDENTIFIER &&
			(pos == 0 || tokens[pos-1].Type != tokenizer.DOT) &&
			pos+1 < len(tokens) &&
			tokens[pos+1].Type == tokenizer.DOT {
			if _, ok := referenced[tokens[pos].Identifier()]; ok {
				out = append(out, quotedToken(tokens[pos].Identifier(), tokens[pos].Position))
				pos++
				continue
			}
		}

		out = append(out, tokens[pos])
		pos++
	}

	return out, nil
}
