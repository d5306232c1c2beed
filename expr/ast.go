// Package expr provides the shared expression representation used by
// calculated-field definitions, relationship conditions, and scalar SQL
// fragments. One AST serves parsing, lineage analysis, and SQL emission.
package expr

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shibukawa/semql/formatter"
)

// Node is an expression tree node. Nodes are immutable after parsing; the
// planner produces rewritten trees through Transform rather than mutation.
type Node interface {
	// SQL renders the node as canonical dialect-independent SQL.
	SQL() string

	node()
}

// LiteralKind distinguishes literal variants.
type LiteralKind int

const (
	LiteralNumber LiteralKind = iota
	LiteralString
	LiteralBool
	LiteralNull
)

// Literal is a constant value. Numbers are held as decimals so that rendering
// round-trips exactly.
type Literal struct {
	Kind   LiteralKind
	Number decimal.Decimal
	Text   string
	Bool   bool
}

func (l *Literal) node() {}

func (l *Literal) SQL() string {
	switch l.Kind {
	case LiteralNumber:
		return l.Number.String()
	case LiteralString:
		return "'" + strings.ReplaceAll(l.Text, "'", "''") + "'"
	case LiteralBool:
		if l.Bool {
			return "TRUE"
		}
		return "FALSE"
	default:
		return "NULL"
	}
}

// ColumnRef is a possibly dotted reference such as col, rel.col, or a.b.c.
// Quoted parts keep their exact case; resolution is case sensitive either way.
type ColumnRef struct {
	Parts  []string
	Quoted []bool // parallel to Parts; true when the part was written quoted
}

func (c *ColumnRef) node() {}

func (c *ColumnRef) SQL() string {
	quoted := make([]string, len(c.Parts))
	for i, part := range c.Parts {
		if i < len(c.Quoted) && c.Quoted[i] {
			quoted[i] = formatter.MustQuote(part)
		} else {
			quoted[i] = formatter.QuoteIdent(part)
		}
	}
	return strings.Join(quoted, ".")
}

// Head returns the first path element.
func (c *ColumnRef) Head() string {
	return c.Parts[0]
}

// Leaf returns the last path element.
func (c *ColumnRef) Leaf() string {
	return c.Parts[len(c.Parts)-1]
}

// FuncCall is a function invocation. Star marks count(*); Distinct marks
// count(DISTINCT x) style calls.
type FuncCall struct {
	Name     string
	Args     []Node
	Distinct bool
	Star     bool
}

func (f *FuncCall) node() {}

// IsAggregate reports whether the call is one of the known aggregates.
func (f *FuncCall) IsAggregate() bool {
	return IsAggregateFunc(f.Name)
}

func (f *FuncCall) SQL() string {
	var builder strings.Builder
	builder.WriteString(f.Name)
	builder.WriteByte('(')

	if f.Star {
		builder.WriteByte('*')
	} else {
		if f.Distinct {
			builder.WriteString("DISTINCT ")
		}
		for i, arg := range f.Args {
			if i > 0 {
				builder.WriteString(", ")
			}
			builder.WriteString(arg.SQL())
		}
	}

	builder.WriteByte(')')
	return builder.String()
}

// Unary is a prefix operator application (-, +, NOT).
type Unary struct {
	Op      string
	Operand Node
}

func (u *Unary) node() {}

func (u *Unary) SQL() string {
	if u.Op == "NOT" {
		return "NOT " + u.Operand.SQL()
	}
	return u.Op + u.Operand.SQL()
}

// Binary is an infix operator application. Op is stored canonically
// upper-cased for word operators (AND, OR, LIKE).
type Binary struct {
	Op    string
	Left  Node
	Right Node
}

func (b *Binary) node() {}

func (b *Binary) SQL() string {
	return b.Left.SQL() + " " + b.Op + " " + b.Right.SQL()
}

// Between is expr [NOT] BETWEEN low AND high.
type Between struct {
	Expr Node
	Low  Node
	High Node
	Not  bool
}

func (b *Between) node() {}

func (b *Between) SQL() string {
	op := " BETWEEN "
	if b.Not {
		op = " NOT BETWEEN "
	}
	return b.Expr.SQL() + op + b.Low.SQL() + " AND " + b.High.SQL()
}

// InList is expr [NOT] IN (items...). Subqueries appear as a single Subquery
// item.
type InList struct {
	Expr  Node
	Items []Node
	Not   bool
}

func (i *InList) node() {}

func (i *InList) SQL() string {
	op := " IN ("
	if i.Not {
		op = " NOT IN ("
	}

	items := make([]string, len(i.Items))
	for j, item := range i.Items {
		items[j] = item.SQL()
	}

	return i.Expr.SQL() + op + strings.Join(items, ", ") + ")"
}

// IsNull is expr IS [NOT] NULL.
type IsNull struct {
	Expr Node
	Not  bool
}

func (i *IsNull) node() {}

func (i *IsNull) SQL() string {
	if i.Not {
		return i.Expr.SQL() + " IS NOT NULL"
	}
	return i.Expr.SQL() + " IS NULL"
}

// When is one WHEN ... THEN ... arm of a CASE expression.
type When struct {
	Cond   Node
	Result Node
}

// Case is a searched or simple CASE expression. Operand is nil for the
// searched form.
type Case struct {
	Operand Node
	Whens   []When
	Else    Node
}

func (c *Case) node() {}

func (c *Case) SQL() string {
	var builder strings.Builder
	builder.WriteString("CASE")

	if c.Operand != nil {
		builder.WriteByte(' ')
		builder.WriteString(c.Operand.SQL())
	}

	for _, when := range c.Whens {
		builder.WriteString(" WHEN ")
		builder.WriteString(when.Cond.SQL())
		builder.WriteString(" THEN ")
		builder.WriteString(when.Result.SQL())
	}

	if c.Else != nil {
		builder.WriteString(" ELSE ")
		builder.WriteString(c.Else.SQL())
	}

	builder.WriteString(" END")
	return builder.String()
}

// Cast is CAST(expr AS type).
type Cast struct {
	Expr Node
	Type string
}

func (c *Cast) node() {}

func (c *Cast) SQL() string {
	return "CAST(" + c.Expr.SQL() + " AS " + c.Type + ")"
}

// Paren preserves explicit grouping from the source.
type Paren struct {
	Expr Node
}

func (p *Paren) node() {}

func (p *Paren) SQL() string {
	return "(" + p.Expr.SQL() + ")"
}

// Subquery is an opaque (SELECT ...) fragment. The planner treats its body as
// already-final text; lineage does not descend into it.
type Subquery struct {
	Body string
}

func (s *Subquery) node() {}

func (s *Subquery) SQL() string {
	return "(" + s.Body + ")"
}

// Raw is a spliced SQL fragment produced by the rewrite engine. It never
// results from parsing.
type Raw struct {
	Text string
}

func (r *Raw) node() {}

func (r *Raw) SQL() string {
	return r.Text
}

// Walk traverses the tree pre-order. Returning false from visit skips the
// node's children. The accumulator lives in the caller's closure.
func Walk(n Node, visit func(Node) bool) {
	if n == nil || !visit(n) {
		return
	}

	switch node := n.(type) {
	case *FuncCall:
		for _, arg := range node.Args {
			Walk(arg, visit)
		}
	case *Unary:
		Walk(node.Operand, visit)
	case *Binary:
		Walk(node.Left, visit)
		Walk(node.Right, visit)
	case *Between:
		Walk(node.Expr, visit)
		Walk(node.Low, visit)
		Walk(node.High, visit)
	case *InList:
		Walk(node.Expr, visit)
		for _, item := range node.Items {
			Walk(item, visit)
		}
	case *IsNull:
		Walk(node.Expr, visit)
	case *Case:
		if node.Operand != nil {
			Walk(node.Operand, visit)
		}
		for _, when := range node.Whens {
			Walk(when.Cond, visit)
			Walk(when.Result, visit)
		}
		if node.Else != nil {
			Walk(node.Else, visit)
		}
	case *Cast:
		Walk(node.Expr, visit)
	case *Paren:
		Walk(node.Expr, visit)
	}
}

// Transform rebuilds the tree bottom-up, replacing each node with fn's return
// value. fn receives a node whose children are already transformed; returning
// the input unchanged keeps the subtree.
func Transform(n Node, fn func(Node) Node) Node {
	if n == nil {
		return nil
	}

	switch node := n.(type) {
	case *FuncCall:
		next := &FuncCall{Name: node.Name, Distinct: node.Distinct, Star: node.Star}
		next.Args = make([]Node, len(node.Args))
		for i, arg := range node.Args {
			next.Args[i] = Transform(arg, fn)
		}
		return fn(next)
	case *Unary:
		return fn(&Unary{Op: node.Op, Operand: Transform(node.Operand, fn)})
	case *Binary:
		return fn(&Binary{Op: node.Op, Left: Transform(node.Left, fn), Right: Transform(node.Right, fn)})
	case *Between:
		return fn(&Between{
			Expr: Transform(node.Expr, fn),
			Low:  Transform(node.Low, fn),
			High: Transform(node.High, fn),
			Not:  node.Not,
		})
	case *InList:
		next := &InList{Expr: Transform(node.Expr, fn), Not: node.Not}
		next.Items = make([]Node, len(node.Items))
		for i, item := range node.Items {
			next.Items[i] = Transform(item, fn)
		}
		return fn(next)
	case *IsNull:
		return fn(&IsNull{Expr: Transform(node.Expr, fn), Not: node.Not})
	case *Case:
		next := &Case{}
		if node.Operand != nil {
			next.Operand = Transform(node.Operand, fn)
		}
		next.Whens = make([]When, len(node.Whens))
		for i, when := range node.Whens {
			next.Whens[i] = When{Cond: Transform(when.Cond, fn), Result: Transform(when.Result, fn)}
		}
		if node.Else != nil {
			next.Else = Transform(node.Else, fn)
		}
		return fn(next)
	case *Cast:
		return fn(&Cast{Expr: Transform(node.Expr, fn), Type: node.Type})
	case *Paren:
		return fn(&Paren{Expr: Transform(node.Expr, fn)})
	default:
		return fn(n)
	}
}

// ColumnRefs collects every column reference in the tree, in source order.
func ColumnRefs(n Node) []*ColumnRef {
	var refs []*ColumnRef

	Walk(n, func(node Node) bool {
		if ref, ok := node.(*ColumnRef); ok {
			refs = append(refs, ref)
		}
		return true
	})

	return refs
}

// HasAggregate reports whether the tree contains an aggregate call at any
// depth. Subqueries are opaque and not inspected.
func HasAggregate(n Node) bool {
	found := false

	Walk(n, func(node Node) bool {
		if call, ok := node.(*FuncCall); ok && call.IsAggregate() {
			found = true
		}
		return !found
	})

	return found
}
