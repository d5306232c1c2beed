package planner

import (
	"fmt"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/manifest"
	"github.com/shibukawa/semql/tokenizer"
)

// Analysis is the result of resolving one statement against the manifest.
type Analysis struct {
	Statement *Statement

	// Objects lists referenced catalog objects in first-reference order.
	Objects []string
	// Columns holds the collected columns per object, first-mention order.
	Columns map[string][]string
	// SourceNodes marks objects whose output is consumed without enumerating
	// columns (SELECT *, count(*)); they materialize every column.
	SourceNodes map[string]struct{}
	// Scopes maps aliases and object names to the object they denote.
	Scopes map[string]string
}

// analyzeStatement resolves table references and collects the columns
// mentioned per referenced object. Unknown identifiers pass through; an
// unqualified column that resolves against more than one referenced object
// fails with ErrAmbiguousIdentifier.
func analyzeStatement(stmt *Statement, sess semql.SessionContext, am *manifest.AnalyzedManifest) (*Analysis, error) {
	analysis := &Analysis{
		Statement:   stmt,
		Columns:     make(map[string][]string),
		SourceNodes: make(map[string]struct{}),
		Scopes:      make(map[string]string),
	}

	analysis.resolveTableRefs(sess, am)

	if len(analysis.Objects) == 0 {
		return analysis, nil
	}

	if err := analysis.collectColumns(am); err != nil {
		return nil, err
	}

	return analysis, nil
}

// resolveTableRefs matches each table reference against the catalog. The
// session's catalog/schema pair (which must equal the manifest's prefix) is
// stripped before matching; names declared by the statement's own WITH clause
// shadow catalog objects.
func (a *Analysis) resolveTableRefs(sess semql.SessionContext, am *manifest.AnalyzedManifest) {
	catalog, schema := am.CatalogSchemaPrefix()

	for _, ref := range a.Statement.TableRefs {
		parts := ref.Parts

		switch len(parts) {
		case 3:
			if parts[0] != catalog || parts[1] != schema {
				continue
			}
			parts = parts[2:]
		case 2:
			if parts[0] != schema {
				continue
			}
			parts = parts[1:]
		case 1:
			// unqualified
		default:
			continue
		}

		name := parts[0]
		if _, shadowed := a.Statement.CTENames[name]; shadowed {
			continue
		}
		if _, ok := am.ObjectKind(name); !ok {
			continue
		}

		// Unqualified names resolve in the session's namespace, which must be
		// the manifest's namespace for catalog objects to be visible.
		if len(ref.Parts) == 1 {
			if sess.Catalog != "" && sess.Catalog != catalog {
				continue
			}
			if sess.Schema != "" && sess.Schema != schema {
				continue
			}
		}

		ref.Object = name
		a.addObject(name)

		if ref.Alias != "" {
			a.Scopes[ref.Alias] = name
		}
		if _, taken := a.Scopes[name]; !taken {
			a.Scopes[name] = name
		}
	}
}

func (a *Analysis) addObject(name string) {
	for _, existing := range a.Objects {
		if existing == name {
			return
		}
	}
	a.Objects = append(a.Objects, name)
}

func (a *Analysis) addColumn(object, column string) {
	for _, existing := range a.Columns[object] {
		if existing == column {
			return
		}
	}
	a.Columns[object] = append(a.Columns[object], column)
}

// collectColumns walks identifier tokens outside table-reference spans and
// resolves them against the referenced objects.
func (a *Analysis) collectColumns(am *manifest.AnalyzedManifest) error {
	refSpans := make(map[int]int, len(a.Statement.TableRefs))
	for _, ref := range a.Statement.TableRefs {
		refSpans[ref.Start] = ref.FullEnd
	}

	tokens := a.Statement.Tokens

	for pos := 0; pos < len(tokens); pos++ {
		if end, ok := refSpans[pos]; ok {
			pos = end - 1
			continue
		}

		token := tokens[pos]

		// SELECT * and alias.* consume whole relations
		if token.Type == tokenizer.MULTIPLY {
			if a.starTarget(pos) != "" {
				a.SourceNodes[a.starTarget(pos)] = struct{}{}
			} else if a.isBareStar(pos) {
				for _, object := range a.Objects {
					a.SourceNodes[object] = struct{}{}
				}
			}
			continue
		}

		if !token.IsIdentifier() {
			continue
		}

		// skip alias declarations directly after AS
		if pos > 0 && tokens[pos-1].IsKeyword("AS") {
			continue
		}

		// function names are not column references, but count(*) style calls
		// consume whole relations
		if pos+1 < len(tokens) && tokens[pos+1].Type == tokenizer.OPENED_PARENS {
			if pos+3 < len(tokens) && tokens[pos+2].Type == tokenizer.MULTIPLY && tokens[pos+3].Type == tokenizer.CLOSED_PARENS {
				for _, object := range a.Objects {
					a.SourceNodes[object] = struct{}{}
				}
			}
			continue
		}

		if pos+1 < len(tokens) && tokens[pos+1].Type == tokenizer.DOT {
			// qualifier position: resolved as part of the full chain below
			pos = a.collectQualified(am, pos)
			continue
		}

		if pos > 0 && tokens[pos-1].Type == tokenizer.DOT {
			continue
		}

		if err := a.collectUnqualified(am, token.Identifier()); err != nil {
			return err
		}
	}

	return nil
}

// collectQualified resolves a dotted chain starting at pos and returns the
// index of its last token.
func (a *Analysis) collectQualified(am *manifest.AnalyzedManifest, pos int) int {
	tokens := a.Statement.Tokens

	var parts []string
	end := pos
	for {
		parts = append(parts, tokens[end].Identifier())
		if end+2 < len(tokens) && tokens[end+1].Type == tokenizer.DOT && tokens[end+2].IsIdentifier() {
			end += 2
			continue
		}
		break
	}

	// qualifier.* consumes the whole relation
	if end+2 < len(tokens) && tokens[end+1].Type == tokenizer.DOT && tokens[end+2].Type == tokenizer.MULTIPLY {
		if object, ok := a.Scopes[parts[0]]; ok && len(parts) == 1 {
			a.SourceNodes[object] = struct{}{}
		}
		return end + 2
	}

	object, ok := a.Scopes[parts[0]]
	if !ok {
		// catalog.schema.Object.column chains resolve too
		catalog, schema := am.CatalogSchemaPrefix()
		if len(parts) == 4 && parts[0] == catalog && parts[1] == schema {
			if resolved, inScope := a.Scopes[parts[2]]; inScope {
				object = resolved
				parts = parts[2:]
				ok = true
			}
		}
		if !ok {
			return end
		}
	}

	if len(parts) >= 2 {
		if _, exists := am.Column(object, parts[1]); exists {
			a.addColumn(object, parts[1])
		}
	}

	return end
}

// collectUnqualified resolves a bare identifier against every referenced
// object. More than one match is ambiguous; zero matches pass through.
func (a *Analysis) collectUnqualified(am *manifest.AnalyzedManifest, name string) error {
	var matches []string
	for _, object := range a.Objects {
		if _, ok := am.Column(object, name); ok {
			matches = append(matches, object)
		}
	}

	switch len(matches) {
	case 0:
		return nil
	case 1:
		a.addColumn(matches[0], name)
		return nil
	default:
		return fmt.Errorf("%w: %q matches columns of %v", semql.ErrAmbiguousIdentifier, name, matches)
	}
}

// starTarget resolves alias.* at the star position; empty when the star is not
// qualified or the qualifier is not in scope.
func (a *Analysis) starTarget(pos int) string {
	tokens := a.Statement.Tokens
	if pos >= 2 && tokens[pos-1].Type == tokenizer.DOT && tokens[pos-2].IsIdentifier() {
		if object, ok := a.Scopes[tokens[pos-2].Identifier()]; ok {
			return object
		}
	}
	return ""
}

// isBareStar reports whether the star at pos is a bare projection star
// (SELECT * or count(*)-free select list) rather than multiplication.
func (a *Analysis) isBareStar(pos int) bool {
	tokens := a.Statement.Tokens
	if pos == 0 {
		return false
	}

	prev := tokens[pos-1]
	if prev.IsKeyword("SELECT") || prev.IsKeyword("DISTINCT") || prev.Type == tokenizer.COMMA {
		return true
	}

	return false
}
