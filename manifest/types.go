// Package manifest holds the typed representation of the logical catalog: the
// wire JSON codec, the structural invariants checked at analysis time, and the
// AnalyzedManifest shared read-only across plan operations.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shibukawa/semql"
)

// canonicalEnum folds an enumeration literal to its canonical upper-case
// form. A fresh caser per call: cases.Caser carries internal state and is not
// safe for concurrent decodes.
func canonicalEnum(raw string) string {
	return cases.Upper(language.Und).String(raw)
}

// JoinType is the cardinality of a relationship edge.
type JoinType string

const (
	OneToOne   JoinType = "ONE_TO_ONE"
	OneToMany  JoinType = "ONE_TO_MANY"
	ManyToOne  JoinType = "MANY_TO_ONE"
	ManyToMany JoinType = "MANY_TO_MANY"
)

// ToMany reports whether the edge can multiply rows of the owning side.
func (j JoinType) ToMany() bool {
	return j == OneToMany || j == ManyToMany
}

// UnmarshalJSON accepts any case on input; the canonical form is upper-case.
func (j *JoinType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch JoinType(canonicalEnum(raw)) {
	case OneToOne, OneToMany, ManyToOne, ManyToMany:
		*j = JoinType(canonicalEnum(raw))
		return nil
	default:
		return fmt.Errorf("%w: join type %q", semql.ErrUnknownEnumValue, raw)
	}
}

// TimeUnit is the bucketing granularity of a cumulative-metric window.
type TimeUnit string

const (
	UnitDay     TimeUnit = "DAY"
	UnitWeek    TimeUnit = "WEEK"
	UnitMonth   TimeUnit = "MONTH"
	UnitQuarter TimeUnit = "QUARTER"
	UnitYear    TimeUnit = "YEAR"
)

// UnmarshalJSON accepts any case on input; the canonical form is upper-case.
func (u *TimeUnit) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch TimeUnit(canonicalEnum(raw)) {
	case UnitDay, UnitWeek, UnitMonth, UnitQuarter, UnitYear:
		*u = TimeUnit(canonicalEnum(raw))
		return nil
	default:
		return fmt.Errorf("%w: time unit %q", semql.ErrUnknownEnumValue, raw)
	}
}

// DateTruncArg returns the unit spelled for date_trunc.
func (u TimeUnit) DateTruncArg() string {
	return strings.ToLower(string(u))
}

// Manifest is the wire-level catalog document. Field names are lowerCamelCase
// in JSON; unknown fields are rejected at decode time.
type Manifest struct {
	Catalog           string              `json:"catalog"`
	Schema            string              `json:"schema"`
	Models            []*Model            `json:"models,omitempty"`
	Metrics           []*Metric           `json:"metrics,omitempty"`
	CumulativeMetrics []*CumulativeMetric `json:"cumulativeMetrics,omitempty"`
	Views             []*View             `json:"views,omitempty"`
	Relationships     []*Relationship     `json:"relationships,omitempty"`
	EnumDefinitions   []*EnumDefinition   `json:"enumDefinitions,omitempty"`
	Macros            []*Macro            `json:"macros,omitempty"`
}

// TableReference names a physical table.
type TableReference struct {
	Catalog string `json:"catalog,omitempty"`
	Schema  string `json:"schema,omitempty"`
	Table   string `json:"table"`
}

// SQLName renders the dotted physical name, omitting empty qualifiers.
func (t *TableReference) SQLName() string {
	parts := make([]string, 0, 3)
	if t.Catalog != "" {
		parts = append(parts, t.Catalog)
	}
	if t.Schema != "" {
		parts = append(parts, t.Schema)
	}
	parts = append(parts, t.Table)
	return strings.Join(parts, ".")
}

// Model is a logical relation. Exactly one of RefSQL, BaseObject, and
// TableReference must be set; Analyze rejects anything else.
type Model struct {
	Name           string          `json:"name"`
	RefSQL         string          `json:"refSql,omitempty"`
	BaseObject     string          `json:"baseObject,omitempty"`
	TableReference *TableReference `json:"tableReference,omitempty"`
	Columns        []*Column       `json:"columns"`
	PrimaryKey     string          `json:"primaryKey,omitempty"`
}

// ColumnKind tags the three column variants.
type ColumnKind int

const (
	KindPhysical ColumnKind = iota
	KindRelationship
	KindCalculated
)

// Column is one attribute of a model or metric. The kind is derived:
// a set Relationship field makes it a relationship column, IsCalculated makes
// it calculated, anything else is physical.
type Column struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	NotNull      bool   `json:"notNull,omitempty"`
	Expression   string `json:"expression,omitempty"`
	Relationship string `json:"relationship,omitempty"`
	IsCalculated bool   `json:"isCalculated,omitempty"`
}

// Kind derives the column variant from its fields.
func (c *Column) Kind() ColumnKind {
	switch {
	case c.Relationship != "":
		return KindRelationship
	case c.IsCalculated:
		return KindCalculated
	default:
		return KindPhysical
	}
}

// SourceExpression is the physical source of the column: the declared
// expression, defaulting to the column name.
func (c *Column) SourceExpression() string {
	if c.Expression != "" {
		return c.Expression
	}
	return c.Name
}

// Relationship is a named join edge between two models.
type Relationship struct {
	Name      string   `json:"name"`
	Models    []string `json:"models"`
	JoinType  JoinType `json:"joinType"`
	Condition string   `json:"condition"`
}

// Other returns the endpoint that is not name, or "" when name is not an
// endpoint.
func (r *Relationship) Other(name string) string {
	if len(r.Models) != 2 {
		return ""
	}
	switch name {
	case r.Models[0]:
		return r.Models[1]
	case r.Models[1]:
		return r.Models[0]
	}
	return ""
}

// DirectionalJoinType returns the join type as seen from owner: MANY_TO_ONE
// declared as (Orders, Customer) reads ONE_TO_MANY from the Customer side.
func (r *Relationship) DirectionalJoinType(owner string) JoinType {
	if len(r.Models) == 2 && r.Models[1] == owner {
		switch r.JoinType {
		case ManyToOne:
			return OneToMany
		case OneToMany:
			return ManyToOne
		}
	}
	return r.JoinType
}

// Metric is an aggregated logical relation over a base object.
type Metric struct {
	Name       string    `json:"name"`
	BaseObject string    `json:"baseObject"`
	Dimensions []*Column `json:"dimensions"`
	Measures   []*Column `json:"measures"`
}

// Measure is the single aggregation of a cumulative metric.
type Measure struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Operator  string `json:"operator"`
	RefColumn string `json:"refColumn"`
}

// Window declares the time densification range of a cumulative metric. Start
// and End are ISO dates forming a half-open interval.
type Window struct {
	Name      string   `json:"name"`
	RefColumn string   `json:"refColumn"`
	TimeUnit  TimeUnit `json:"timeUnit"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
}

// CumulativeMetric densifies one measure of a base object over a date spine.
type CumulativeMetric struct {
	Name       string  `json:"name"`
	BaseObject string  `json:"baseObject"`
	Measure    Measure `json:"measure"`
	Window     Window  `json:"window"`
}

// View is a named SQL statement expanded inline at rewrite time.
type View struct {
	Name      string `json:"name"`
	Statement string `json:"statement"`
}

// EnumDefinition is a named string enumeration.
type EnumDefinition struct {
	Name   string       `json:"name"`
	Values []*EnumValue `json:"values"`
}

// EnumValue is one member of an enumeration. Value defaults to Name.
type EnumValue struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// MacroParamType tags macro parameter variants.
type MacroParamType string

const (
	ParamExpression MacroParamType = "EXPRESSION"
	ParamMacro      MacroParamType = "MACRO"
)

// UnmarshalJSON accepts any case on input; the canonical form is upper-case.
func (m *MacroParamType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch MacroParamType(canonicalEnum(raw)) {
	case ParamExpression, ParamMacro:
		*m = MacroParamType(canonicalEnum(raw))
		return nil
	default:
		return fmt.Errorf("%w: macro parameter type %q", semql.ErrUnknownEnumValue, raw)
	}
}

// MacroParam declares one macro parameter.
type MacroParam struct {
	Name string         `json:"name"`
	Type MacroParamType `json:"type"`
}

// Macro is a parametric expression template. Expansion is performed by an
// external templating layer; the planner only validates the declaration.
type Macro struct {
	Name       string        `json:"name"`
	Parameters []*MacroParam `json:"parameters,omitempty"`
	Definition string        `json:"definition"`
}
