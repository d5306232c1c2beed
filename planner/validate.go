package planner

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/shibukawa/semql"
	"github.com/shibukawa/semql/formatter"
	"github.com/shibukawa/semql/lineage"
	"github.com/shibukawa/semql/manifest"
)

func lineageFor(am *manifest.AnalyzedManifest) (*lineage.Graph, error) {
	return lineage.New(am)
}

func lineageKeys(object, column string) []lineage.ColumnKey {
	return []lineage.ColumnKey{{Object: object, Column: column}}
}

func quoteForStatement(name string) string {
	return formatter.MustQuote(name)
}

// ValidationStatus is the outcome of one validation.
type ValidationStatus string

const (
	StatusPass  ValidationStatus = "PASS"
	StatusFail  ValidationStatus = "FAIL"
	StatusError ValidationStatus = "ERROR"
)

// ValidationResult is one rule outcome.
type ValidationResult struct {
	Name    string           `json:"name"`
	Status  ValidationStatus `json:"status"`
	Message string           `json:"message,omitempty"`
}

// Validate runs one built-in rule against the manifest. Unknown rule names
// fail with ErrUnknownRule.
func Validate(rule string, params map[string]string, am *manifest.AnalyzedManifest) ([]ValidationResult, error) {
	switch rule {
	case "column_is_valid":
		return validateColumnIsValid(params, am)
	case "relationship_is_valid":
		return validateRelationshipIsValid(params, am)
	case "model_resolvable":
		return validateModelResolvable(params, am)
	default:
		return nil, fmt.Errorf("%w: %q", semql.ErrUnknownRule, rule)
	}
}

func validateColumnIsValid(params map[string]string, am *manifest.AnalyzedManifest) ([]ValidationResult, error) {
	model, ok := params["model"]
	if !ok {
		return nil, fmt.Errorf("%w: column_is_valid requires %q", semql.ErrRuleParameter, "model")
	}
	column, ok := params["column"]
	if !ok {
		return nil, fmt.Errorf("%w: column_is_valid requires %q", semql.ErrRuleParameter, "column")
	}

	name := fmt.Sprintf("column_is_valid(%s, %s)", model, column)

	if _, exists := am.Model(model); !exists {
		return []ValidationResult{{Name: name, Status: StatusFail, Message: fmt.Sprintf("model %q not found", model)}}, nil
	}

	if _, exists := am.Column(model, column); !exists {
		return []ValidationResult{{Name: name, Status: StatusFail, Message: fmt.Sprintf("column %q not found on model %q", column, model)}}, nil
	}

	// A calculated column is only usable when its lineage resolves.
	col, _ := am.Column(model, column)
	if col.Kind() == manifest.KindCalculated {
		graph, err := lineageFor(am)
		if err != nil {
			return []ValidationResult{{Name: name, Status: StatusError, Message: err.Error()}}, nil
		}
		if _, err := graph.RequiredFields(lineageKeys(model, column)); err != nil {
			return []ValidationResult{{Name: name, Status: StatusFail, Message: err.Error()}}, nil
		}
	}

	return []ValidationResult{{Name: name, Status: StatusPass}}, nil
}

func validateRelationshipIsValid(params map[string]string, am *manifest.AnalyzedManifest) ([]ValidationResult, error) {
	relName, ok := params["name"]
	if !ok {
		return nil, fmt.Errorf("%w: relationship_is_valid requires %q", semql.ErrRuleParameter, "name")
	}

	name := fmt.Sprintf("relationship_is_valid(%s)", relName)

	if _, exists := am.Relationship(relName); !exists {
		return []ValidationResult{{Name: name, Status: StatusFail, Message: fmt.Sprintf("relationship %q not found", relName)}}, nil
	}

	return []ValidationResult{{Name: name, Status: StatusPass}}, nil
}

func validateModelResolvable(params map[string]string, am *manifest.AnalyzedManifest) ([]ValidationResult, error) {
	modelName, ok := params["model"]
	if !ok {
		return nil, fmt.Errorf("%w: model_resolvable requires %q", semql.ErrRuleParameter, "model")
	}

	name := fmt.Sprintf("model_resolvable(%s)", modelName)

	model, exists := am.Model(modelName)
	if !exists {
		return []ValidationResult{{Name: name, Status: StatusFail, Message: fmt.Sprintf("model %q not found", modelName)}}, nil
	}

	// Planning the identity projection proves every column materializes.
	sess := semql.DefaultSession(am.Manifest().Catalog, am.Manifest().Schema)
	sess.EnableDynamicFields = false

	if _, err := DryPlan("SELECT * FROM "+quoteForStatement(model.Name), sess, am, true); err != nil {
		return []ValidationResult{{Name: name, Status: StatusFail, Message: err.Error()}}, nil
	}

	return []ValidationResult{{Name: name, Status: StatusPass}}, nil
}

// RunCustomRules evaluates config-declared CEL predicates against the
// manifest document. A predicate returning true passes; false fails with the
// rule's message; evaluation problems report ERROR without aborting the run.
func RunCustomRules(rules []semql.CustomRule, am *manifest.AnalyzedManifest) ([]ValidationResult, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("manifest", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: cel environment: %v", semql.ErrInternal, err)
	}

	activation, err := manifestActivation(am)
	if err != nil {
		return nil, err
	}

	results := make([]ValidationResult, 0, len(rules))

	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			results = append(results, ValidationResult{Name: rule.Name, Status: StatusError, Message: issues.Err().Error()})
			continue
		}

		program, err := env.Program(ast)
		if err != nil {
			results = append(results, ValidationResult{Name: rule.Name, Status: StatusError, Message: err.Error()})
			continue
		}

		value, _, err := program.Eval(map[string]any{"manifest": activation})
		if err != nil {
			results = append(results, ValidationResult{Name: rule.Name, Status: StatusError, Message: err.Error()})
			continue
		}

		passed, ok := value.Value().(bool)
		if !ok {
			results = append(results, ValidationResult{Name: rule.Name, Status: StatusError, Message: "rule expression must return a boolean"})
			continue
		}

		if passed {
			results = append(results, ValidationResult{Name: rule.Name, Status: StatusPass})
		} else {
			message := rule.Message
			if message == "" {
				message = "rule predicate returned false"
			}
			results = append(results, ValidationResult{Name: rule.Name, Status: StatusFail, Message: message})
		}
	}

	return results, nil
}

// manifestActivation converts the manifest document into the map shape CEL
// predicates navigate.
func manifestActivation(am *manifest.AnalyzedManifest) (map[string]any, error) {
	data, err := json.Marshal(am.Manifest())
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling manifest for validation: %v", semql.ErrInternal, err)
	}

	var activation map[string]any
	if err := json.Unmarshal(data, &activation); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling manifest for validation: %v", semql.ErrInternal, err)
	}

	return activation, nil
}
