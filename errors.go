package semql

import "errors"

// Common errors used throughout the semql module
var (
	// ErrManifestInvalid indicates the manifest violates a structural invariant.
	// Manifest errors
	ErrManifestInvalid = errors.New("manifest is invalid")
	// ErrDuplicateName indicates two catalog objects share a name.
	ErrDuplicateName = errors.New("duplicate object name in manifest")
	// ErrUnknownObject indicates a reference to a model/metric/view that does not resolve.
	ErrUnknownObject = errors.New("unknown object reference")
	// ErrUnknownColumn indicates a reference to a column that does not exist on its object.
	ErrUnknownColumn = errors.New("unknown column reference")
	// ErrUnknownRelationship indicates a relationship name that is not declared.
	ErrUnknownRelationship = errors.New("unknown relationship")
	// ErrInvalidOrigin indicates a model does not declare exactly one origin.
	ErrInvalidOrigin = errors.New("model must declare exactly one of refSql, baseObject, tableReference")
	// ErrInvalidWindow indicates a cumulative metric window with start after end.
	ErrInvalidWindow = errors.New("cumulative metric window start is after end")
	// ErrUnknownEnumValue indicates an enumeration value outside the declared set.
	ErrUnknownEnumValue = errors.New("unknown enumeration value")

	// ErrCycle indicates calculated-field dependencies form a cycle.
	// Lineage errors
	ErrCycle = errors.New("cycle detected in calculated field dependencies")

	// ErrParse indicates the SQL or expression input could not be parsed.
	// Input errors
	ErrParse = errors.New("parse error")
	// ErrInputTooLarge indicates the input exceeds the configured size bound.
	ErrInputTooLarge = errors.New("input exceeds size limit")
	// ErrAmbiguousIdentifier indicates an identifier that resolves to more than one column.
	ErrAmbiguousIdentifier = errors.New("ambiguous identifier")
	// ErrUnsupportedDialect indicates an unrecognized target dialect.
	ErrUnsupportedDialect = errors.New("unsupported dialect")

	// ErrInternal indicates an invariant violation inside the planner.
	// Internal errors
	ErrInternal = errors.New("internal planner error")

	// ErrUnknownRule indicates a validation rule name that is not registered.
	// Validation errors
	ErrUnknownRule = errors.New("unknown validation rule")
	// ErrRuleParameter indicates a missing or malformed validation rule parameter.
	ErrRuleParameter = errors.New("invalid validation rule parameter")

	// ErrConfigValidation is returned when configuration validation fails.
	// Config errors
	ErrConfigValidation = errors.New("configuration validation failed")
	// ErrConfigFileNotFound indicates a configuration file could not be located.
	ErrConfigFileNotFound = errors.New("configuration file not found")
)
