package workflow

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/coremachine/coremachine/internal/core/model"
)

// FieldSpec describes one parameter a JobDefinition accepts. Job
// parameters arrive as a decoded JSON object (map[string]interface{}),
// not a fixed Go struct, so ParameterSchema validates per-field against
// go-playground/validator's single-variable Var() entry point rather than
// the struct-tag form the rest of the pack uses for fixed document
// shapes (see ternarybob-quaero's SignalAnalysisSchema.Validate).
type FieldSpec struct {
	Name     string
	Required bool
	// Rule is a go-playground/validator tag string applied to the raw
	// value, e.g. "required,alphanum" or "gte=1,lte=100".
	Rule string
	// Default is used when the field is absent and not Required.
	Default interface{}
}

// ParameterSchema is a JobDefinition's declared parameter contract:
// enough information to validate a raw parameter mapping (types,
// required fields, defaults, regex constraints for identifiers), per
// spec §4.8.
type ParameterSchema struct {
	JobType string
	Fields  []FieldSpec
}

var validate = validator.New()

// Validate checks raw against the schema, filling in declared defaults
// for absent optional fields, and returns the validated mapping or a
// *model.ValidationError describing the first failure.
func (s ParameterSchema) Validate(raw map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	for _, f := range s.Fields {
		v, present := out[f.Name]
		if !present {
			if f.Required {
				return nil, &model.ValidationError{
					JobType: s.JobType,
					Field:   f.Name,
					Reason:  "required field missing",
				}
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		if f.Rule == "" {
			continue
		}
		if err := validate.Var(v, f.Rule); err != nil {
			return nil, &model.ValidationError{
				JobType: s.JobType,
				Field:   f.Name,
				Reason:  fmt.Sprintf("failed rule %q: %v", f.Rule, err),
			}
		}
	}
	return out, nil
}
