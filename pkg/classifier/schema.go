package classifier

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// verdictSchema describes the JSON object the remote model must return.
// Confidence range is checked separately so it maps to KindOutOfRange.
// Extra members such as a suggested rule are accepted and ignored; rules
// are always built from the alert itself.
const verdictSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["confidence", "threat_classification"],
  "properties": {
    "confidence": {"type": "number"},
    "threat_classification": {"type": "string", "minLength": 1},
    "threat_description": {"type": "string"},
    "recommended_action": {"type": "string"},
    "additional_context": {"type": "object"}
  }
}`

var verdictValidator = mustSchema(verdictSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid verdict schema: %v", err))
	}
	return schema
}

func validateVerdict(data []byte) error {
	result, err := verdictValidator.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("verdict does not match schema: %s", strings.Join(errs, "; "))
	}
	return nil
}
