package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"sparkwise/internal/domain"
)

// structuredDataSchema is version 1 of the typed data experts return next to
// their narrative.
const structuredDataSchema = `{
  "type": "object",
  "required": ["schema_version"],
  "properties": {
    "schema_version": {"const": "1"},
    "circuit_kind": {"type": "string"},
    "design_current_a": {"type": "number", "minimum": 0},
    "cable_size_mm2": {"type": "number", "exclusiveMinimum": 0},
    "carrying_capacity_a": {"type": "number", "minimum": 0},
    "protective_device_rating_a": {"type": "number", "minimum": 0},
    "protective_device_type": {"type": "string"},
    "voltage_drop_percent": {"type": "number", "minimum": 0, "maximum": 100},
    "voltage_drop_flagged": {"type": "boolean"},
    "rcd_protected": {"type": "boolean"},
    "total_cost": {"type": "number", "minimum": 0},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"}
  }
}`

var compiledStructuredSchema = mustCompileSchema(structuredDataSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("compile structured data schema: %v", err))
	}
	return schema
}

// ValidateStructuredData checks raw against the version 1 schema and decodes it.
func ValidateStructuredData(raw json.RawMessage) (*domain.StructuredData, error) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.NewDomainError("ValidateStructuredData", domain.ErrSchemaViolation, err.Error())
	}
	result := compiledStructuredSchema.Validate(parsed)
	if !result.IsValid() {
		return nil, domain.NewDomainError("ValidateStructuredData", domain.ErrSchemaViolation, fmt.Sprintf("%v", result.Error()))
	}

	var data domain.StructuredData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, domain.NewDomainError("ValidateStructuredData", domain.ErrSchemaViolation, err.Error())
	}
	return &data, nil
}

// ResolveStructuredData prefers schema-valid structured data and falls back to
// legacy free-text extraction from the narrative. The returned error reports
// why the structured payload was rejected; the data is still usable.
func ResolveStructuredData(raw json.RawMessage, narrative string) (*domain.StructuredData, error) {
	var schemaErr error
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		data, err := ValidateStructuredData(trimmed)
		if err == nil {
			return data, nil
		}
		schemaErr = err
	}

	legacy := ExtractLegacyData(narrative)
	if legacy.Empty() {
		return nil, schemaErr
	}
	return legacy, schemaErr
}
