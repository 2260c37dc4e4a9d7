package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan_schema.json
var planSchemaJSON string

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// ResponseSchema returns the compiled JSON Schema for model plan responses.
// The schema pins the envelope shape only; per-task field validation is
// deliberately left to validateTask so that one bad entry cannot reject an
// otherwise usable response.
func ResponseSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// ValidatePlanPayload checks a decoded JSON payload against the response
// envelope schema.
func ValidatePlanPayload(payload []byte) error {
	schema, err := ResponseSchema()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode plan payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan payload schema: %w", err)
	}
	return nil
}
