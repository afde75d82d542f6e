// Package validator implements the Output Validator (C2): permissive
// Markdown-fence stripping followed by strict JSON Schema validation
// of provider output against the research or deepening contract.
package validator

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ideaforge/engine/internal/apperr"
)

// Kind identifies which schema a payload is validated against.
type Kind string

const (
	KindResearch  Kind = "research"
	KindDeepening Kind = "deepening"
)

//go:embed schemas/research.json
var researchSchemaBytes []byte

//go:embed schemas/deepening.json
var deepeningSchemaBytes []byte

var (
	compileOnce sync.Once
	schemas     map[Kind]*jsonschema.Schema
	compileErr  error
)

func compiled() (map[Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		schemas = make(map[Kind]*jsonschema.Schema, 2)
		for kind, raw := range map[Kind][]byte{
			KindResearch:  researchSchemaBytes,
			KindDeepening: deepeningSchemaBytes,
		} {
			compiler := jsonschema.NewCompiler()
			resource := string(kind) + ".json"
			if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", resource, err)
				return
			}
			schema, err := compiler.Compile(resource)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", resource, err)
				return
			}
			schemas[kind] = schema
		}
	})
	return schemas, compileErr
}

// fencePattern matches a single wrapping Markdown code fence, with an
// optional "json" language tag, around the entire payload.
var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// StripFence removes leading/trailing whitespace and, if present, a
// single wrapping Markdown code fence (Testable Property 8).
func StripFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// Result is the outcome of Parse.
type Result struct {
	Value  map[string]any
	Errors []string
}

// Parse strips fencing, decodes JSON, and validates strictly against
// the schema for kind. Unknown fields are accepted; declared fields
// must type-check exactly.
func Parse(rawText string, kind Kind) (Result, *apperr.Error) {
	cleaned := StripFence(rawText)

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return Result{}, apperr.Wrap(apperr.ParseError, err, "response is not valid JSON").
			WithDetails(map[string]any{"rawText": rawText})
	}

	schemaSet, err := compiled()
	if err != nil {
		return Result{}, apperr.Wrap(apperr.InternalError, err, "schema compilation failed")
	}
	schema, ok := schemaSet[kind]
	if !ok {
		return Result{}, apperr.Newf(apperr.InternalError, "no schema registered for kind %q", kind)
	}

	if verr := schema.Validate(doc); verr != nil {
		return Result{Errors: []string{verr.Error()}}, apperr.Wrap(apperr.ParseError, verr, "response failed schema validation").
			WithDetails(map[string]any{"rawText": rawText})
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return Result{}, apperr.New(apperr.ParseError, "response is not a JSON object").
			WithDetails(map[string]any{"rawText": rawText})
	}

	return Result{Value: obj}, nil
}
