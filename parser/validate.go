package parser

import (
	"encoding/json"

	"toolcall-proxy/types"
)

// ToolCallValidator cross-checks extracted tool calls against the
// schemas the client declared in its request's `tools` array. It is
// purely observational: an unknown function name or a missing required
// parameter is reported so an operator can see the model drifting from
// the declared contract, but nothing here ever blocks, corrects, or
// rewrites the call itself — the client asked for these exact tools and
// is the one that will parse the arguments.
type ToolCallValidator struct {
	schemas map[string]requiredParams
}

type requiredParams struct {
	known    bool
	required []string
}

// NewToolCallValidator builds a validator from the tool schemas
// declared on the original client request, before inject.Inject strips
// them from the outgoing body.
func NewToolCallValidator(tools []types.Tool) *ToolCallValidator {
	schemas := make(map[string]requiredParams, len(tools))
	for _, t := range tools {
		schemas[t.Function.Name] = requiredParams{known: true, required: requiredFields(t.Function.Parameters)}
	}
	return &ToolCallValidator{schemas: schemas}
}

// requiredFields reads the `required` array out of a JSON-schema
// `parameters` blob, tolerating any shape that isn't one (the schema is
// client-supplied and not validated structurally beyond this one field).
func requiredFields(params json.RawMessage) []string {
	if len(params) == 0 {
		return nil
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(params, &schema); err != nil {
		return nil
	}
	return schema.Required
}

// Finding describes one extracted tool call whose name or arguments
// didn't line up with its declared schema.
type Finding struct {
	Name          string
	UnknownTool   bool
	MissingParams []string
}

// Validate checks every call against the declared schemas and returns a
// Finding for each one that didn't validate cleanly. A call whose
// arguments are not valid JSON is skipped here — the extraction
// contract already preserves and surfaces it byte-exact, and there is
// nothing further this validator can check without parseable arguments.
func (v *ToolCallValidator) Validate(calls []types.ToolCall) []Finding {
	var findings []Finding
	for _, c := range calls {
		schema, known := v.schemas[c.Function.Name]
		if !known {
			findings = append(findings, Finding{Name: c.Function.Name, UnknownTool: true})
			continue
		}
		if len(schema.required) == 0 {
			continue
		}

		var args map[string]interface{}
		if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
			continue
		}

		var missing []string
		for _, req := range schema.required {
			if _, ok := args[req]; !ok {
				missing = append(missing, req)
			}
		}
		if len(missing) > 0 {
			findings = append(findings, Finding{Name: c.Function.Name, MissingParams: missing})
		}
	}
	return findings
}
