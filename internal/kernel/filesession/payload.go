package filesession

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// proposedChangesSchema validates the raw proposedChanges array a mutating
// tool returns before the kernel parses it.
const proposedChangesSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["action", "path"],
		"properties": {
			"action": {"type": "string", "enum": ["create", "update", "delete"]},
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"additionalProperties": false
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("proposed_changes.json", strings.NewReader(proposedChangesSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("proposed_changes.json")
	})
	return schema, schemaErr
}

// ParseProposedChanges validates and decodes the proposedChanges value from a
// step output payload.
func ParseProposedChanges(raw any) ([]ProposedChange, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode proposed changes: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("decode proposed changes: %w", err)
	}
	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile proposed-changes schema: %w", err)
	}
	if err := s.Validate(generic); err != nil {
		return nil, fmt.Errorf("proposed changes failed schema validation: %w", err)
	}
	var changes []ProposedChange
	if err := json.Unmarshal(b, &changes); err != nil {
		return nil, fmt.Errorf("decode proposed changes: %w", err)
	}
	return changes, nil
}
