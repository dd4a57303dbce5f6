package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// actionSchema is the wire contract enforced on Action documents arriving
// from the external agent runtime, before they are decoded into the typed
// model. Structural problems are rejected here; semantic problems (closed
// enums, ordering) are rejected by Action.Validate.
const actionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "category", "risk_level", "requester"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "risk_level": {"type": "integer", "minimum": 0, "maximum": 4},
    "description": {"type": "string"},
    "resource_id": {"type": "string"},
    "resource_type": {"type": "string"},
    "monetary_value_cents": {"type": "integer", "minimum": 0},
    "affected_count": {"type": "integer", "minimum": 0},
    "reversible": {"type": "boolean"},
    "requester": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"type": "string", "enum": ["user", "agent", "system"]}
      }
    },
    "requested_at": {"type": "string"},
    "parent_id": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

var (
	actionSchemaOnce     sync.Once
	compiledActionSchema *jsonschema.Schema
	actionSchemaErr      error
)

func actionSchemaCompiled() (*jsonschema.Schema, error) {
	actionSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://warden.schemas.local/action.schema.json"
		if err := c.AddResource(url, strings.NewReader(actionSchema)); err != nil {
			actionSchemaErr = fmt.Errorf("action schema load failed: %w", err)
			return
		}
		compiledActionSchema, actionSchemaErr = c.Compile(url)
	})
	return compiledActionSchema, actionSchemaErr
}

// DecodeAction validates raw JSON against the action wire schema and
// decodes it into an Action. Both schema violations and closed-enum
// violations surface as ErrValidation.
func DecodeAction(raw []byte) (*Action, error) {
	schema, err := actionSchemaCompiled()
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: malformed action document: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var action Action
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, fmt.Errorf("%w: action decode failed: %v", ErrValidation, err)
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return &action, nil
}
