// Package schemaguard validates metadata updates against a JSON Schema
// before they reach storage. Rejections surface as validation errors with
// the schema violation verbatim, so callers can act on them.
package schemaguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agent-sessions/hooks"
	"goa.design/agent-sessions/session"
)

const schemaURL = "metadata.schema.json"

// Guard is a metadata hook that validates update payloads.
type Guard struct {
	schema *jsonschema.Schema
}

// New compiles the given JSON Schema document.
func New(schemaJSON string) (*Guard, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil, errors.New("schema is required")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, err
	}
	return &Guard{schema: schema}, nil
}

// InterceptMetadata validates update payloads against the schema and
// delegates all other actions unchanged.
func (g *Guard) InterceptMetadata(ctx context.Context, next hooks.MetadataOp, action hooks.MetadataAction, sessionID string, args hooks.MetadataArgs) (map[string]any, error) {
	if action != hooks.MetadataUpdate {
		return next(ctx, action, sessionID, args)
	}
	instance, err := normalize(args.Update)
	if err != nil {
		return nil, session.Validationf("metadata update is not JSON-representable: %v", err)
	}
	if err := g.schema.Validate(instance); err != nil {
		return nil, session.Validationf("metadata update rejected: %v", err)
	}
	return next(ctx, action, sessionID, args)
}

// normalize round-trips the update through JSON so the validator sees the
// same value shapes a decoded document would have.
func normalize(update map[string]any) (any, error) {
	buf, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(buf))
}
