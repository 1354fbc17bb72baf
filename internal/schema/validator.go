// Package schema validates inbound provider webhook envelopes.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"meeting-transcript-relay/internal/models"
)

var (
	ErrInvalidJSON     = errors.New("invalid JSON")
	ErrInvalidEnvelope = errors.New("invalid webhook envelope")
)

const envelopeSchemaURL = "mem://schemas/webhook-envelope.json"

// envelopeSchema accepts any event name so new provider events pass through;
// only the routing fields are required.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "data": {
      "type": "object",
      "required": ["bot"],
      "properties": {
        "bot": {
          "type": "object",
          "required": ["id"],
          "properties": {"id": {"type": "string", "minLength": 1}}
        },
        "status": {
          "oneOf": [
            {"type": "string"},
            {"type": "object", "required": ["code"], "properties": {"code": {"type": "string"}}}
          ]
        },
        "data": {"type": ["object", "array", "null"]}
      }
    }
  }
}`

// Validator checks webhook envelopes against the envelope schema.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the envelope schema.
func New() (*Validator, error) {
	s, err := jsonschema.CompileString(envelopeSchemaURL, envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// MustNew is New for package-level wiring; it panics on a broken schema.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks raw against the envelope schema.
func (v *Validator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// Decode validates raw and decodes it into an envelope.
func (v *Validator) Decode(raw []byte) (models.WebhookEnvelope, error) {
	if err := v.Validate(raw); err != nil {
		return models.WebhookEnvelope{}, err
	}
	var env models.WebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.WebhookEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}
