package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the shape contract for submitted envelopes. It
// gates only the envelope itself; payload interiors are validated per
// type after parsing.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["instance_id", "event_type", "seq_no", "timestamp", "payload", "prev_hash", "event_hash"],
	"additionalProperties": false,
	"properties": {
		"instance_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"event_type": {
			"type": "string",
			"enum": [
				"TRADE_OPEN", "TRADE_CLOSE", "PARTIAL_CLOSE", "TRADE_MODIFY",
				"SNAPSHOT", "SESSION_START", "SESSION_END", "CASHFLOW",
				"CHAIN_RECOVERY", "BROKER_EVIDENCE", "BROKER_HISTORY_DIGEST"
			]
		},
		"seq_no": {"type": "integer", "minimum": 1},
		"timestamp": {"type": "integer", "minimum": 0},
		"payload": {"type": "object"},
		"prev_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"event_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
	}
}`

// EnvelopeValidator wraps the compiled envelope schema.
type EnvelopeValidator struct {
	schema *jsonschema.Schema
}

func NewEnvelopeValidator() (*EnvelopeValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &EnvelopeValidator{schema: schema}, nil
}

// Validate checks raw submission bytes against the envelope schema and
// returns a VALIDATION_FAILURE rejection on any shape error.
func (v *EnvelopeValidator) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return reject(ReasonValidationFailure, fmt.Sprintf("invalid JSON: %v", err), nil, err)
	}

	if err := v.schema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return reject(ReasonValidationFailure,
				fmt.Sprintf("envelope%s: %s", ve.InstanceLocation, ve.Message), nil, err)
		}
		return reject(ReasonValidationFailure, err.Error(), nil, err)
	}
	return nil
}
