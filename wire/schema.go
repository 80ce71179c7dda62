package wire

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/devicebridge/errors"
)

// Per-kind JSON Schemas for the envelope format. Compiled once at package
// init; validation runs on every decoded JSON frame before the envelope is
// unmarshaled into a typed message.
var kindSchemas map[Kind]*gojsonschema.Schema

var kindSchemaSources = map[Kind]string{
	KindInstruction: `{
		"type": "object",
		"required": ["messageType", "instruction"],
		"properties": {
			"messageType": {"const": "instruction"},
			"instruction": {"type": "string"}
		}
	}`,
	KindXML: `{
		"type": "object",
		"required": ["messageType", "xml"],
		"properties": {
			"messageType": {"const": "xml"},
			"xml": {"type": "string"}
		}
	}`,
	KindScreenshot: `{
		"type": "object",
		"required": ["messageType", "screenshot"],
		"properties": {
			"messageType": {"const": "screenshot"},
			"screenshot": {"type": "string"}
		}
	}`,
	KindQA: `{
		"type": "object",
		"required": ["messageType", "qa"],
		"properties": {
			"messageType": {"const": "qa"},
			"qa": {"type": "string"}
		}
	}`,
	KindError: `{
		"type": "object",
		"required": ["messageType", "error"],
		"properties": {
			"messageType": {"const": "error"},
			"error": {"type": "string"}
		}
	}`,
	KindGetActions: `{
		"type": "object",
		"required": ["messageType"],
		"properties": {
			"messageType": {"const": "get_actions"}
		}
	}`,
	KindAction: `{
		"type": "object",
		"required": ["messageType", "action"],
		"properties": {
			"messageType": {"const": "action"},
			"action": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string", "minLength": 1},
					"target": {"type": "string"},
					"value": {"type": "string"},
					"x": {"type": "integer"},
					"y": {"type": "integer"},
					"direction": {"type": "string"},
					"index": {"type": "integer"}
				}
			}
		}
	}`,
	KindHeartbeat: `{
		"type": "object",
		"required": ["messageType", "device_id"],
		"properties": {
			"messageType": {"const": "heartbeat"},
			"device_id": {"type": "string", "minLength": 1}
		}
	}`,
}

func init() {
	kindSchemas = make(map[Kind]*gojsonschema.Schema, len(kindSchemaSources))
	for kind, source := range kindSchemaSources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
		if err != nil {
			panic(fmt.Sprintf("wire: compile schema for %s: %v", kind, err))
		}
		kindSchemas[kind] = schema
	}
}

// validateEnvelope checks a raw envelope body against the schema for its
// declared kind. The caller has already matched the kind against the known
// set, so a missing schema indicates a programming error.
func validateEnvelope(kind Kind, body []byte) error {
	schema, ok := kindSchemas[kind]
	if !ok {
		return errors.WrapProtocol(
			fmt.Errorf("%w: no schema for %q", errors.ErrUnknownKind, kind),
			"Codec", "DecodeFrom", "look up schema")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrInvalidJSON, err),
			"Codec", "DecodeFrom", "validate envelope")
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return errors.WrapValidation(
			fmt.Errorf("%w: %s: %s", errors.ErrSchemaViolation, kind, first.String()),
			"Codec", "DecodeFrom", "validate envelope")
	}
	return nil
}
