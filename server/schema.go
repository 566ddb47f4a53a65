package server

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sage-x-project/sage-registry/types"
)

// Request schemas are embedded JSON Schema documents compiled once at
// startup. Validation failures surface as 400 envelopes carrying the
// violation list.

const registerSchemaJSON = `{
  "type": "object",
  "required": ["did", "capabilities"],
  "properties": {
    "did": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "endpoint": {"type": "string"},
    "walletAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "capabilities": {
      "type": "array",
      "minItems": 1,
      "maxItems": 25,
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "capabilityId": {"type": "string"},
          "capability_id": {"type": "string"},
          "description": {"type": "string", "minLength": 1, "maxLength": 500},
          "tags": {
            "type": "array",
            "maxItems": 10,
            "items": {"type": "string", "maxLength": 64}
          },
          "input_schema": {},
          "output_schema": {}
        }
      }
    },
    "card": {
      "type": "object",
      "required": ["did", "endpoint", "publicKey", "version", "capabilities"],
      "properties": {
        "did": {"type": "string"},
        "endpoint": {"type": "string"},
        "publicKey": {"type": "string"},
        "version": {"type": "integer"},
        "lineage": {"type": ["string", "null"]},
        "capabilities": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["id", "description"],
            "properties": {
              "id": {"type": "string"},
              "description": {"type": "string"},
              "inputSchema": {},
              "outputSchema": {},
              "embeddingDim": {"type": ["integer", "null"]}
            }
          }
        },
        "metadata": {"type": ["object", "null"]}
      }
    },
    "card_signature": {"type": "string"}
  }
}`

const discoverySchemaJSON = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 50},
    "minReputation": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const reputationSchemaJSON = `{
  "type": "object",
  "required": ["did", "reputation"],
  "properties": {
    "did": {"type": "string", "minLength": 1},
    "reputation": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const availabilitySchemaJSON = `{
  "type": "object",
  "required": ["did", "availability"],
  "properties": {
    "did": {"type": "string", "minLength": 1},
    "availability": {"type": "number", "minimum": 0, "maximum": 1},
    "last_seen": {"type": "string"}
  }
}`

type requestSchemas struct {
	register     *gojsonschema.Schema
	discovery    *gojsonschema.Schema
	reputation   *gojsonschema.Schema
	availability *gojsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	compile := func(name, doc string) (*gojsonschema.Schema, error) {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
		}
		return s, nil
	}

	var rs requestSchemas
	var err error
	if rs.register, err = compile("register", registerSchemaJSON); err != nil {
		return nil, err
	}
	if rs.discovery, err = compile("discovery", discoverySchemaJSON); err != nil {
		return nil, err
	}
	if rs.reputation, err = compile("reputation", reputationSchemaJSON); err != nil {
		return nil, err
	}
	if rs.availability, err = compile("availability", availabilitySchemaJSON); err != nil {
		return nil, err
	}
	return &rs, nil
}

// validateBody runs the body against a compiled schema. A non-nil error is
// always a *types.RegistryError ready for the wire.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return types.NewBadRequest("invalid JSON body")
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return types.NewValidationError("request body failed validation", violations)
}
