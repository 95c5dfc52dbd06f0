package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keelhq/keel/pkg/deal"
)

// Record payloads are validated twice: against these schemas at the boundary
// so malformed shapes are rejected with a precise 400, and again by the typed
// decoders in pkg/deal before anything touches the log.

const approvalPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["action", "role"],
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"role": {"type": "string", "enum": ["GP", "Analyst", "LP", "Regulator", "Counsel", "Admin", "Broker"]}
	},
	"additionalProperties": false
}`

const materialPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["materialType", "truthClass"],
	"properties": {
		"materialId": {"type": "string"},
		"materialType": {"type": "string", "minLength": 1},
		"truthClass": {"type": "string", "enum": ["AI", "HUMAN", "DOC"]}
	},
	"additionalProperties": false
}`

var (
	approvalSchema = mustCompileSchema("approval_granted", approvalPayloadSchema)
	materialSchema = mustCompileSchema("material_added", materialPayloadSchema)
)

func mustCompileSchema(name, body string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://keel.schemas.local/events/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(body)); err != nil {
		panic(fmt.Sprintf("api: schema %s load failed: %v", name, err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("api: schema %s compile failed: %v", name, err))
	}
	return compiled
}

// ValidateRecordPayload checks the payload of a record event against its
// schema, when one is defined for the type. The schema validator works on
// decoded values, so raw bytes are unmarshalled first.
func ValidateRecordPayload(eventType string, payload json.RawMessage) error {
	var schema *jsonschema.Schema
	switch eventType {
	case deal.EventApprovalGranted:
		schema = approvalSchema
	case deal.EventMaterialAdded:
		schema = materialSchema
	default:
		return nil
	}

	if len(payload) == 0 {
		return fmt.Errorf("%s requires a payload", eventType)
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("payload rejected: %v", err)
	}
	return nil
}
