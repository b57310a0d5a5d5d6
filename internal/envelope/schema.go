package envelope

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		frameSchema, frameSchemaErr = jsonschema.CompileString("envelope", envelopeSchema)
	})
	return frameSchema, frameSchemaErr
}

func validateFrame(raw []byte) error {
	schema, err := compiledFrameSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// Kind-specific checks (priority values, timestamp layout) happen in Decode so
// that unknown kinds and malformed frames stay distinguishable.
const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "data": {},
    "priority": { "type": "string" },
    "timestamp": { "type": "string" },
    "from": { "type": "string" }
  },
  "additionalProperties": true
}`
