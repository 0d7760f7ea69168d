package dispatcher

import (
	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// CloudEvent is the inbound message envelope. The referenceid extension
// attribute carries the correlation id used to target an existing process
// instance.
type CloudEvent struct {
	SpecVersion string         `json:"specversion,omitempty"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ReferenceID string         `json:"referenceid,omitempty"`
}

// envelopeSchema is the minimum shape of a recognizable cloud event. A
// payload failing it is handled as a plain data event, not an error.
const envelopeSchema = `{
	"type": "object",
	"required": ["id", "type", "source"],
	"properties": {
		"id":          {"type": "string", "minLength": 1},
		"type":        {"type": "string", "minLength": 1},
		"source":      {"type": "string", "minLength": 1},
		"referenceid": {"type": "string"},
		"data":        {"type": "object"}
	}
}`

func compileEnvelopeSchema() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
}

// parseCloudEvent validates and decodes the payload as a cloud event.
// The second return value reports whether the payload is one.
func parseCloudEvent(schema *gojsonschema.Schema, raw []byte) (*CloudEvent, bool) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil || !result.Valid() {
		return nil, false
	}

	var ce CloudEvent
	if err := json.Unmarshal(raw, &ce); err != nil {
		return nil, false
	}

	return &ce, true
}
