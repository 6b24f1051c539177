package capabilities

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the JSON Schema of an argument struct. Fields without
// omitempty are required; descriptions and enums come from jsonschema tags.
//
//	type searchArgs struct {
//	    Query string `json:"query" jsonschema:"description=Search terms"`
//	}
//	schema := capabilities.SchemaFor[searchArgs]()
func SchemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := r.Reflect(&zero)
	schema.Version = ""
	b, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("capabilities: reflect schema: %v", err))
	}
	return b
}

// DecodeArgs unmarshals validated arguments into T.
func DecodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("decode arguments: %w", err)
	}
	return v, nil
}
