package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

var durationType = reflect.TypeOf(time.Duration(0))

// JSONSchema returns the JSON Schema for the configuration file. Durations
// are described as Go duration strings ("1s", "5m") since that is how the
// YAML decoder reads them.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == durationType {
					return &jsonschema.Schema{
						Type:    "string",
						Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
					}
				}
				return nil
			},
		}
		schema := r.Reflect(&Config{})
		schema.Title = "threadline configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
