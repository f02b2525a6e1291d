package utils

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"
)

// GetSchemaFromConfig reflects config into a JSON schema. Decimals are described as
// numeric strings and durations as Go duration strings, matching how they are written in YAML.
func GetSchemaFromConfig(config any) (string, error) {
	r := &jsonschema.Reflector{
		Mapper: mapType,
	}
	schema := r.Reflect(config)

	jsonSchemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}

	return string(jsonSchemaBytes), nil
}

func mapType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(decimal.Decimal{}):
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     `^-?[0-9]+(\.[0-9]+)?$`,
			Description: "decimal number",
		}
	case reflect.TypeOf(time.Duration(0)):
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|ms|s|m|h))+$`,
			Description: "duration such as 200ms or 1m",
		}
	default:
		return nil
	}
}
