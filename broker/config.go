package broker

import (
	"embed"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/urho-eu/onoff/core/schema"
)

//go:embed allowances.schema.json
var schemaFS embed.FS

const allowanceSchemaID = "https://urho.eu/onoff/allowances.schema.json"

// LoadAllowances parses allowance configuration, a JSON object mapping each
// bkid to its allowance set. The document is validated against the embedded
// schema so a broken configuration fails at boot and not as a mysterious
// denial at join time.
func LoadAllowances(data []byte) (map[string][]string, error) {
	validator, err := schema.NewValidatorFromFS(schemaFS)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateString(string(data), allowanceSchemaID); err != nil {
		return nil, fmt.Errorf("allowance configuration is not valid: %w", err)
	}
	var allowed map[string][]string
	if err := json.Unmarshal(data, &allowed); err != nil {
		return nil, err
	}
	return allowed, nil
}
