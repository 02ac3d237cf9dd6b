package investigations

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

//go:embed settings.schema.json
var settingsSchemaJSON []byte

var compileSettingsSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	// UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(settingsSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal settings schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("settings.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add settings schema: %w", err)
	}
	return c.Compile("settings.schema.json")
})

// ValidateSettings checks raw against the settings schema and returns the
// decoded settings. Any failure is a *model.ValidationError.
func ValidateSettings(raw json.RawMessage) (model.Settings, error) {
	schema, err := compileSettingsSchema()
	if err != nil {
		return model.Settings{}, fmt.Errorf("investigations: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return model.Settings{}, &model.ValidationError{Field: "settings", Message: "settings must be valid JSON"}
	}
	if err := schema.Validate(inst); err != nil {
		return model.Settings{}, &model.ValidationError{Field: "settings", Message: err.Error()}
	}

	var s model.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.Settings{}, &model.ValidationError{Field: "settings", Message: err.Error()}
	}
	if s.TimeRange != nil && !s.TimeRange.Start.Before(s.TimeRange.End) {
		return model.Settings{}, &model.ValidationError{Field: "settings.time_range", Message: "start must be before end"}
	}
	return s, nil
}

// DecodeSettings decodes a stored settings blob without schema validation.
// An empty blob decodes to zero settings.
func DecodeSettings(raw json.RawMessage) (model.Settings, error) {
	var s model.Settings
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("investigations: decode settings: %w", err)
	}
	return s, nil
}
