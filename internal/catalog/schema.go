package catalog

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var playbookSchemaOnce sync.Once
var playbookSchema *gojsonschema.Schema
var playbookSchemaErr error

func loadPlaybookSchema() (*gojsonschema.Schema, error) {
	playbookSchemaOnce.Do(func() {
		data, err := schemaFS.ReadFile("schemas/playbook.json")
		if err != nil {
			playbookSchemaErr = err
			return
		}
		playbookSchema, playbookSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	})
	return playbookSchema, playbookSchemaErr
}

// ValidateDocument checks a playbook document against the structural
// schema. Errors carry the first offending field so authors can fix and
// resubmit.
func ValidateDocument(doc []byte) error {
	if len(doc) == 0 {
		return errors.New("empty playbook document")
	}
	schema, err := loadPlaybookSchema()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	if len(result.Errors()) == 0 {
		return errors.New("playbook schema validation failed")
	}
	return fmt.Errorf("playbook schema validation failed: %s", result.Errors()[0].String())
}

// ValidatePlaybook marshals a Playbook and validates it structurally,
// then parses every step's param mapping so malformed expressions are
// caught at load time.
func ValidatePlaybook(p Playbook) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	for i, step := range p.Steps {
		if step.ScriptRef == nil && step.PlaybookRef == nil {
			return fmt.Errorf("step %d: needs script_ref or playbook_ref", i+1)
		}
		if step.ScriptRef != nil && step.PlaybookRef != nil {
			return fmt.Errorf("step %d: script_ref and playbook_ref are mutually exclusive", i+1)
		}
		if _, err := ParseMappings(step.ParamMapping); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}
