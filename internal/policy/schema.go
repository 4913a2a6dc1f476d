package policy

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type schemas struct {
	tool    *gojsonschema.Schema
	routing *gojsonschema.Schema
	agent   *gojsonschema.Schema
}

func loadSchemas() (*schemas, error) {
	load := func(name string) (*gojsonschema.Schema, error) {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return s, nil
	}
	var (
		out schemas
		err error
	)
	if out.tool, err = load("tool_config.json"); err != nil {
		return nil, err
	}
	if out.routing, err = load("routing_policy.json"); err != nil {
		return nil, err
	}
	if out.agent, err = load("agent_config.json"); err != nil {
		return nil, err
	}
	return &out, nil
}

// validate returns a *ValidationError listing every violation of schema.
func validate(schema *gojsonschema.Schema, document string, doc any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate %s: %w", document, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &ValidationError{Document: document, Problems: problems}
}
