package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const createTaskSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "kind": {"type": "string"}
  },
  "required": ["prompt"]
}`

const confirmSchema = `{
  "type": "object",
  "properties": {
    "confirmed": {"type": "boolean"}
  }
}`

type schemas struct {
	createTask *jsonschema.Schema
	confirm    *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for name, src := range map[string]string{
		"create_task.json": createTaskSchema,
		"confirm.json":     confirmSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	create, err := c.Compile("create_task.json")
	if err != nil {
		return nil, fmt.Errorf("compile create_task schema: %w", err)
	}
	confirm, err := c.Compile("confirm.json")
	if err != nil {
		return nil, fmt.Errorf("compile confirm schema: %w", err)
	}
	return &schemas{createTask: create, confirm: confirm}, nil
}

// decode validates the request body against schema, then unmarshals it into dst.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("read request body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid request: %s", strings.TrimSpace(err.Error()))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
