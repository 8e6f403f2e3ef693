// Package validate checks record payloads against per-kind JSON Schemas
// before anything is sent to the remote system.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/JonMunkholm/erpseed/internal/core"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://erpseed.schemas.local/"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid record")

// Validator holds one compiled schema per kind. Kinds without a schema only
// get the natural key check.
type Validator struct {
	schemas map[core.Kind]*jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	files, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		return nil, err
	}

	v := &Validator{schemas: make(map[core.Kind]*jsonschema.Schema, len(files))}
	for _, name := range files {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		kind := core.Kind(strings.TrimSuffix(path.Base(name), ".schema.json"))
		if err := v.Add(kind, data); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Add compiles schema and uses it for kind, replacing any earlier one.
func (v *Validator) Add(kind core.Kind, schema []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + string(kind) + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("load %s schema: %w", kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", kind, err)
	}
	v.schemas[kind] = compiled
	return nil
}

// Has reports whether kind has a schema.
func (v *Validator) Has(kind core.Kind) bool {
	_, ok := v.schemas[kind]
	return ok
}

// Validate checks rec. The returned error wraps ErrInvalid.
func (v *Validator) Validate(rec core.ImportRecord) error {
	if strings.TrimSpace(rec.NaturalKey) == "" {
		return fmt.Errorf("%w: %s record has an empty natural key", ErrInvalid, rec.Kind)
	}
	schema, ok := v.schemas[rec.Kind]
	if !ok {
		return nil
	}
	if rec.Payload == nil {
		return fmt.Errorf("%w: %s: missing payload", ErrInvalid, rec.Key())
	}

	// The schema library wants JSON-decoded values, not arbitrary Go types.
	doc, err := toJSONValue(rec.Payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, rec.Key(), err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalid, rec.Key(), describe(err))
	}
	return nil
}

func toJSONValue(payload map[string]any) (any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// describe flattens a validation error to its leaf causes, e.g.
// "/price_unit: must be >= 0 but found -1; missing properties: 'name'".
func describe(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}

	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(msgs, "; ")
}
