// Package schema validates inbound job documents against the JSON schema of
// the stage that receives them.
package schema

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const baseURL = "https://mash.local/schemas/"

// BaseSchema applies to stages that have no schema of their own.
const BaseSchema = "job"

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator holds one compiled schema per stage. It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
	printer *message.Printer
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}

	var names []string
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(baseURL+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}

	v := &Validator{
		schemas: make(map[string]*jsonschema.Schema, len(names)),
		printer: message.NewPrinter(language.English),
	}
	for _, name := range names {
		s, err := c.Compile(baseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	if _, ok := v.schemas[BaseSchema]; !ok {
		return nil, errors.New("base job schema missing")
	}
	return v, nil
}

// Stages lists the stages that have a dedicated schema.
func (v *Validator) Stages() []string {
	var out []string
	for name := range v.schemas {
		if name != BaseSchema {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Validate checks doc against the stage's schema. It returns nil when the
// document is valid, otherwise a sorted list of human-readable problems.
func (v *Validator) Validate(stage string, doc map[string]any) []string {
	s, ok := v.schemas[stage]
	if !ok {
		s = v.schemas[BaseSchema]
	}

	inst, err := normalize(doc)
	if err != nil {
		return []string{err.Error()}
	}

	err = s.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	return v.collect(ve.LocalizedBasicOutput(v.printer))
}

// normalize round-trips doc through JSON so values built in Go (ints,
// typed slices) look the same as decoded documents.
func normalize(doc map[string]any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode job document: %w", err)
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
}

// collect flattens the basic output into "<instance location>: <message>"
// lines.
func (v *Validator) collect(out *jsonschema.OutputUnit) []string {
	seen := make(map[string]bool)
	var problems []string
	for _, u := range out.Errors {
		if u.Error == nil {
			continue
		}
		msg := u.Error.Kind.LocalizedString(v.printer)
		// allOf and $ref wrappers only repeat their children's messages.
		if strings.HasPrefix(msg, "allOf failed") || strings.HasPrefix(msg, "validation failed") {
			continue
		}
		loc := u.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		p := loc + ": " + msg
		if !seen[p] {
			seen[p] = true
			problems = append(problems, p)
		}
	}
	if len(problems) == 0 {
		problems = append(problems, "document does not match schema")
	}
	slices.Sort(problems)
	return problems
}
