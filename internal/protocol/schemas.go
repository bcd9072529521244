package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agenttown.ai/internal/sim/game"
)

//go:embed schemas/*.schema.json schemas/inputs/*.schema.json
var schemaFS embed.FS

const schemaBase = "agenttown://schemas/"

// Schemas holds the compiled wire message and input argument schemas.
type Schemas struct {
	messages map[string]*jsonschema.Schema
	inputs   map[string]*jsonschema.Schema
}

var messageSchemaFiles = map[string]string{
	TypeHello:    "hello.schema.json",
	TypeSubmit:   "submit.schema.json",
	TypePoll:     "poll.schema.json",
	TypeStateReq: "state_req.schema.json",
	TypeAppend:   "append_text.schema.json",
}

// LoadSchemas compiles every embedded schema. Each input handler must have
// one.
func LoadSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	err := fs.WalkDir(schemaFS, "schemas", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := schemaFS.ReadFile(p)
		if err != nil {
			return err
		}
		return c.AddResource(schemaBase+strings.TrimPrefix(p, "schemas/"), bytes.NewReader(b))
	})
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	s := &Schemas{messages: map[string]*jsonschema.Schema{}, inputs: map[string]*jsonschema.Schema{}}
	for typ, file := range messageSchemaFiles {
		sch, err := c.Compile(schemaBase + file)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}
		s.messages[typ] = sch
	}
	for _, name := range game.InputNames() {
		file := path.Join("inputs", name+".schema.json")
		sch, err := c.Compile(schemaBase + file)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}
		s.inputs[name] = sch
	}
	return s, nil
}

// Validate checks input arguments. It satisfies the engine's validator hook;
// failures wrap game.ErrBadArgs.
func (s *Schemas) Validate(name string, args json.RawMessage) error {
	sch, ok := s.inputs[name]
	if !ok {
		return fmt.Errorf("%w: %q", game.ErrUnknownHandler, name)
	}
	if err := validateRaw(sch, args); err != nil {
		return fmt.Errorf("%w: %s: %v", game.ErrBadArgs, name, err)
	}
	return nil
}

// ValidateMessage checks a client message of the given type. Types without
// a schema pass.
func (s *Schemas) ValidateMessage(typ string, raw []byte) error {
	sch, ok := s.messages[typ]
	if !ok {
		return nil
	}
	return validateRaw(sch, raw)
}

func validateRaw(sch *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return sch.Validate(v)
}
