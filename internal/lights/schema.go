package lights

import (
	"bytes"
	"embed"
	"encoding/json"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dokzlo13/bulbd/internal/lighterr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	commandSchema   = mustCompile("schemas/command.json")
	discoverySchema = mustCompile("schemas/discovery.json")
)

func mustCompile(name string) *jsonschema.Schema {
	src, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	url := "mem://" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

const maxSnippet = 200

// snippet shortens out for error messages without splitting a rune.
func snippet(out string) string {
	if len(out) <= maxSnippet {
		return out
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}

// decodeResponse validates command output against schema and decodes it into v.
func decodeResponse(command, out string, schema *jsonschema.Schema, v any) error {
	var doc any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return lighterr.InvalidResponse("%s returned invalid JSON: %q", command, snippet(out))
	}
	if err := schema.Validate(doc); err != nil {
		return lighterr.InvalidResponse("%s returned an unexpected response: %v: %q", command, err, snippet(out))
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return lighterr.InvalidResponse("%s returned an unexpected response: %v: %q", command, err, snippet(out))
	}
	return nil
}
