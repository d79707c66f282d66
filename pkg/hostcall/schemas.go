package hostcall

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// opSchemas are the JSON Schemas every host-call payload must satisfy before
// its capability runs. Validation here keeps each capability implementation
// free of defensive shape checks.
var opSchemas = map[string]string{
	"storage.query": `{
		"type": "object",
		"required": ["table"],
		"properties": {
			"table": {"type": "string"},
			"fields": {"type": "array", "items": {"type": "string"}},
			"conditions": {"type": "array", "items": {
				"type": "object",
				"required": ["field", "op"],
				"properties": {
					"field": {"type": "string"},
					"op": {"type": "string"},
					"value": {}
				}
			}},
			"order_by": {"type": "array", "items": {
				"type": "object",
				"required": ["field"],
				"properties": {"field": {"type": "string"}, "desc": {"type": "boolean"}}
			}},
			"limit": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	"storage.insert": `{
		"type": "object",
		"required": ["table", "values"],
		"properties": {
			"table": {"type": "string"},
			"values": {"type": "object", "minProperties": 1}
		},
		"additionalProperties": false
	}`,
	"storage.update": `{
		"type": "object",
		"required": ["table", "values", "conditions"],
		"properties": {
			"table": {"type": "string"},
			"values": {"type": "object", "minProperties": 1},
			"conditions": {"type": "array", "minItems": 1}
		},
		"additionalProperties": false
	}`,
	"storage.delete": `{
		"type": "object",
		"required": ["table", "conditions"],
		"properties": {
			"table": {"type": "string"},
			"conditions": {"type": "array", "minItems": 1}
		},
		"additionalProperties": false
	}`,
	"storage.raw": `{
		"type": "object",
		"required": ["sql"],
		"properties": {
			"sql": {"type": "string"},
			"args": {"type": "array"}
		},
		"additionalProperties": false
	}`,
	"cache.get": `{
		"type": "object",
		"required": ["key"],
		"properties": {"key": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"cache.set": `{
		"type": "object",
		"required": ["key", "value"],
		"properties": {
			"key": {"type": "string", "minLength": 1},
			"value": {"type": "string"},
			"ttl_ms": {"type": "integer", "minimum": 0},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	"cache.delete": `{
		"type": "object",
		"required": ["key"],
		"properties": {"key": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"cache.invalidate_tag": `{
		"type": "object",
		"required": ["tag"],
		"properties": {"tag": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"cache.flush": `{"type": "object", "additionalProperties": false}`,
	"identity.whoami": `{"type": "object", "additionalProperties": false}`,
	"identity.has_permission": `{
		"type": "object",
		"required": ["permission"],
		"properties": {"permission": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"identity.has_role": `{
		"type": "object",
		"required": ["role"],
		"properties": {"role": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"log.write": `{
		"type": "object",
		"required": ["level", "message"],
		"properties": {
			"level": {"enum": ["debug", "info", "warn", "error"]},
			"message": {"type": "string"},
			"fields": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	"kv.get": `{
		"type": "object",
		"required": ["key"],
		"properties": {"key": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"kv.set": `{
		"type": "object",
		"required": ["key", "value"],
		"properties": {"key": {"type": "string", "minLength": 1}, "value": {}},
		"additionalProperties": false
	}`,
	"kv.delete": `{
		"type": "object",
		"required": ["key"],
		"properties": {"key": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"kv.keys": `{"type": "object", "additionalProperties": false}`,
	"invoke.call": `{
		"type": "object",
		"required": ["module", "export"],
		"properties": {
			"module": {"type": "string", "minLength": 1},
			"export": {"type": "string", "minLength": 1},
			"payload": {}
		},
		"additionalProperties": false
	}`,
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(opSchemas))
	for op, src := range opSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://plinth.schemas.local/hostcall/%s.schema.json", op)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("hostcall: schema %s: %w", op, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("hostcall: compile schema %s: %w", op, err)
		}
		compiled[op] = s
	}
	return compiled, nil
}
