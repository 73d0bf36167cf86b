package redash

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchema validates a decoded JSON value before it is trusted.
type payloadSchema interface {
	Validate(v any) error
}

// The list-shaped responses are the ones worth guarding: the remote has been
// observed returning error objects and partial records where the client
// expects arrays. Object-shaped responses are covered by the message check
// and the struct decode.
const queryPageSchemaJSON = `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "integer"},
					"user": {
						"type": ["object", "null"],
						"properties": {
							"id": {"type": "integer"}
						}
					}
				}
			}
		}
	}
}`

const groupMembersSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"id": {"type": "integer"}
		}
	}
}`

var (
	queryPageSchema    = mustCompileSchema("queries.json", queryPageSchemaJSON)
	groupMembersSchema = mustCompileSchema("members.json", groupMembersSchemaJSON)
)

func mustCompileSchema(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}
