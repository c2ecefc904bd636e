package permission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The permission document as stored remotely. Enum tags are validated
// here so a document written by a newer or buggy client reads as
// malformed instead of silently granting or denying access.
const setSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["groupId", "modules"],
	"properties": {
		"groupId": {"type": "string", "minLength": 1},
		"modules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["moduleId", "roleAccess"],
				"properties": {
					"moduleId": {
						"type": "string",
						"enum": ["calendar", "finances", "merchandise", "contacts", "setlists", "tasks", "chats", "admin"]
					},
					"roleAccess": {
						"type": "array",
						"items": {
							"type": "string",
							"enum": ["admin", "manager", "musician", "member"]
						}
					}
				}
			}
		}
	}
}`

var (
	setSchemaOnce sync.Once
	setSchema     *jsonschema.Schema
	setSchemaErr  error
)

func compiledSetSchema() (*jsonschema.Schema, error) {
	setSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(setSchemaJSON)))
		if err != nil {
			setSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("permissionset.json", doc); err != nil {
			setSchemaErr = err
			return
		}
		setSchema, setSchemaErr = compiler.Compile("permissionset.json")
	})
	return setSchema, setSchemaErr
}

// DecodeSet parses and validates a remote permission document. A
// duplicate module entry is rejected: last-write-wins between
// duplicates is undefined behavior and must never be reachable. The
// Admin module's role set is normalized to include Admin.
func DecodeSet(data []byte) (Set, error) {
	schema, err := compiledSetSchema()
	if err != nil {
		return Set{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrMalformedSet, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrMalformedSet, err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrMalformedSet, err)
	}
	seen := map[Module]bool{}
	for i, p := range set.Modules {
		if seen[p.Module] {
			return Set{}, fmt.Errorf("%w: duplicate module %q", ErrMalformedSet, p.Module)
		}
		seen[p.Module] = true
		set.Modules[i].Roles = normalizeRoles(p.Module, p.Roles)
	}
	return set, nil
}

// EncodeSet serializes a permission set into its document form.
func EncodeSet(set Set) (json.RawMessage, error) {
	return json.Marshal(set)
}
