/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var responseSchema = sync.OnceValue(func() *jsonschema.Schema {
	r := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		DoNotReference:             true,
	}
	return r.Reflect(&Patch{})
})

// ResponseSchema returns the JSON schema every provider is asked to answer
// with.
func ResponseSchema() *jsonschema.Schema {
	return responseSchema()
}

// ResponseSchemaJSON returns the response schema as indented JSON for
// embedding in prompts.
func ResponseSchemaJSON() string {
	b, err := json.MarshalIndent(ResponseSchema(), "", "  ")
	if err != nil {
		// The schema is reflected from a static type.
		panic(err)
	}
	return string(b)
}
