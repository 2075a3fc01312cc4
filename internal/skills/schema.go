package skills

import "github.com/invopop/jsonschema"

// Descriptor is the response shape for GET /skills/{code}: identity plus a
// machine-readable schema for the skill's output_contract.
type Descriptor struct {
	Identity
	OutputContractSchema *jsonschema.Schema `json:"output_contract_schema"`
}

// outputContractEnvelope is reflected to build OutputContractSchema. The
// core treats output_contract as an opaque validated JSON object, so the
// schema only constrains its outer shape - the fields themselves are
// skill-defined and not captured here.
type outputContractEnvelope struct {
	Fields map[string]interface{} `json:"fields,omitempty" jsonschema_description:"skill-defined structured output fields"`
}

var schemaReflector = &jsonschema.Reflector{ExpandedStruct: true}

// Describe builds the GET /skills/{code} response for s.
func Describe(s Skill) Descriptor {
	return Descriptor{
		Identity:             s.Identity(),
		OutputContractSchema: schemaReflector.Reflect(&outputContractEnvelope{}),
	}
}
