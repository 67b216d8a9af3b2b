package governance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const policySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema", "policyId", "rules", "revocationRef", "signedAt"],
  "properties": {
    "schema": {"const": "GovernancePolicy.v2"},
    "policyId": {"type": "string", "minLength": 1},
    "tenantId": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subjectType", "scope"],
        "properties": {
          "subjectType": {"type": "string", "minLength": 1},
          "attestationKeyIds": {"type": "array", "items": {"type": "string"}},
          "reportKeyIds": {"type": "array", "items": {"type": "string"}},
          "scope": {"enum": ["global", "tenant"]},
          "requireGoverned": {"type": "boolean"},
          "requiredPurpose": {"type": "string"}
        }
      }
    },
    "revocationRef": {
      "type": "object",
      "required": ["path", "sha256"],
      "properties": {
        "path": {"type": "string", "minLength": 1},
        "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
      }
    },
    "signedAt": {"type": "string"},
    "payloadHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "signature": {"type": "string"},
    "signerKeyId": {"type": "string"}
  }
}`

const revocationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema", "listId", "keys", "signedAt"],
  "properties": {
    "schema": {"const": "RevocationList.v1"},
    "listId": {"type": "string", "minLength": 1},
    "keys": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["keyId", "revokedAt"],
        "properties": {
          "keyId": {"type": "string", "minLength": 1},
          "revokedAt": {"type": "string"},
          "reason": {"type": "string"}
        }
      }
    },
    "signedAt": {"type": "string"},
    "payloadHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "signature": {"type": "string"},
    "signerKeyId": {"type": "string"}
  }
}`

var (
	policySchema     = mustCompile("governance-policy-v2.json", policySchemaJSON)
	revocationSchema = mustCompile("revocation-list-v1.json", revocationSchemaJSON)
)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("governance: schema resource %s: %v", name, err))
	}
	return c.MustCompile(name)
}

func validateAgainst(schema *jsonschema.Schema, raw []byte, code string) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return &Error{Code: code, Detail: "not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &Error{Code: code, Detail: err.Error()}
	}
	return nil
}

// ValidatePolicyJSON checks raw bytes against the GovernancePolicy.v2
// schema.
func ValidatePolicyJSON(raw []byte) error {
	return validateAgainst(policySchema, raw, CodePolicySchemaInvalid)
}

// ValidateRevocationJSON checks raw bytes against the RevocationList.v1
// schema.
func ValidateRevocationJSON(raw []byte) error {
	return validateAgainst(revocationSchema, raw, CodeRevocationSchemaInvalid)
}
