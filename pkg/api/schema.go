package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/billstream/billstream/pkg/fault"
)

// Request bodies are validated against JSON Schemas before any core code
// sees them, so the core only ever deals with shape-correct commands.
const createBillSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title", "total"],
	"additionalProperties": false,
	"properties": {
		"billId":    {"type": "string", "minLength": 1, "maxLength": 128},
		"title":     {"type": "string", "minLength": 1, "maxLength": 512},
		"total":     {"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]+)?$"},
		"createdBy": {"type": "string", "maxLength": 128},
		"metadata": {
			"type": "object",
			"maxProperties": 32,
			"additionalProperties": {"type": "string", "maxLength": 1024}
		}
	}
}`

const approvalSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["decision"],
	"additionalProperties": false,
	"properties": {
		"approverId": {"type": "string", "maxLength": 128},
		"decision":   {"type": "string", "enum": ["Approved", "Rejected"]},
		"reason":     {"type": "string", "maxLength": 2048}
	}
}`

var (
	compiledCreateBill = mustCompile("create-bill.json", createBillSchema)
	compiledApproval   = mustCompile("approval.json", approvalSchema)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

const maxBodyBytes = 1 << 20 // JSON command bodies, not file uploads

// decodeBody validates the request body against schema and decodes it into
// out. Validation failures surface as business-rule violations so the caller
// sees a 422 with the schema's complaint.
func decodeBody(r *http.Request, schema *jsonschema.Schema, out any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fault.Transient("request body read failed", err)
	}
	if len(raw) > maxBodyBytes {
		return fault.BusinessRule(fault.ReasonQueryInvalid, "request body exceeds 1 MiB")
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fault.BusinessRule(fault.ReasonQueryInvalid, "request body is not valid JSON")
	}
	if err := schema.Validate(value); err != nil {
		return fault.BusinessRule(fault.ReasonQueryInvalid, err.Error())
	}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
		return fault.BusinessRule(fault.ReasonQueryInvalid, "request body does not match the expected shape")
	}
	return nil
}
