package registration

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

const itemSchema = `{
  "type": "object",
  "required": ["adapterId", "name", "type"],
  "properties": {
    "oid":        {"type": "string"},
    "adapterId":  {"type": "string", "minLength": 1, "pattern": "^[^,\\s]+$"},
    "name":       {"type": "string", "minLength": 1},
    "type":       {"type": "string", "minLength": 1},
    "avatar":     {"type": "string"},
    "labels":     {"type": "array", "items": {"type": "string", "pattern": "^[^,]*$"}},
    "groups":     {"type": "array", "items": {"type": "string", "pattern": "^[^,]*$"}},
    "properties": {"type": "array", "uniqueItems": true, "items": {"type": "string", "minLength": 1, "pattern": "^[^,]+$"}},
    "events":     {"type": "array", "uniqueItems": true, "items": {"type": "string", "minLength": 1, "pattern": "^[^,]+$"}},
    "actions":    {"type": "array", "uniqueItems": true, "items": {"type": "string", "minLength": 1, "pattern": "^[^,]+$"}}
  }
}`

// updateSchema additionally needs the OID of the object being updated.
const updateSchema = `{
  "allOf": [
    ` + itemSchema + `,
    {"required": ["oid"], "properties": {"oid": {"type": "string", "minLength": 1}}}
  ]
}`

// Validator checks registration and update items before they reach the registry.
type Validator struct {
	register *gojsonschema.Schema
	update   *gojsonschema.Schema
}

// NewValidator compiles the item schemas.
func NewValidator() (*Validator, error) {
	register, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(itemSchema))
	if err != nil {
		return nil, errs.WrapFatal(err, "registration.Validator", "NewValidator", "compile registration schema")
	}
	update, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(updateSchema))
	if err != nil {
		return nil, errs.WrapFatal(err, "registration.Validator", "NewValidator", "compile update schema")
	}
	return &Validator{register: register, update: update}, nil
}

// Registration validates an item submitted for registration.
func (v *Validator) Registration(item registry.Item) error {
	return validate(v.register, item)
}

// Update validates an item submitted for update.
func (v *Validator) Update(item registry.Item) error {
	return validate(v.update, item)
}

func validate(schema *gojsonschema.Schema, item registry.Item) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(item))
	if err != nil {
		return errs.WrapInvalid(err, "registration.Validator", "validate", "load item")
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrInvalidData, strings.Join(problems, "; ")),
		"registration.Validator", "validate", "check item "+item.AdapterID)
}
