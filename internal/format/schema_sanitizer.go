// Package format converts between the Anthropic Messages API shape and the
// Cloud Code internal Gemini request/response shape.
package format

import (
	"fmt"
	"strings"
)

// allowedSchemaFields is the allowlist SanitizeSchema keeps; everything else
// is dropped rather than forwarded to the Antigravity function-calling API.
var allowedSchemaFields = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"title":       true,
}

// placeholderSchema is what a tool gets when it declares no usable
// parameters: Antigravity's function-calling API rejects an empty object
// schema, so every tool needs at least one property.
func placeholderSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []string{"reason"},
	}
}

// SanitizeSchema reduces an arbitrary tool JSON Schema to the allowlisted
// subset Antigravity's function-calling API accepts, folding "const" into an
// equivalent single-value "enum" and substituting a placeholder for tools
// that declare no usable parameters.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderSchema()
	}

	sanitized := make(map[string]interface{}, len(schema))
	for key, value := range schema {
		switch {
		case key == "const":
			sanitized["enum"] = []interface{}{value}
		case !allowedSchemaFields[key]:
			continue
		case key == "properties":
			if props, ok := value.(map[string]interface{}); ok {
				sanitized["properties"] = sanitizeProperties(props)
			}
		case key == "items":
			sanitized["items"] = sanitizeItems(value)
		default:
			if nested, ok := value.(map[string]interface{}); ok {
				sanitized[key] = SanitizeSchema(nested)
			} else {
				sanitized[key] = value
			}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}
	if sanitized["type"] == "object" {
		props, _ := sanitized["properties"].(map[string]interface{})
		if len(props) == 0 {
			placeholder := placeholderSchema()
			sanitized["properties"] = placeholder["properties"]
			sanitized["required"] = placeholder["required"]
		}
	}

	return sanitized
}

func sanitizeProperties(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for key, value := range props {
		if propMap, ok := value.(map[string]interface{}); ok {
			out[key] = SanitizeSchema(propMap)
		} else {
			out[key] = value
		}
	}
	return out
}

func sanitizeItems(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return SanitizeSchema(v)
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			if itemMap, ok := item.(map[string]interface{}); ok {
				out = append(out, SanitizeSchema(itemMap))
			} else {
				out = append(out, item)
			}
		}
		return out
	default:
		return value
	}
}

// schemaStage is one pass of the Gemini-compatibility pipeline CleanSchema
// runs: it may rewrite the top-level schema it's given, but recursion into
// properties/items is handled once by CleanSchema itself rather than by each
// stage repeating the same traversal.
type schemaStage func(map[string]interface{}) map[string]interface{}

// cleanupStages runs in order: hints must be captured from fields that are
// about to be stripped (Phase 1) before the structural flattening passes
// (Phase 2) collapse $refs/allOf/anyOf/type-arrays down to a single shape,
// which in turn must happen before unsupported keywords are deleted
// (Phase 3).
var cleanupStages = []schemaStage{
	convertRefsToHints,
	addEnumHints,
	addAdditionalPropertiesHints,
	moveConstraintsToDescription,
	mergeAllOf,
	flattenAnyOfOneOf,
	func(s map[string]interface{}) map[string]interface{} { return flattenTypeArrays(s, nil, "") },
	stripUnsupportedKeywords,
}

// unsupportedKeywords are JSON Schema fields Gemini's schema dialect doesn't
// understand; their information either has no Gemini equivalent or was
// already folded into "description" by an earlier stage.
var unsupportedKeywords = []string{
	"additionalProperties", "default", "$schema", "$defs",
	"definitions", "$ref", "$id", "$comment", "title",
	"minLength", "maxLength", "pattern", "format",
	"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
}

func stripUnsupportedKeywords(schema map[string]interface{}) map[string]interface{} {
	result := copyMap(schema)
	for _, key := range unsupportedKeywords {
		delete(result, key)
	}
	if schemaType, _ := result["type"].(string); schemaType == "string" {
		if f, ok := result["format"].(string); ok {
			if f != "enum" && f != "date-time" {
				delete(result, "format")
			}
		}
	}
	return result
}

// CleanSchema runs the Gemini-compatibility pipeline over schema: every
// stage in cleanupStages fires in order, then the result (and any
// properties/items nested under it) is validated and type names are
// upper-cased to Google's wire format.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	result := copyMap(schema)
	for _, stage := range cleanupStages {
		result = stage(result)
	}

	result = walkChildren(result, CleanSchema)
	result = dropUndeclaredRequired(result)

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(schemaType)
	}

	return result
}

// dropUndeclaredRequired removes required-array entries that don't name a
// declared property; Gemini rejects a schema whose required list references
// a property flattenTypeArrays or mergeAllOf ended up discarding.
func dropUndeclaredRequired(result map[string]interface{}) map[string]interface{} {
	required, ok := result["required"].([]interface{})
	if !ok {
		return result
	}
	props, ok := result["properties"].(map[string]interface{})
	if !ok {
		return result
	}

	kept := make([]interface{}, 0, len(required))
	for _, entry := range required {
		if name, ok := entry.(string); ok {
			if _, declared := props[name]; declared {
				kept = append(kept, name)
			}
		}
	}
	if len(kept) == 0 {
		delete(result, "required")
	} else {
		result["required"] = kept
	}
	return result
}

// walkChildren applies fn to every nested schema reachable through
// properties/items, replacing each entry with fn's result in place. Stage
// functions that only need to transform a schema's immediate fields call
// this once instead of re-implementing the properties/items traversal.
func walkChildren(schema map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) map[string]interface{} {
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{}, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = fn(valueMap)
			} else {
				newProps[key] = value
			}
		}
		schema["properties"] = newProps
	}

	switch items := schema["items"].(type) {
	case map[string]interface{}:
		schema["items"] = fn(items)
	case []interface{}:
		newItems := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, fn(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		schema["items"] = newItems
	}

	return schema
}

// walkUnionMembers applies fn to every option inside schema's anyOf/oneOf/allOf
// arrays, in place.
func walkUnionMembers(schema map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) {
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		arr, ok := schema[key].([]interface{})
		if !ok {
			continue
		}
		newArr := make([]interface{}, 0, len(arr))
		for _, item := range arr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newArr = append(newArr, fn(itemMap))
			} else {
				newArr = append(newArr, item)
			}
		}
		schema[key] = newArr
	}
}

// appendDescriptionHint appends hint to schema's description, parenthesized
// after any existing text so nothing already there is lost.
func appendDescriptionHint(schema map[string]interface{}, hint string) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// scoreSchemaOption ranks an anyOf/oneOf branch by how much structure it
// carries, so flattenAnyOfOneOf can keep the most informative branch instead
// of an arbitrary first one.
func scoreSchemaOption(schema map[string]interface{}) int {
	if schema == nil {
		return 0
	}
	switch {
	case schema["type"] == "object" || schema["properties"] != nil:
		return 3
	case schema["type"] == "array" || schema["items"] != nil:
		return 2
	default:
		if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
			return 1
		}
		return 0
	}
}

// convertRefsToHints replaces a $ref with a generic object type plus a
// "See: <name>" description hint, since Gemini's schema dialect has no
// concept of named definitions to resolve it against.
func convertRefsToHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	if ref, ok := schema["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := fmt.Sprintf("See: %s", defName)
		result := map[string]interface{}{"type": "object"}
		if desc, ok := schema["description"].(string); ok && desc != "" {
			result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
		} else {
			result["description"] = hint
		}
		return result
	}

	result := walkChildren(copyMap(schema), convertRefsToHints)
	walkUnionMembers(result, convertRefsToHints)
	return result
}

// mergeAllOf collapses an allOf intersection into a single schema: later
// branches override earlier ones for scalar fields, while properties and
// required are unioned rather than overwritten.
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if branches, ok := result["allOf"].([]interface{}); ok && len(branches) > 0 {
		mergedProps := make(map[string]interface{})
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]interface{})

		for _, branch := range branches {
			branchMap, ok := branch.(map[string]interface{})
			if !ok {
				continue
			}
			if props, ok := branchMap["properties"].(map[string]interface{}); ok {
				for key, value := range props {
					mergedProps[key] = value
				}
			}
			if required, ok := branchMap["required"].([]interface{}); ok {
				for _, req := range required {
					if reqStr, ok := req.(string); ok {
						mergedRequired[reqStr] = true
					}
				}
			}
			for key, value := range branchMap {
				if key == "properties" || key == "required" {
					continue
				}
				if _, exists := otherFields[key]; !exists {
					otherFields[key] = value
				}
			}
		}

		delete(result, "allOf")

		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}

		if len(mergedProps) > 0 {
			existing, _ := result["properties"].(map[string]interface{})
			if existing == nil {
				existing = make(map[string]interface{})
			}
			for key, value := range mergedProps {
				if _, exists := existing[key]; !exists {
					existing[key] = value
				}
			}
			result["properties"] = existing
		}

		if len(mergedRequired) > 0 {
			combined := make(map[string]bool)
			if req, ok := result["required"].([]interface{}); ok {
				for _, r := range req {
					if rStr, ok := r.(string); ok {
						combined[rStr] = true
					}
				}
			}
			for key := range mergedRequired {
				combined[key] = true
			}
			newRequired := make([]interface{}, 0, len(combined))
			for key := range combined {
				newRequired = append(newRequired, key)
			}
			result["required"] = newRequired
		}
	}

	return walkChildren(result, mergeAllOf)
}

// flattenAnyOfOneOf picks the single highest-scoring branch of an anyOf/oneOf
// union and merges it into the parent schema, recording the branches it
// discarded as an "Accepts: a | b" description hint.
func flattenAnyOfOneOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := result[unionKey].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var best map[string]interface{}
		bestScore := -1

		for _, option := range options {
			optMap, ok := option.(map[string]interface{})
			if !ok {
				continue
			}
			typeName, _ := optMap["type"].(string)
			if typeName == "" && optMap["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}
			if score := scoreSchemaOption(optMap); score > bestScore {
				bestScore, best = score, optMap
			}
		}

		delete(result, unionKey)
		if best == nil {
			continue
		}

		parentDescription, _ := result["description"].(string)
		flattened := flattenAnyOfOneOf(best)
		for key, value := range flattened {
			if key == "description" {
				if valueStr, ok := value.(string); ok && valueStr != "" && valueStr != parentDescription {
					if parentDescription != "" {
						result["description"] = fmt.Sprintf("%s (%s)", parentDescription, valueStr)
					} else {
						result["description"] = valueStr
					}
				}
				continue
			}
			if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
				result[key] = value
			}
		}

		if len(typeNames) > 1 {
			result = appendDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(unique(typeNames), " | ")))
		}
	}

	return walkChildren(result, flattenAnyOfOneOf)
}

// addEnumHints preserves a small enum's allowed values in the description
// before CleanSchema's later phase strips whatever doesn't survive.
func addEnumHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)
	if enumArr, ok := result["enum"].([]interface{}); ok && len(enumArr) > 1 && len(enumArr) <= 10 {
		vals := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		result = appendDescriptionHint(result, fmt.Sprintf("Allowed: %s", strings.Join(vals, ", ")))
	}
	return walkChildren(result, addEnumHints)
}

// addAdditionalPropertiesHints notes a strict "additionalProperties: false"
// object in its description, since Gemini's schema dialect can't express it.
func addAdditionalPropertiesHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)
	if result["additionalProperties"] == false {
		result = appendDescriptionHint(result, "No extra properties allowed")
	}
	return walkChildren(result, addAdditionalPropertiesHints)
}

// moveConstraintsToDescription captures string/number constraints Gemini
// doesn't support as description text before stripUnsupportedKeywords
// deletes the fields themselves.
func moveConstraintsToDescription(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	constraints := []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"}
	result := copyMap(schema)
	for _, constraint := range constraints {
		value, ok := result[constraint]
		if !ok {
			continue
		}
		if _, isMap := value.(map[string]interface{}); isMap {
			continue
		}
		result = appendDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
	}

	return walkChildren(result, moveConstraintsToDescription)
}

// flattenTypeArrays collapses a JSON Schema type array ("type": ["string",
// "null"]) to its first non-null member, recording the rest as a hint and
// marking the owning property nullable so its parent can drop it from
// required.
func flattenTypeArrays(schema map[string]interface{}, nullableProps map[string]bool, currentPropName string) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNullTypes []string
		for _, t := range typeArr {
			tStr, ok := t.(string)
			if !ok {
				continue
			}
			if tStr == "null" {
				hasNull = true
			} else if tStr != "" {
				nonNullTypes = append(nonNullTypes, tStr)
			}
		}

		firstType := "string"
		if len(nonNullTypes) > 0 {
			firstType = nonNullTypes[0]
		}
		result["type"] = firstType

		if len(nonNullTypes) > 1 {
			result = appendDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(nonNullTypes, " | ")))
		}
		if hasNull {
			result = appendDescriptionHint(result, "nullable")
			if nullableProps != nil && currentPropName != "" {
				nullableProps[currentPropName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullable := make(map[string]bool)
		newProps := make(map[string]interface{}, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = flattenTypeArrays(valueMap, childNullable, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]interface{}); ok && len(childNullable) > 0 {
			kept := make([]interface{}, 0, len(required))
			for _, prop := range required {
				if propStr, ok := prop.(string); ok && !childNullable[propStr] {
					kept = append(kept, propStr)
				}
			}
			if len(kept) == 0 {
				delete(result, "required")
			} else {
				result["required"] = kept
			}
		}
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = flattenTypeArrays(items, nullableProps, "")
	case []interface{}:
		newItems := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, flattenTypeArrays(itemMap, nullableProps, ""))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

// toGoogleType maps a JSON Schema type name to Gemini's uppercase wire
// format; anything it doesn't recognize (including "null", which Gemini has
// no representation for) falls back to a best-effort upper-case pass.
func toGoogleType(typeName string) string {
	if typeName == "" {
		return typeName
	}

	typeMap := map[string]string{
		"string":  "STRING",
		"number":  "NUMBER",
		"integer": "INTEGER",
		"boolean": "BOOLEAN",
		"array":   "ARRAY",
		"object":  "OBJECT",
		"null":    "STRING",
	}
	if upper, ok := typeMap[strings.ToLower(typeName)]; ok {
		return upper
	}
	return strings.ToUpper(typeName)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func unique(arr []string) []string {
	seen := make(map[string]bool, len(arr))
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
