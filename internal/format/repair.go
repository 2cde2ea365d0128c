package format

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// toolArgAliases pairs up keys the model sometimes swaps for the schema's
// declared name. Healing only applies when the declared key is required and
// missing, and the aliased key is present.
var toolArgAliases = [][2]string{
	{"url", "link"},
	{"query", "prompt"},
	{"path", "file_path"},
}

var quotedPhraseRegex = regexp.MustCompile(`"([^"]{1,200})"|'([^']{1,200})'`)
var urlRegex = regexp.MustCompile(`https?://\S+`)
var pathRegex = regexp.MustCompile(`(?:\./|/|[A-Za-z0-9_\-]+/)[A-Za-z0-9_\-./]+\.[A-Za-z0-9]+`)

// RepairToolArgs normalizes a functionCall's arguments before they reach the
// client: decoding a protobuf-struct envelope if present, healing aliased
// keys against the declared schema, and best-effort filling a missing
// required string parameter from the most recent user text. enabled gates
// the alias-healing and text-fill steps (config.EnableHeuristicRepair);
// proto-envelope decoding always runs since it's not a heuristic, just a
// different wire shape for the same data.
func RepairToolArgs(args map[string]interface{}, schema map[string]interface{}, lastUserText string, enabled bool) map[string]interface{} {
	args = decodeProtoEnvelope(args)
	if args == nil {
		args = make(map[string]interface{})
	}
	if !enabled {
		return args
	}

	required, _ := schema["required"].([]interface{})
	properties, _ := schema["properties"].(map[string]interface{})

	healAliases(args, required)

	if lastUserText != "" {
		fillFromUserText(args, required, properties, lastUserText)
	}

	return args
}

// decodeProtoEnvelope recursively converts a protobuf Struct-style envelope
// ({"fields": {k: {"stringValue": ...}}}) into plain JSON values. Values that
// aren't shaped like an envelope pass through unchanged.
func decodeProtoEnvelope(v interface{}) map[string]interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	fields, ok := m["fields"].(map[string]interface{})
	if !ok {
		// Not an envelope at this level - recurse into values that might be.
		result := make(map[string]interface{}, len(m))
		for k, val := range m {
			result[k] = decodeProtoValue(val)
		}
		return result
	}
	result := make(map[string]interface{}, len(fields))
	for k, val := range fields {
		result[k] = decodeProtoValue(val)
	}
	return result
}

func decodeProtoValue(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	if sv, ok := m["stringValue"]; ok {
		return sv
	}
	if nv, ok := m["numberValue"]; ok {
		return nv
	}
	if bv, ok := m["boolValue"]; ok {
		return bv
	}
	if lv, ok := m["listValue"]; ok {
		if lm, ok := lv.(map[string]interface{}); ok {
			if values, ok := lm["values"].([]interface{}); ok {
				out := make([]interface{}, len(values))
				for i, item := range values {
					out[i] = decodeProtoValue(item)
				}
				return out
			}
		}
	}
	if sv, ok := m["structValue"]; ok {
		if decoded := decodeProtoEnvelope(sv); decoded != nil {
			return decoded
		}
	}
	if _, ok := m["nullValue"]; ok {
		return nil
	}
	if fields, hasFields := m["fields"]; hasFields {
		if fm, ok := fields.(map[string]interface{}); ok {
			out := make(map[string]interface{}, len(fm))
			for k, val := range fm {
				out[k] = decodeProtoValue(val)
			}
			return out
		}
	}
	return v
}

func requiredSet(required []interface{}) map[string]bool {
	set := make(map[string]bool, len(required))
	for _, r := range required {
		if s, ok := r.(string); ok {
			set[s] = true
		}
	}
	return set
}

func healAliases(args map[string]interface{}, required []interface{}) {
	need := requiredSet(required)
	for _, pair := range toolArgAliases {
		a, b := pair[0], pair[1]
		for _, ordered := range [][2]string{{a, b}, {b, a}} {
			want, have := ordered[0], ordered[1]
			if !need[want] {
				continue
			}
			if _, present := args[want]; present {
				continue
			}
			if val, ok := args[have]; ok {
				args[want] = val
				utils.Debug("[ToolRepair] Healed arg alias %s -> %s", have, want)
			}
		}
	}
}

func fillFromUserText(args map[string]interface{}, required []interface{}, properties map[string]interface{}, userText string) {
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if v, present := args[name]; present {
			if s, ok := v.(string); ok && s != "" {
				continue
			}
			if present && v != nil {
				continue
			}
		}

		propSchema, _ := properties[name].(map[string]interface{})
		propType, _ := propSchema["type"].(string)
		if propType != "" && propType != "string" {
			continue
		}

		lower := strings.ToLower(name)
		var fill string
		switch {
		case strings.Contains(lower, "url") || strings.Contains(lower, "link"):
			fill = urlRegex.FindString(userText)
		case strings.Contains(lower, "path") || strings.Contains(lower, "file"):
			fill = pathRegex.FindString(userText)
		case strings.Contains(lower, "query") || strings.Contains(lower, "prompt"):
			if m := quotedPhraseRegex.FindStringSubmatch(userText); m != nil {
				if m[1] != "" {
					fill = m[1]
				} else {
					fill = m[2]
				}
			}
		}

		if fill != "" {
			args[name] = fill
			utils.Debug("[ToolRepair] Filled missing required arg %q from user text", name)
		}
	}
}

// argsToJSON serializes repaired args back to the raw JSON text streamed to
// the client as input_json_delta payloads.
func argsToJSON(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
