package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ParseManifest parses a provider manifest from YAML or JSON bytes.
// The result has defaults applied but is not validated; callers that
// accept untrusted input should follow up with Validate.
func ParseManifest(data []byte) (*Manifest, error) {
	text := decodeTextBytes(data)

	rawMap, err := parseBytes(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	expanded := expandEnvVars(rawMap)
	normalizeRaw(expanded)

	m := &Manifest{}
	if err := weakDecode(expanded, m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	// Capabilities need the raw map to pick between the structured and
	// legacy flat forms.
	if capsRaw, ok := expanded["capabilities"].(map[string]any); ok {
		caps, err := capabilitiesFromMap(capsRaw)
		if err != nil {
			return nil, err
		}
		m.Capabilities = caps
	}

	m.SetDefaults()
	return m, nil
}

// decodeTextBytes tolerates byte-order marks from Windows editors:
// UTF-16 LE content is transcoded and a UTF-8 BOM is stripped.
func decodeTextBytes(data []byte) []byte {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xFE {
		payload := data[2:]
		units := make([]uint16, 0, len(payload)/2)
		for i := 0; i+1 < len(payload); i += 2 {
			units = append(units, uint16(payload[i])|uint16(payload[i+1])<<8)
		}
		return []byte(string(utf16.Decode(units)))
	}
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

// parseBytes parses raw bytes into a map.
// Supports YAML (primary) and JSON (fallback).
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any

	// Try YAML first (YAML is a superset of JSON)
	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}

	// Fallback to JSON
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}

	return result, nil
}

// normalizeRaw folds alternate manifest spellings into the canonical
// shape before decoding: endpoint-level chat/embeddings shortcuts
// become endpoint.paths entries, endpoint-nested auth moves to the top
// level, and the auth "header" key becomes header_name.
func normalizeRaw(root map[string]any) {
	if endpoint, ok := root["endpoint"].(map[string]any); ok {
		paths, _ := endpoint["paths"].(map[string]any)
		for _, op := range []string{OperationChat, OperationEmbeddings} {
			raw, ok := endpoint[op]
			if !ok {
				continue
			}
			if paths == nil {
				paths = make(map[string]any)
				endpoint["paths"] = paths
			}
			if _, exists := paths[op]; !exists {
				paths[op] = raw
			}
			delete(endpoint, op)
		}
		if auth, ok := endpoint["auth"].(map[string]any); ok {
			if _, exists := root["auth"]; !exists {
				root["auth"] = auth
			}
			delete(endpoint, "auth")
		}
	}

	if auth, ok := root["auth"].(map[string]any); ok {
		if header, ok := auth["header"]; ok {
			if _, exists := auth["header_name"]; !exists {
				auth["header_name"] = header
			}
			delete(auth, "header")
		}
	}
}

// weakDecode decodes a generic map into a typed value using mapstructure.
func weakDecode(input, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			endpointPathHook(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

// endpointPathHook lifts bare path strings into the endpoint path
// object form, so `chat: /v1/chat/completions` works.
func endpointPathHook() mapstructure.DecodeHookFuncType {
	pathType := reflect.TypeOf(EndpointPath{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != pathType || from.Kind() != reflect.String {
			return data, nil
		}
		return map[string]any{"path": data}, nil
	}
}

// expandEnvVars recursively expands ${VAR} and $VAR patterns in a map.
// JSON path strings like $.choices[0] are untouched: the dot and the
// bracket are outside the variable-name character class.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Handle ${VAR} and ${VAR:-default}
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]

			// Check for default value syntax: ${VAR:-default}
			if idx := strings.Index(inner, ":-"); idx != -1 {
				varName := inner[:idx]
				defaultVal := inner[idx+2:]
				if val := os.Getenv(varName); val != "" {
					return val
				}
				return defaultVal
			}

			// Simple ${VAR}
			return os.Getenv(inner)
		}

		// Handle $VAR
		varName := match[1:]
		return os.Getenv(varName)
	})
}
