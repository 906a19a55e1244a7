package providers

// CleanSchemaForGemini strips JSON-schema keywords the Gemini function
// declaration endpoint rejects. The filter is recursive and allocates a new
// map so the caller's schema stays untouched.
func CleanSchemaForGemini(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return cleanSchema(schema)
}

var geminiDroppedKeys = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"additionalProperties": true,
	"default":              true,
	"examples":             true,
	"exclusiveMaximum":     true,
	"exclusiveMinimum":     true,
}

func cleanSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if geminiDroppedKeys[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = cleanSchema(val)
		case []any:
			cleaned := make([]any, 0, len(val))
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					cleaned = append(cleaned, cleanSchema(m))
				} else {
					cleaned = append(cleaned, item)
				}
			}
			out[k] = cleaned
		default:
			out[k] = v
		}
	}
	return out
}
